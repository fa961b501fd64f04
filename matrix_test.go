// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bytes"
	"strings"

	"gopkg.in/check.v1"
)

type matrixSuite struct{}

var _ = check.Suite(&matrixSuite{})

var testGenes = []GeneInfo{
	{ID: "ENSG01", Name: "GENEA"},
	{ID: "ENSG02", Name: "GENEB"},
	{ID: "ENSG03", Name: "MT-ND1"},
}

var testBarcodes = []string{"AAAC", "CCCT", "GGGA"}

const testMtx = `%%MatrixMarket matrix coordinate real general
% comment line
3 3 5
1 1 2
2 1 1
3 2 4
1 2 1
1 3 7
`

func (s *matrixSuite) TestLoadMatrixMarket(c *check.C) {
	m, err := loadMatrixMarket(strings.NewReader(testMtx), "test.mtx", testGenes, testBarcodes)
	c.Assert(err, check.IsNil)
	c.Check(m.nGenes(), check.Equals, 3)
	c.Check(m.nCells(), check.Equals, 3)
	c.Check(m.nnz(), check.Equals, 5)

	rows, counts := m.col(0)
	c.Check(rows, check.DeepEquals, []int32{0, 1})
	c.Check(counts, check.DeepEquals, []float64{2, 1})
	rows, counts = m.col(1)
	c.Check(rows, check.DeepEquals, []int32{2, 0})
	c.Check(counts, check.DeepEquals, []float64{4, 1})
	rows, counts = m.col(2)
	c.Check(rows, check.DeepEquals, []int32{0})
	c.Check(counts, check.DeepEquals, []float64{7})

	c.Check(m.colTotals(), check.DeepEquals, []float64{3, 5, 7})
	c.Check(m.detectedGenes(), check.DeepEquals, []int{2, 2, 1})
	c.Check(m.cellsPerGene(), check.DeepEquals, []int{3, 1, 1})
}

func (s *matrixSuite) TestLoadMatrixMarketErrors(c *check.C) {
	for _, trial := range []struct {
		mtx string
		msg string
	}{
		{"1 1 0\n", "not a MatrixMarket file"},
		{"%%MatrixMarket matrix array real general\n3 3\n", "unsupported MatrixMarket format"},
		{"%%MatrixMarket matrix coordinate real general\n", "missing dimension line"},
		{"%%MatrixMarket matrix coordinate real general\n2 3 0\n", "2 rows but gene list has 3"},
		{"%%MatrixMarket matrix coordinate real general\n3 2 0\n", "2 columns but 3 cell barcodes"},
		{"%%MatrixMarket matrix coordinate real general\n3 3 1\n4 1 1\n", "out of declared bounds"},
		{"%%MatrixMarket matrix coordinate real general\n3 3 1\n1 0 1\n", "out of declared bounds"},
		{"%%MatrixMarket matrix coordinate real general\n3 3 1\n1 1 -2\n", "negative count"},
		{"%%MatrixMarket matrix coordinate real general\n3 3 1\n1 1\n", "expected 3 fields"},
		{"%%MatrixMarket matrix coordinate real general\n3 3 2\n1 1 1\n", "declared 2 entries, read 1"},
	} {
		_, err := loadMatrixMarket(strings.NewReader(trial.mtx), "test.mtx", testGenes, testBarcodes)
		c.Assert(err, check.NotNil)
		c.Check(err, check.ErrorMatches, ".*"+trial.msg+".*", check.Commentf("input: %q", trial.mtx))
	}
}

func (s *matrixSuite) TestExplicitZeroEntriesDropped(c *check.C) {
	mtx := "%%MatrixMarket matrix coordinate real general\n3 3 2\n1 1 0\n2 2 3\n"
	m, err := loadMatrixMarket(strings.NewReader(mtx), "test.mtx", testGenes, testBarcodes)
	c.Assert(err, check.IsNil)
	c.Check(m.nnz(), check.Equals, 1)
	rows, counts := m.col(1)
	c.Check(rows, check.DeepEquals, []int32{1})
	c.Check(counts, check.DeepEquals, []float64{3})
}

func (s *matrixSuite) TestSubset(c *check.C) {
	m, err := loadMatrixMarket(strings.NewReader(testMtx), "test.mtx", testGenes, testBarcodes)
	c.Assert(err, check.IsNil)

	sub := m.subset([]bool{true, false, true}, []bool{true, true, false})
	c.Check(sub.nGenes(), check.Equals, 2)
	c.Check(sub.nCells(), check.Equals, 2)
	c.Check(sub.Genes[1].Name, check.Equals, "MT-ND1")
	c.Check(sub.Barcodes, check.DeepEquals, []string{"AAAC", "CCCT"})
	rows, counts := sub.col(0)
	c.Check(rows, check.DeepEquals, []int32{0})
	c.Check(counts, check.DeepEquals, []float64{2})
	rows, counts = sub.col(1)
	c.Check(rows, check.DeepEquals, []int32{1, 0})
	c.Check(counts, check.DeepEquals, []float64{4, 1})

	all := m.subset(nil, nil)
	c.Check(all.nGenes(), check.Equals, 3)
	c.Check(all.nCells(), check.Equals, 3)
	c.Check(all.nnz(), check.Equals, 5)
}

func (s *matrixSuite) TestFingerprint(c *check.C) {
	m1, err := loadMatrixMarket(strings.NewReader(testMtx), "test.mtx", testGenes, testBarcodes)
	c.Assert(err, check.IsNil)
	m2, err := loadMatrixMarket(strings.NewReader(testMtx), "other.mtx", testGenes, testBarcodes)
	c.Assert(err, check.IsNil)
	c.Check(m1.fingerprint(), check.Equals, m2.fingerprint())

	changed := "%%MatrixMarket matrix coordinate real general\n3 3 5\n1 1 2\n2 1 1\n3 2 4\n1 2 1\n1 3 8\n"
	m3, err := loadMatrixMarket(strings.NewReader(changed), "test.mtx", testGenes, testBarcodes)
	c.Assert(err, check.IsNil)
	c.Check(m1.fingerprint() == m3.fingerprint(), check.Equals, false)

	sub := m1.subset(nil, []bool{true, true, false})
	c.Check(m1.fingerprint() == sub.fingerprint(), check.Equals, false)
}

func (s *matrixSuite) TestLoadGeneList(c *check.C) {
	genes, err := loadGeneList(bytes.NewBufferString("ENSG01\tACTB\nENSG02\tACTB\nENSG03\tACTB\nGAPDH\n"), "genes.tsv")
	c.Assert(err, check.IsNil)
	c.Check(genes, check.DeepEquals, []GeneInfo{
		{ID: "ENSG01", Name: "ACTB"},
		{ID: "ENSG02", Name: "ACTB.1"},
		{ID: "ENSG03", Name: "ACTB.2"},
		{ID: "", Name: "GAPDH"},
	})

	_, err = loadGeneList(bytes.NewBufferString(""), "genes.tsv")
	c.Check(err, check.ErrorMatches, ".*no genes.*")
	_, err = loadGeneList(bytes.NewBufferString("ENSG01\t\n"), "genes.tsv")
	c.Check(err, check.ErrorMatches, ".*empty gene name.*")
}

func (s *matrixSuite) TestLoadBarcodeList(c *check.C) {
	barcodes, err := loadBarcodeList(bytes.NewBufferString("AAAC\nCCCT\n\nGGGA\n"), "barcodes.tsv")
	c.Assert(err, check.IsNil)
	c.Check(barcodes, check.DeepEquals, []string{"AAAC", "CCCT", "GGGA"})

	_, err = loadBarcodeList(bytes.NewBufferString("AAAC\nAAAC\n"), "barcodes.tsv")
	c.Check(err, check.ErrorMatches, `.*duplicate barcode "AAAC".*`)
	_, err = loadBarcodeList(bytes.NewBufferString("\n"), "barcodes.tsv")
	c.Check(err, check.ErrorMatches, ".*no barcodes.*")
}
