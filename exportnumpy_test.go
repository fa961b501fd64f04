// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bytes"
	"os"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type exportNumpySuite struct{}

var _ = check.Suite(&exportNumpySuite{})

func readNpy(c *check.C, fnm string) ([]float64, []int) {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	data, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	return data, npy.Shape
}

func (s *exportNumpySuite) TestExportNumpy(c *check.C) {
	tmpdir := c.MkDir()
	ds := buildTestDataset(c)
	dsFile := tmpdir + "/dataset.gob.gz"
	c.Assert(ds.WriteFile(dsFile), check.IsNil)

	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{"-local=true",
		"-i", dsFile,
		"-o", tmpdir + "/matrix.npy",
		"-cells-o", tmpdir + "/cells.tsv",
		"-genes-o", tmpdir + "/genes.tsv",
	}, bytes.NewReader(nil), os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	data, shape := readNpy(c, tmpdir+"/matrix.npy")
	c.Check(shape, check.DeepEquals, []int{3, 3})
	norm := newNormalizer(ds.Matrix, 10000)
	c.Check(data, check.DeepEquals, []float64{
		norm.value(0, 2), norm.value(0, 1), 0,
		norm.value(1, 1), 0, norm.value(1, 4),
		norm.value(2, 7), 0, 0,
	})

	cells, err := os.ReadFile(tmpdir + "/cells.tsv")
	c.Assert(err, check.IsNil)
	c.Check(string(cells), check.Equals, "barcode\tdonor\nAAAC\td1\nCCCT\td2\nGGGA\td1\n")
	genes, err := os.ReadFile(tmpdir + "/genes.tsv")
	c.Assert(err, check.IsNil)
	c.Check(string(genes), check.Equals, "gene\tgene_id\nGENEA\tENSG01\nGENEB\tENSG02\nMT-ND1\tENSG03\n")
}

func (s *exportNumpySuite) TestExportNumpyRaw(c *check.C) {
	tmpdir := c.MkDir()
	ds := buildTestDataset(c)
	dsFile := tmpdir + "/dataset.gob.gz"
	c.Assert(ds.WriteFile(dsFile), check.IsNil)

	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{"-local=true",
		"-raw=true", "-i", dsFile, "-o", tmpdir + "/matrix.npy",
	}, bytes.NewReader(nil), os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	data, shape := readNpy(c, tmpdir+"/matrix.npy")
	c.Check(shape, check.DeepEquals, []int{3, 3})
	c.Check(data, check.DeepEquals, []float64{
		2, 1, 0,
		1, 0, 4,
		7, 0, 0,
	})
}

func (s *exportNumpySuite) TestExportNumpyVariableOnly(c *check.C) {
	tmpdir := c.MkDir()
	ds := buildTestDataset(c)
	dsFile := tmpdir + "/dataset.gob.gz"
	c.Assert(ds.WriteFile(dsFile), check.IsNil)

	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{"-local=true",
		"-variable-only=true",
		"-i", dsFile,
		"-o", tmpdir + "/matrix.npy",
		"-genes-o", tmpdir + "/genes.tsv",
	}, bytes.NewReader(nil), os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	data, shape := readNpy(c, tmpdir+"/matrix.npy")
	c.Check(shape, check.DeepEquals, []int{3, 2})
	norm := newNormalizer(ds.Matrix, 10000)
	c.Check(data, check.DeepEquals, []float64{
		norm.value(0, 2), 0,
		norm.value(1, 1), norm.value(1, 4),
		norm.value(2, 7), 0,
	})
	genes, err := os.ReadFile(tmpdir + "/genes.tsv")
	c.Assert(err, check.IsNil)
	c.Check(string(genes), check.Equals, "gene\tgene_id\nGENEA\tENSG01\nMT-ND1\tENSG03\n")
}

func (s *exportNumpySuite) TestExportNumpyVariableOnlyMissing(c *check.C) {
	tmpdir := c.MkDir()
	ds := buildTestDataset(c)
	ds.VariableGenes = nil
	dsFile := tmpdir + "/dataset.gob.gz"
	c.Assert(ds.WriteFile(dsFile), check.IsNil)

	stderr := &bytes.Buffer{}
	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{"-local=true",
		"-variable-only=true", "-i", dsFile, "-o", tmpdir + "/matrix.npy",
	}, bytes.NewReader(nil), os.Stderr, stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no variable-gene selection.*`)
}

func (s *exportNumpySuite) TestMatrix2Array(c *check.C) {
	ds := buildTestDataset(c)
	// column order follows the requested gene order
	data, rows, cols := matrix2array(ds.Matrix, nil, []int32{2, 0})
	c.Check(rows, check.Equals, 3)
	c.Check(cols, check.Equals, 2)
	c.Check(data, check.DeepEquals, []float64{
		0, 2,
		4, 1,
		0, 7,
	})
}
