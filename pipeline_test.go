// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// writePipelineInput writes a synthetic 10x-style input set: 8 genes
// × 25 cells with two clean cluster signatures (MARKER in cells
// T01-T12, CTRL in B01-B12), a mitochondrial gene, one cell with too
// few detected genes to pass QC, one gene detected in a single cell,
// and one gene never detected. Donors alternate d1/d2 within each
// cluster so both conservation levels see both clusters.
func writePipelineInput(c *check.C, dir string) (mtxFile, genesFile, metaFile string) {
	genesFile = dir + "/genes.tsv"
	c.Assert(os.WriteFile(genesFile, []byte(
		"ENSG0001\tMARKER\n"+
			"ENSG0002\tCTRL\n"+
			"ENSG0003\tHOUSE\n"+
			"ENSG0004\tMT-ND1\n"+
			"ENSG0005\tWAVE\n"+
			"ENSG0006\tFLAT\n"+
			"ENSG0007\tRARE\n"+
			"ENSG0008\tEMPTY\n"), 0666), check.IsNil)

	var meta strings.Builder
	meta.WriteString("barcode\tdonor\tcondition\n")
	var entries []string
	col := 0
	addCell := func(barcode, donor, condition string, counts [][2]int) {
		col++
		fmt.Fprintf(&meta, "%s\t%s\t%s\n", barcode, donor, condition)
		for _, rc := range counts {
			entries = append(entries, fmt.Sprintf("%d %d %d", rc[0], col, rc[1]))
		}
	}
	for i := 1; i <= 12; i++ {
		donor, condition := "d1", "stim"
		if i%2 == 0 {
			donor = "d2"
		}
		if i > 6 {
			condition = "ctrl"
		}
		counts := [][2]int{{1, 4 + i%2}, {3, 1}, {4, 1}, {5, i%5 + 1}, {6, 2}}
		if i == 1 {
			counts = append(counts, [2]int{7, 1})
		}
		addCell(fmt.Sprintf("T%02d", i), donor, condition, counts)
	}
	for i := 1; i <= 12; i++ {
		donor, condition := "d1", "stim"
		if i%2 == 0 {
			donor = "d2"
		}
		if i > 6 {
			condition = "ctrl"
		}
		addCell(fmt.Sprintf("B%02d", i), donor, condition, [][2]int{{2, 5 + i%2}, {3, 1}, {4, 1}, {5, i%5 + 1}, {6, 2}})
	}
	addCell("BAD", "d1", "stim", [][2]int{{3, 1}, {4, 7}})

	mtxFile = dir + "/matrix.mtx"
	c.Assert(os.WriteFile(mtxFile, []byte(fmt.Sprintf(
		"%%%%MatrixMarket matrix coordinate real general\n%%\n8 %d %d\n%s\n",
		col, len(entries), strings.Join(entries, "\n"))), 0666), check.IsNil)

	metaFile = dir + "/metadata.tsv"
	c.Assert(os.WriteFile(metaFile, []byte(meta.String()), 0666), check.IsNil)
	return
}

func readGzFile(c *check.C, fnm string) string {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	zr, err := pgzip.NewReader(f)
	c.Assert(err, check.IsNil)
	defer zr.Close()
	buf, err := io.ReadAll(zr)
	c.Assert(err, check.IsNil)
	return string(buf)
}

func findMarkerRow(c *check.C, table, prefix string) []string {
	for _, line := range strings.Split(table, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.Split(line, "\t")
		}
	}
	c.Fatalf("no row with prefix %q in %q", prefix, table)
	return nil
}

func (s *pipelineSuite) TestPrepareMarkers(c *check.C) {
	indir := c.MkDir()
	outdir := c.MkDir()
	mtxFile, genesFile, metaFile := writePipelineInput(c, indir)

	code := (&preparecmd{}).RunCommand("scmark prepare", []string{"-local=true",
		"-matrix", mtxFile, "-genes", genesFile, "-metadata", metaFile,
		"-group-column", "donor",
		"-min-genes=3", "-max-pct-mito=0.5", "-min-cells-per-gene=2",
		"-scale-factor=100", "-variable-genes=6",
		"-pcs=2", "-jackstraw-reps=8", "-jackstraw-prop=0.2", "-seed=1",
		"-threads=2", "-output-dir", outdir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	counts, err := os.ReadFile(outdir + "/cellcounts.tsv")
	c.Assert(err, check.IsNil)
	c.Check(string(counts), check.Equals, "group\tcells_before\tcells_after\nd1\t13\t12\nd2\t12\t12\n")
	_, err = os.Stat(outdir + "/pca.npy")
	c.Check(err, check.IsNil)

	dsFile := outdir + "/dataset.gob.gz"
	ds, err := LoadDataset(dsFile)
	c.Assert(err, check.IsNil)
	c.Check(ds.Matrix.nCells(), check.Equals, 24)
	c.Check(ds.Matrix.nGenes(), check.Equals, 6)
	var names []string
	for _, g := range ds.Matrix.Genes {
		names = append(names, g.Name)
	}
	c.Check(names, check.DeepEquals, []string{"MARKER", "CTRL", "HOUSE", "MT-ND1", "WAVE", "FLAT"})
	c.Check(ds.Header.ScaleFactor, check.Equals, 100.0)
	c.Check(ds.CellQC, check.HasLen, 24)
	c.Check(ds.Metadata.Columns, check.DeepEquals, []string{"donor", "condition"})
	c.Check(ds.VariableGenes, check.DeepEquals, []int32{0, 1, 2, 3, 4, 5})
	c.Assert(ds.PCA, check.NotNil)
	c.Check(ds.PCA.PCs, check.Equals, 2)
	c.Check(ds.PCA.CellEmbeddings, check.HasLen, 48)
	c.Assert(ds.PCA.JackstrawP, check.HasLen, 2)
	for _, p := range ds.PCA.JackstrawP {
		c.Check(p >= 0 && p <= 1, check.Equals, true, check.Commentf("p=%v", p))
	}

	var asn strings.Builder
	asn.WriteString("barcode\tcluster\n")
	for _, b := range ds.Matrix.Barcodes {
		asn.WriteString(b + "\t" + b[:1] + "\n")
	}
	asnFile := indir + "/clusters.tsv"
	c.Assert(os.WriteFile(asnFile, []byte(asn.String()), 0666), check.IsNil)
	csFile := outdir + "/clusters.gob.gz"
	code = (&clusterImporter{}).RunCommand("scmark import-clusters", []string{"-local=true",
		"-dataset", dsFile, "-assignments", asnFile, "-o", csFile,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	markersDir := c.MkDir()
	code = (&markerscmd{}).RunCommand("scmark markers", []string{"-local=true",
		"-dataset", dsFile, "-clusters", csFile,
		"-conserve-column", "donor",
		"-threads=2", "-output-dir", markersDir,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	tTable := readGzFile(c, markersDir+"/markers.T.tsv.gz")
	c.Check(strings.HasPrefix(tTable, markerTableHeader), check.Equals, true)
	row := findMarkerRow(c, tTable, "T\tMARKER\t")
	c.Assert(row, check.HasLen, 10)
	padj, err := strconv.ParseFloat(row[2], 64)
	c.Assert(err, check.IsNil)
	c.Check(padj < 0.05, check.Equals, true, check.Commentf("p.adj=%v", padj))
	fc, err := strconv.ParseFloat(row[4], 64)
	c.Assert(err, check.IsNil)
	c.Check(fc > 0, check.Equals, true, check.Commentf("avg_logFC=%v", fc))
	c.Check(row[5], check.Equals, "1.0000")
	c.Check(row[6], check.Equals, "0.0000")
	c.Check(row[7], check.Equals, "ENSG0001")

	row = findMarkerRow(c, tTable, "T\tCTRL\t")
	fc, err = strconv.ParseFloat(row[4], 64)
	c.Assert(err, check.IsNil)
	c.Check(fc < 0, check.Equals, true, check.Commentf("avg_logFC=%v", fc))

	bTable := readGzFile(c, markersDir+"/markers.B.tsv.gz")
	row = findMarkerRow(c, bTable, "B\tCTRL\t")
	fc, err = strconv.ParseFloat(row[4], 64)
	c.Assert(err, check.IsNil)
	c.Check(fc > 0, check.Equals, true, check.Commentf("avg_logFC=%v", fc))

	c.Check(readGzFile(c, markersDir+"/universe.T.tsv.gz"), check.Equals,
		"gene_id\nENSG0001\nENSG0002\nENSG0003\nENSG0004\nENSG0005\nENSG0006\n")

	statsout := &bytes.Buffer{}
	code = (&statscmd{}).RunCommand("scmark stats", []string{"-local=true", "-i", dsFile, "-o", "-"}, bytes.NewReader(nil), statsout, os.Stderr)
	c.Assert(code, check.Equals, 0)
	c.Logf("%s", statsout.String())
	var st struct {
		Fingerprint     string
		Genes           int
		Cells           int
		Nonzeros        int64
		ScaleFactor     float64
		VariableGenes   int
		PCs             int
		JackstrawP      []float64
		MetadataColumns []string
	}
	c.Assert(json.Unmarshal(statsout.Bytes(), &st), check.IsNil)
	c.Check(st.Fingerprint, check.Matches, "[0-9a-f]{64}")
	c.Check(st.Genes, check.Equals, 6)
	c.Check(st.Cells, check.Equals, 24)
	c.Check(st.Nonzeros, check.Equals, int64(120))
	c.Check(st.ScaleFactor, check.Equals, 100.0)
	c.Check(st.VariableGenes, check.Equals, 6)
	c.Check(st.PCs, check.Equals, 2)
	c.Check(st.JackstrawP, check.HasLen, 2)
	c.Check(st.MetadataColumns, check.DeepEquals, []string{"donor", "condition"})
}

func (s *pipelineSuite) TestMergeStats(c *check.C) {
	indir := c.MkDir()
	mtxFile, genesFile, metaFile := writePipelineInput(c, indir)

	halves := []struct {
		prefix string
		outdir string
	}{
		{"T", c.MkDir()},
		{"B", c.MkDir()},
	}
	var wg sync.WaitGroup
	for i := range halves {
		half := &halves[i]
		var cells strings.Builder
		for j := 1; j <= 12; j++ {
			fmt.Fprintf(&cells, "%s%02d\n", half.prefix, j)
		}
		cellsFile := fmt.Sprintf("%s/cells.%s.txt", indir, half.prefix)
		c.Assert(os.WriteFile(cellsFile, []byte(cells.String()), 0666), check.IsNil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := (&preparecmd{}).RunCommand("scmark prepare", []string{"-local=true",
				"-matrix", mtxFile, "-genes", genesFile, "-metadata", metaFile,
				"-cells", cellsFile,
				"-min-genes=3", "-max-pct-mito=0.5", "-min-cells-per-gene=0",
				"-scale-factor=100", "-variable-genes=4",
				"-pcs=2", "-jackstraw-reps=0",
				"-threads=1", "-output-dir", half.outdir,
			}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
			c.Check(code, check.Equals, 0)
		}()
	}
	wg.Wait()

	merged := &bytes.Buffer{}
	code := (&merger{}).RunCommand("scmark merge", []string{"-local=true", "-o", "-",
		halves[0].outdir + "/dataset.gob.gz", halves[1].outdir + "/dataset.gob.gz",
	}, bytes.NewReader(nil), merged, os.Stderr)
	c.Assert(code, check.Equals, 0)
	c.Logf("len(merged) %d", merged.Len())

	statsout := &bytes.Buffer{}
	code = (&statscmd{}).RunCommand("scmark stats", []string{"-local=true"}, merged, statsout, os.Stderr)
	c.Assert(code, check.Equals, 0)
	c.Logf("%s", statsout.String())
	var st struct {
		Genes, Cells  int
		Nonzeros      int64
		ScaleFactor   float64
		VariableGenes int
		PCs           int
	}
	c.Assert(json.Unmarshal(statsout.Bytes(), &st), check.IsNil)
	c.Check(st.Genes, check.Equals, 8)
	c.Check(st.Cells, check.Equals, 24)
	c.Check(st.Nonzeros, check.Equals, int64(121))
	c.Check(st.ScaleFactor, check.Equals, 100.0)
	// variable-gene and PCA results do not survive a merge
	c.Check(st.VariableGenes, check.Equals, 0)
	c.Check(st.PCs, check.Equals, 0)
}

func (s *pipelineSuite) TestPrepareQCFailure(c *check.C) {
	indir := c.MkDir()
	mtxFile, genesFile, metaFile := writePipelineInput(c, indir)
	stderr := &bytes.Buffer{}
	code := (&preparecmd{}).RunCommand("scmark prepare", []string{"-local=true",
		"-matrix", mtxFile, "-genes", genesFile, "-metadata", metaFile,
		"-min-genes=100",
		"-output-dir", c.MkDir(),
	}, bytes.NewReader(nil), &bytes.Buffer{}, stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no cells pass the QC filters.*`)
}
