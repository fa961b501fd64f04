// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"os"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type annotationSuite struct{}

var _ = check.Suite(&annotationSuite{})

const testAnnotations = `gene_name	ensembl_id	source
ACTB	ENSG00000075624	havana
TP53	ENSG00000141510	havana
ACTB	ENSG00000075624	ensembl
MALAT1	ENSG00000251562	havana

NODATA		havana
`

func (s *annotationSuite) TestLoadGeneAnnotations(c *check.C) {
	fnm := c.MkDir() + "/ann.tsv"
	c.Assert(os.WriteFile(fnm, []byte(testAnnotations), 0666), check.IsNil)
	ann, err := loadGeneAnnotations(fnm)
	c.Assert(err, check.IsNil)
	// the repeated ACTB row agrees, the blank and empty-id rows are
	// skipped
	c.Check(ann, check.DeepEquals, map[string]string{
		"ACTB":   "ENSG00000075624",
		"TP53":   "ENSG00000141510",
		"MALAT1": "ENSG00000251562",
	})
}

func (s *annotationSuite) TestLoadGeneAnnotationsGzip(c *check.C) {
	fnm := c.MkDir() + "/ann.tsv.gz"
	f, err := os.Create(fnm)
	c.Assert(err, check.IsNil)
	zw := pgzip.NewWriter(f)
	_, err = zw.Write([]byte(testAnnotations))
	c.Assert(err, check.IsNil)
	c.Assert(zw.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)

	ann, err := loadGeneAnnotations(fnm)
	c.Assert(err, check.IsNil)
	c.Check(ann["TP53"], check.Equals, "ENSG00000141510")
}

func (s *annotationSuite) TestLoadGeneAnnotationsErrors(c *check.C) {
	for _, trial := range []struct {
		content      string
		errorMatches string
	}{
		{
			"",
			".*: empty file",
		},
		{
			"gene_name\tsource\nACTB\thavana\n",
			`.*: header needs ensembl_id and gene_name columns, got \[gene_name source\]`,
		},
		{
			"gene_name\tsource\tensembl_id\nACTB\thavana\n",
			".* line 2: expected 3 fields, got 2",
		},
		{
			"gene_name\tensembl_id\nACTB\tENSG1\nACTB\tENSG2\n",
			`.* line 3: gene name "ACTB" maps to both "ENSG1" and "ENSG2"`,
		},
	} {
		fnm := c.MkDir() + "/ann.tsv"
		c.Assert(os.WriteFile(fnm, []byte(trial.content), 0666), check.IsNil)
		ann, err := loadGeneAnnotations(fnm)
		c.Check(ann, check.IsNil)
		c.Check(err, check.ErrorMatches, trial.errorMatches)
	}
}

func (s *annotationSuite) TestGeneResolver(c *check.C) {
	genes := []GeneInfo{
		{ID: "ENSG_DS1", Name: "ACTB"},
		{ID: "", Name: "NOID"},
	}
	ann := map[string]string{
		"ACTB":   "ENSG_ANN1",
		"TP53":   "ENSG_ANN2",
		"MALAT1": "ENSG_ANN3",
	}
	r := newGeneResolver(genes, ann)

	// the dataset's own gene list wins over the annotation map
	id, ok := r.lookup("ACTB")
	c.Check(ok, check.Equals, true)
	c.Check(id, check.Equals, "ENSG_DS1")

	id, ok = r.lookup("TP53")
	c.Check(ok, check.Equals, true)
	c.Check(id, check.Equals, "ENSG_ANN2")

	// de-duplication suffixes strip before the annotation lookup
	id, ok = r.lookup("MALAT1.2")
	c.Check(ok, check.Equals, true)
	c.Check(id, check.Equals, "ENSG_ANN3")

	_, ok = r.lookup("NOID")
	c.Check(ok, check.Equals, false)
	_, ok = r.lookup("UNKNOWN")
	c.Check(ok, check.Equals, false)
}

func (s *annotationSuite) TestGeneResolverNoAnnotations(c *check.C) {
	r := newGeneResolver([]GeneInfo{{ID: "ENSG1", Name: "ACTB"}}, nil)
	id, ok := r.lookup("ACTB")
	c.Check(ok, check.Equals, true)
	c.Check(id, check.Equals, "ENSG1")
	_, ok = r.lookup("TP53")
	c.Check(ok, check.Equals, false)
}
