// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bytes"
	"io"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type outputSuite struct{}

var _ = check.Suite(&outputSuite{})

func gunzipString(c *check.C, buf *bytes.Buffer) string {
	zr, err := pgzip.NewReader(bytes.NewReader(buf.Bytes()))
	c.Assert(err, check.IsNil)
	defer zr.Close()
	out, err := io.ReadAll(zr)
	c.Assert(err, check.IsNil)
	return string(out)
}

func (s *outputSuite) TestWriteMarkerTable(c *check.C) {
	resolve := newGeneResolver([]GeneInfo{{ID: "ENSG000MARKER", Name: "MARKER"}}, nil)
	recs := []markerStats{
		{Gene: "MARKER", P: 0.001, PAdj: 0.004, AvgLogFC: 1.25, Pct1: 1, Pct2: 0.25, ClusterMean: 1.5, OtherMean: 0.5},
		{Gene: "NOVEL", P: 0.025, PAdj: 0.05, AvgLogFC: -0.5, Pct1: 0.5, Pct2: 0.75, ClusterMean: 0.25, OtherMean: 0.75},
	}
	var buf bytes.Buffer
	c.Assert(writeMarkerTable(&buf, "T", recs, resolve), check.IsNil)
	c.Check(gunzipString(c, &buf), check.Equals, markerTableHeader+
		"T\tMARKER\t0.004\t0.001\t1.2500\t1.0000\t0.2500\tENSG000MARKER\t1.5000\t0.5000\n"+
		"T\tNOVEL\t0.05\t0.025\t-0.5000\t0.5000\t0.7500\t\t0.2500\t0.7500\n")
}

func (s *outputSuite) TestWriteMarkerTableEmpty(c *check.C) {
	resolve := newGeneResolver(nil, nil)
	var buf bytes.Buffer
	c.Assert(writeMarkerTable(&buf, "B", nil, resolve), check.IsNil)
	c.Check(gunzipString(c, &buf), check.Equals, markerTableHeader)
}

func (s *outputSuite) TestWriteUniverse(c *check.C) {
	resolve := newGeneResolver(
		[]GeneInfo{{ID: "ENSG01", Name: "MARKER"}},
		map[string]string{"ALT": "ENSG02"})
	var buf bytes.Buffer
	// NOVEL has no ID anywhere and drops out, ALT.1 resolves through
	// the annotation map after suffix stripping
	c.Assert(writeUniverse(&buf, "T", []string{"MARKER", "NOVEL", "ALT.1"}, resolve), check.IsNil)
	c.Check(gunzipString(c, &buf), check.Equals, "gene_id\nENSG01\nENSG02\n")
}

func (s *outputSuite) TestWriteUniverseEmpty(c *check.C) {
	var buf bytes.Buffer
	c.Assert(writeUniverse(&buf, "T", nil, newGeneResolver(nil, nil)), check.IsNil)
	c.Check(gunzipString(c, &buf), check.Equals, "gene_id\n")
}
