// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/pgzip"
)

// loadGeneAnnotations reads a gzip-compressed tab-separated
// annotation file with ensembl_id and gene_name header columns and
// returns a gene_name -> ensembl_id map. A name annotated with two
// different IDs is fatal: downstream joins need the mapping to be
// unambiguous.
func loadGeneAnnotations(fnm string) (map[string]string, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rdr io.Reader = f
	if strings.HasSuffix(fnm, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		defer gz.Close()
		rdr = gz
	}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 256), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: empty file", fnm)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
	idIdx, nameIdx := -1, -1
	for i, col := range header {
		switch col {
		case "ensembl_id":
			idIdx = i
		case "gene_name":
			nameIdx = i
		}
	}
	if idIdx < 0 || nameIdx < 0 {
		return nil, fmt.Errorf("%s: header needs ensembl_id and gene_name columns, got %v", fnm, header)
	}
	ann := map[string]string{}
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) <= idIdx || len(fields) <= nameIdx {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", fnm, lineNum, len(header), len(fields))
		}
		id, name := fields[idIdx], fields[nameIdx]
		if id == "" || name == "" {
			continue
		}
		if prev, ok := ann[name]; ok && prev != id {
			return nil, fmt.Errorf("%s line %d: gene name %q maps to both %q and %q", fnm, lineNum, name, prev, id)
		}
		ann[name] = id
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ann, nil
}

// geneResolver maps de-duplicated gene display names to stable IDs,
// preferring the dataset's own gene list and falling back to an
// external annotation map. De-duplication suffixes (".1", ".2", …)
// are stripped before the annotation lookup.
type geneResolver struct {
	genes map[string]string
	ann   map[string]string
}

func newGeneResolver(genes []GeneInfo, ann map[string]string) *geneResolver {
	r := &geneResolver{genes: make(map[string]string, len(genes)), ann: ann}
	for _, g := range genes {
		if g.ID != "" {
			r.genes[g.Name] = g.ID
		}
	}
	return r
}

func (r *geneResolver) lookup(name string) (string, bool) {
	if id, ok := r.genes[name]; ok {
		return id, true
	}
	if r.ann == nil {
		return "", false
	}
	if id, ok := r.ann[name]; ok {
		return id, true
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		if id, ok := r.ann[name[:i]]; ok {
			return id, true
		}
	}
	return "", false
}
