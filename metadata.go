// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// cellMetadata holds per-cell covariates from a tab-separated file
// with a header row. Rows are aligned with Barcodes; Columns lists
// the non-barcode column names in file order.
type cellMetadata struct {
	Columns  []string
	Barcodes []string
	Rows     [][]string
}

// loadCellMetadata reads a TSV keyed by barcodeCol. Every row must
// have a value for every column; duplicate barcodes are fatal.
func loadCellMetadata(rdr io.Reader, fnm, barcodeCol string) (*cellMetadata, error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 256), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: empty file", fnm)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
	barcodeIdx := -1
	meta := &cellMetadata{}
	for i, col := range header {
		if col == barcodeCol {
			barcodeIdx = i
		} else {
			meta.Columns = append(meta.Columns, col)
		}
	}
	if barcodeIdx < 0 {
		return nil, fmt.Errorf("%s: header has no %q column", fnm, barcodeCol)
	}
	seen := map[string]bool{}
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("%s line %d: expected %d fields, got %d", fnm, lineNum, len(header), len(fields))
		}
		barcode := fields[barcodeIdx]
		if barcode == "" {
			return nil, fmt.Errorf("%s line %d: empty barcode", fnm, lineNum)
		}
		if seen[barcode] {
			return nil, fmt.Errorf("%s line %d: duplicate barcode %q", fnm, lineNum, barcode)
		}
		seen[barcode] = true
		row := make([]string, 0, len(meta.Columns))
		for i, v := range fields {
			if i != barcodeIdx {
				row = append(row, v)
			}
		}
		meta.Barcodes = append(meta.Barcodes, barcode)
		meta.Rows = append(meta.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(meta.Barcodes) == 0 {
		return nil, fmt.Errorf("%s: no cells", fnm)
	}
	return meta, nil
}

// column returns the values of the named column, aligned with
// Barcodes.
func (meta *cellMetadata) column(name string) ([]string, error) {
	for i, col := range meta.Columns {
		if col == name {
			vals := make([]string, len(meta.Rows))
			for j, row := range meta.Rows {
				vals[j] = row[i]
			}
			return vals, nil
		}
	}
	return nil, fmt.Errorf("metadata has no %q column (have %v)", name, meta.Columns)
}

// levels returns the distinct values of the named column in
// first-seen order.
func (meta *cellMetadata) levels(name string) ([]string, error) {
	vals, err := meta.column(name)
	if err != nil {
		return nil, err
	}
	var levels []string
	seen := map[string]bool{}
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			levels = append(levels, v)
		}
	}
	return levels, nil
}

// reorder rearranges rows to match the given barcode order. The
// barcode sets must be equal; the error reports how many barcodes are
// missing from each side.
func (meta *cellMetadata) reorder(barcodes []string) error {
	idx := make(map[string]int, len(meta.Barcodes))
	for i, b := range meta.Barcodes {
		idx[b] = i
	}
	missing := 0
	rows := make([][]string, len(barcodes))
	for j, b := range barcodes {
		i, ok := idx[b]
		if !ok {
			missing++
			continue
		}
		rows[j] = meta.Rows[i]
		delete(idx, b)
	}
	if missing > 0 || len(idx) > 0 {
		return fmt.Errorf("metadata does not match cell set: %d matrix barcodes missing from metadata, %d metadata barcodes missing from matrix", missing, len(idx))
	}
	meta.Barcodes = append([]string(nil), barcodes...)
	meta.Rows = rows
	return nil
}

// subset keeps only the rows flagged true.
func (meta *cellMetadata) subset(keep []bool) *cellMetadata {
	out := &cellMetadata{Columns: meta.Columns}
	for j, b := range meta.Barcodes {
		if keep[j] {
			out.Barcodes = append(out.Barcodes, b)
			out.Rows = append(out.Rows, meta.Rows[j])
		}
	}
	return out
}
