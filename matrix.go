// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// GeneInfo identifies one gene: a stable external ID (e.g. Ensembl)
// and a display name. Name is unique within a dataset after
// de-duplication; ID may be empty if the gene list had no ID column.
type GeneInfo struct {
	ID   string
	Name string
}

// countMatrix is a genes × cells sparse count matrix in
// compressed-sparse-column layout. Columns are cells, in the same
// order as Barcodes. Immutable once built; filters produce a new
// matrix via subset().
type countMatrix struct {
	Genes    []GeneInfo
	Barcodes []string
	ColPtr   []int64 // len(Barcodes)+1, offsets into Rows/Counts
	Rows     []int32
	Counts   []float64

	geneIndex map[string]int32 // name -> row, built lazily
}

func (m *countMatrix) nGenes() int { return len(m.Genes) }
func (m *countMatrix) nCells() int { return len(m.Barcodes) }
func (m *countMatrix) nnz() int    { return len(m.Rows) }

// col returns the row indices and counts of one cell's nonzero
// entries. The returned slices alias the matrix and must not be
// modified.
func (m *countMatrix) col(j int) ([]int32, []float64) {
	start, end := m.ColPtr[j], m.ColPtr[j+1]
	return m.Rows[start:end], m.Counts[start:end]
}

// colTotals returns the total count per cell.
func (m *countMatrix) colTotals() []float64 {
	totals := make([]float64, m.nCells())
	for j := range totals {
		_, counts := m.col(j)
		for _, c := range counts {
			totals[j] += c
		}
	}
	return totals
}

// detectedGenes returns the number of genes with nonzero count per
// cell.
func (m *countMatrix) detectedGenes() []int {
	det := make([]int, m.nCells())
	for j := range det {
		det[j] = int(m.ColPtr[j+1] - m.ColPtr[j])
	}
	return det
}

// cellsPerGene returns the number of cells with nonzero count per
// gene.
func (m *countMatrix) cellsPerGene() []int {
	n := make([]int, m.nGenes())
	for _, row := range m.Rows {
		n[row]++
	}
	return n
}

// geneRow returns the row index of the named gene, or -1.
func (m *countMatrix) geneRow(name string) int32 {
	if m.geneIndex == nil {
		m.geneIndex = make(map[string]int32, len(m.Genes))
		for i, g := range m.Genes {
			m.geneIndex[g.Name] = int32(i)
		}
	}
	if row, ok := m.geneIndex[name]; ok {
		return row
	}
	return -1
}

// subset returns a new matrix restricted to the genes and cells
// flagged true. Either argument may be nil, meaning keep all.
func (m *countMatrix) subset(keepGene, keepCell []bool) *countMatrix {
	rowmap := make([]int32, m.nGenes())
	var genes []GeneInfo
	for i, g := range m.Genes {
		if keepGene == nil || keepGene[i] {
			rowmap[i] = int32(len(genes))
			genes = append(genes, g)
		} else {
			rowmap[i] = -1
		}
	}
	out := &countMatrix{
		Genes:  genes,
		ColPtr: []int64{0},
	}
	for j, barcode := range m.Barcodes {
		if keepCell != nil && !keepCell[j] {
			continue
		}
		rows, counts := m.col(j)
		for k, row := range rows {
			if rowmap[row] < 0 {
				continue
			}
			out.Rows = append(out.Rows, rowmap[row])
			out.Counts = append(out.Counts, counts[k])
		}
		out.Barcodes = append(out.Barcodes, barcode)
		out.ColPtr = append(out.ColPtr, int64(len(out.Rows)))
	}
	return out
}

// fingerprint hashes the matrix dimensions and sparse triplets. Two
// matrices with identical genes, barcodes, and counts hash
// identically regardless of how they were loaded.
func (m *countMatrix) fingerprint() [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	buf := bufio.NewWriterSize(h, 1<<20)
	fmt.Fprintf(buf, "%d %d %d\n", m.nGenes(), m.nCells(), m.nnz())
	for _, g := range m.Genes {
		fmt.Fprintf(buf, "%s\t%s\n", g.ID, g.Name)
	}
	for _, b := range m.Barcodes {
		buf.WriteString(b)
		buf.WriteByte('\n')
	}
	var scratch [8]byte
	write64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}
	for j := 0; j < m.nCells(); j++ {
		rows, counts := m.col(j)
		for k, row := range rows {
			write64(uint64(j))
			write64(uint64(row))
			write64(math.Float64bits(counts[k]))
		}
	}
	buf.Flush()
	var sum [blake2b.Size256]byte
	h.Sum(sum[:0])
	return sum
}

// loadMatrixMarket reads a MatrixMarket coordinate-format sparse
// matrix (the 10x "matrix.mtx" layout: rows are genes, columns are
// cells, 1-based indices). genes supplies row identities and barcodes
// column identities; both lengths must match the declared dimensions.
func loadMatrixMarket(rdr io.Reader, fnm string, genes []GeneInfo, barcodes []string) (*countMatrix, error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 256), 1<<20)
	lineNum := 0

	var nrows, ncols, nnz int
	sawHeader := false
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if lineNum == 1 {
			if !strings.HasPrefix(line, "%%MatrixMarket") {
				return nil, fmt.Errorf("%s line %d: not a MatrixMarket file", fnm, lineNum)
			}
			if !strings.Contains(line, " coordinate ") {
				return nil, fmt.Errorf("%s line %d: unsupported MatrixMarket format %q (need coordinate)", fnm, lineNum, line)
			}
			continue
		}
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		if _, err := fmt.Sscan(line, &nrows, &ncols, &nnz); err != nil {
			return nil, fmt.Errorf("%s line %d: parsing dimensions %q: %w", fnm, lineNum, line, err)
		}
		sawHeader = true
		break
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, fmt.Errorf("%s: missing dimension line", fnm)
	}
	if nrows != len(genes) {
		return nil, fmt.Errorf("%s: matrix has %d rows but gene list has %d entries", fnm, nrows, len(genes))
	}
	if ncols != len(barcodes) {
		return nil, fmt.Errorf("%s: matrix has %d columns but %d cell barcodes were supplied", fnm, ncols, len(barcodes))
	}

	rows := make([]int32, 0, nnz)
	cols := make([]int32, 0, nnz)
	vals := make([]float64, 0, nnz)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s line %d: expected 3 fields, got %d", fnm, lineNum, len(fields))
		}
		r, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		c, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		if r < 1 || r > nrows || c < 1 || c > ncols {
			return nil, fmt.Errorf("%s line %d: index (%d,%d) out of declared bounds %dx%d", fnm, lineNum, r, c, nrows, ncols)
		}
		if v < 0 {
			return nil, fmt.Errorf("%s line %d: negative count %v", fnm, lineNum, v)
		}
		if v == 0 {
			continue
		}
		rows = append(rows, int32(r-1))
		cols = append(cols, int32(c-1))
		vals = append(vals, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(rows) != nnz {
		return nil, fmt.Errorf("%s: declared %d entries, read %d", fnm, nnz, len(rows))
	}

	// counting sort by column into CSC
	m := &countMatrix{
		Genes:    genes,
		Barcodes: barcodes,
		ColPtr:   make([]int64, ncols+1),
		Rows:     make([]int32, len(rows)),
		Counts:   make([]float64, len(rows)),
	}
	for _, c := range cols {
		m.ColPtr[c+1]++
	}
	for j := 0; j < ncols; j++ {
		m.ColPtr[j+1] += m.ColPtr[j]
	}
	next := make([]int64, ncols)
	copy(next, m.ColPtr[:ncols])
	for k, c := range cols {
		i := next[c]
		m.Rows[i] = rows[k]
		m.Counts[i] = vals[k]
		next[c] = i + 1
	}
	return m, nil
}

// loadGeneList reads a 10x genes/features file: one gene per line,
// tab-separated, no header. Two columns are ID and name; a single
// column is taken as the name with no ID. Repeated names are
// de-duplicated by appending ".1", ".2", … so the name key is unique.
func loadGeneList(rdr io.Reader, fnm string) ([]GeneInfo, error) {
	var genes []GeneInfo
	seen := map[string]int{}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 256), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		var g GeneInfo
		switch {
		case len(fields) == 1:
			g.Name = fields[0]
		default:
			g.ID, g.Name = fields[0], fields[1]
		}
		if g.Name == "" {
			return nil, fmt.Errorf("%s line %d: empty gene name", fnm, lineNum)
		}
		if n, dup := seen[g.Name]; dup {
			seen[g.Name] = n + 1
			g.Name = fmt.Sprintf("%s.%d", g.Name, n)
		} else {
			seen[g.Name] = 1
		}
		genes = append(genes, g)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(genes) == 0 {
		return nil, fmt.Errorf("%s: no genes", fnm)
	}
	return genes, nil
}

// loadBarcodeList reads a newline-delimited barcode file (the 10x
// "barcodes.tsv" layout, also used for whitelist/blacklist files).
func loadBarcodeList(rdr io.Reader, fnm string) ([]string, error) {
	var barcodes []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(rdr)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if seen[line] {
			return nil, fmt.Errorf("%s line %d: duplicate barcode %q", fnm, lineNum, line)
		}
		seen[line] = true
		barcodes = append(barcodes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(barcodes) == 0 {
		return nil, fmt.Errorf("%s: no barcodes", fnm)
	}
	return barcodes, nil
}
