// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

type qcFilter struct {
	MinGenes        int
	MaxPctMito      float64
	MinCellsPerGene int
}

func (f *qcFilter) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinGenes, "min-genes", 200, "drop cells with fewer than `N` detected genes")
	flags.Float64Var(&f.MaxPctMito, "max-pct-mito", 0.05, "drop cells with mitochondrial fraction greater than `P` (0 ≤ P ≤ 1)")
	flags.IntVar(&f.MinCellsPerGene, "min-cells-per-gene", 3, "drop genes detected in fewer than `N` cells after cell filtering")
}

// Args converts the filter config back to command line arguments, for
// passing the config to a container.
func (f *qcFilter) Args() []string {
	return []string{
		fmt.Sprintf("-min-genes=%d", f.MinGenes),
		fmt.Sprintf("-max-pct-mito=%g", f.MaxPctMito),
		fmt.Sprintf("-min-cells-per-gene=%d", f.MinCellsPerGene),
	}
}

// isMitochondrial reports whether a gene name has the "MT-" prefix,
// case-insensitive.
func isMitochondrial(name string) bool {
	return len(name) >= 3 && strings.EqualFold(name[:3], "MT-")
}

// computeCellQC returns per-cell totals, detected gene counts, and
// mitochondrial fractions.
func computeCellQC(m *countMatrix) []CellQC {
	mito := make([]bool, m.nGenes())
	for i, g := range m.Genes {
		mito[i] = isMitochondrial(g.Name)
	}
	qc := make([]CellQC, m.nCells())
	for j := range qc {
		rows, counts := m.col(j)
		var total, mitoTotal float64
		for k, row := range rows {
			total += counts[k]
			if mito[row] {
				mitoTotal += counts[k]
			}
		}
		qc[j].TotalCounts = total
		qc[j].DetectedGenes = len(rows)
		if total > 0 {
			qc[j].PctMito = mitoTotal / total
		}
	}
	return qc
}

// applyCells returns the retained-cell mask: cells already flagged
// true in keep (nil means all) that satisfy the minimum-gene and
// maximum-mitochondrial-fraction predicates.
func (f *qcFilter) applyCells(qc []CellQC, keep []bool) []bool {
	out := make([]bool, len(qc))
	for j := range qc {
		if keep != nil && !keep[j] {
			continue
		}
		out[j] = qc[j].DetectedGenes >= f.MinGenes && qc[j].PctMito <= f.MaxPctMito
	}
	return out
}

// applyGenes returns the retained-gene mask for an already
// cell-filtered matrix.
func (f *qcFilter) applyGenes(m *countMatrix) []bool {
	keep := make([]bool, m.nGenes())
	if f.MinCellsPerGene <= 0 {
		for i := range keep {
			keep[i] = true
		}
		return keep
	}
	perGene := m.cellsPerGene()
	for i := range keep {
		keep[i] = perGene[i] >= f.MinCellsPerGene
	}
	return keep
}

// subsetFromLists builds the initial cell mask from optional
// whitelist and blacklist barcode sets. A list that matches zero
// dataset barcodes is fatal.
func subsetFromLists(barcodes []string, whitelist, blacklist []string) ([]bool, error) {
	keep := make([]bool, len(barcodes))
	idx := make(map[string]int, len(barcodes))
	for j, b := range barcodes {
		idx[b] = j
		keep[j] = whitelist == nil
	}
	if whitelist != nil {
		matched := 0
		for _, b := range whitelist {
			if j, ok := idx[b]; ok {
				keep[j] = true
				matched++
			}
		}
		if matched == 0 {
			return nil, fmt.Errorf("cell whitelist matched 0 of %d dataset barcodes", len(barcodes))
		}
	}
	if blacklist != nil {
		matched := 0
		for _, b := range blacklist {
			if j, ok := idx[b]; ok {
				keep[j] = false
				matched++
			}
		}
		if matched == 0 {
			return nil, fmt.Errorf("cell blacklist matched 0 of %d dataset barcodes", len(barcodes))
		}
	}
	return keep, nil
}

// writeCellCounts writes the before/after cell count audit table.
// groups holds one label per cell (pre-filter order); nil means one
// "all" group.
func writeCellCounts(w io.Writer, groups []string, keep []bool) error {
	if groups == nil {
		groups = make([]string, len(keep))
		for j := range groups {
			groups[j] = "all"
		}
	}
	var order []string
	before := map[string]int{}
	after := map[string]int{}
	for j, g := range groups {
		if _, ok := before[g]; !ok {
			order = append(order, g)
		}
		before[g]++
		if keep[j] {
			after[g]++
		}
	}
	_, err := fmt.Fprintf(w, "group\tcells_before\tcells_after\n")
	if err != nil {
		return err
	}
	for _, g := range order {
		_, err = fmt.Fprintf(w, "%s\t%d\t%d\n", g, before[g], after[g])
		if err != nil {
			return err
		}
	}
	return nil
}
