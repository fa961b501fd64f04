// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// normalizer computes log-normalized expression on demand:
// log1p(count / cellTotal × scaleFactor). Zero counts normalize to
// zero, so sparse iteration over nonzeros covers everything.
type normalizer struct {
	totals []float64
	scale  float64
}

func newNormalizer(m *countMatrix, scaleFactor float64) *normalizer {
	return &normalizer{totals: m.colTotals(), scale: scaleFactor}
}

func (n *normalizer) value(col int, count float64) float64 {
	if count == 0 || n.totals[col] == 0 {
		return 0
	}
	return math.Log1p(count / n.totals[col] * n.scale)
}

// rel is the linear-scale normalized value, i.e. expm1 of value().
func (n *normalizer) rel(col int, count float64) float64 {
	if count == 0 || n.totals[col] == 0 {
		return 0
	}
	return count / n.totals[col] * n.scale
}

// geneMoments returns the per-gene mean and sample variance of
// normalized expression across all cells, zeros included.
func geneMoments(m *countMatrix, norm *normalizer) (mean, variance []float64) {
	nc := float64(m.nCells())
	mean = make([]float64, m.nGenes())
	variance = make([]float64, m.nGenes())
	for j := 0; j < m.nCells(); j++ {
		rows, counts := m.col(j)
		for k, row := range rows {
			v := norm.value(j, counts[k])
			mean[row] += v
			variance[row] += v * v
		}
	}
	for i := range mean {
		mu := mean[i] / nc
		mean[i] = mu
		if nc < 2 {
			variance[i] = 0
		} else {
			variance[i] = (variance[i] - nc*mu*mu) / (nc - 1)
		}
	}
	return mean, variance
}

const dispersionBins = 20

// selectVariableGenes ranks expressed genes by standardized
// dispersion -- variance/mean, z-scored within equal-width bins of
// mean expression -- and returns the row indices of the top n in
// ascending row order. Genes with zero mean or zero variance never
// qualify.
func selectVariableGenes(m *countMatrix, norm *normalizer, n int) []int32 {
	means, variances := geneMoments(m, norm)
	type candidate struct {
		row        int32
		mean       float64
		dispersion float64
		z          float64
	}
	var cands []candidate
	minMean, maxMean := math.Inf(1), math.Inf(-1)
	for i := range means {
		if means[i] <= 0 || variances[i] <= 0 {
			continue
		}
		cands = append(cands, candidate{
			row:        int32(i),
			mean:       means[i],
			dispersion: variances[i] / means[i],
		})
		if means[i] < minMean {
			minMean = means[i]
		}
		if means[i] > maxMean {
			maxMean = means[i]
		}
	}
	if len(cands) == 0 {
		return nil
	}

	binOf := func(mean float64) int {
		if maxMean == minMean {
			return 0
		}
		bin := int((mean - minMean) / (maxMean - minMean) * dispersionBins)
		if bin >= dispersionBins {
			bin = dispersionBins - 1
		}
		return bin
	}
	binned := make([][]float64, dispersionBins)
	for _, c := range cands {
		binned[binOf(c.mean)] = append(binned[binOf(c.mean)], c.dispersion)
	}
	var binMean, binStd [dispersionBins]float64
	for b, disps := range binned {
		if len(disps) > 0 {
			binMean[b], binStd[b] = stat.MeanStdDev(disps, nil)
		}
	}
	for i, c := range cands {
		b := binOf(c.mean)
		if binStd[b] > 0 && !math.IsNaN(binStd[b]) {
			cands[i].z = (c.dispersion - binMean[b]) / binStd[b]
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].z != cands[j].z {
			return cands[i].z > cands[j].z
		}
		return cands[i].row < cands[j].row
	})
	if n > len(cands) {
		n = len(cands)
	}
	top := make([]int32, n)
	for i := range top {
		top[i] = cands[i].row
	}
	sort.Slice(top, func(i, j int) bool { return top[i] < top[j] })
	return top
}

// scaleRows builds a dense len(genes) × nCells matrix of normalized
// expression for the given gene rows, centers each row, scales it to
// unit variance, and clips the result to ±clip.
func scaleRows(m *countMatrix, norm *normalizer, genes []int32, clip float64) *mat.Dense {
	rowmap := make(map[int32]int, len(genes))
	for i, row := range genes {
		rowmap[row] = i
	}
	scaled := mat.NewDense(len(genes), m.nCells(), nil)
	for j := 0; j < m.nCells(); j++ {
		rows, counts := m.col(j)
		for k, row := range rows {
			if i, ok := rowmap[row]; ok {
				scaled.Set(i, j, norm.value(j, counts[k]))
			}
		}
	}
	for i := range genes {
		row := scaled.RawRowView(i)
		mean, std := stat.MeanStdDev(row, nil)
		for j, v := range row {
			if std > 0 {
				v = (v - mean) / std
			} else {
				v = 0
			}
			if v > clip {
				v = clip
			} else if v < -clip {
				v = -clip
			}
			row[j] = v
		}
	}
	return scaled
}
