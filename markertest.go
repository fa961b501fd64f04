// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"flag"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
)

// markerStats is one gene's differential-expression result for one
// (cluster, conservation level) comparison. AvgLogFC, ClusterMean,
// and OtherMean are log scale; Pct1/Pct2 are the fractions of group
// cells with nonzero expression.
type markerStats struct {
	Gene        string
	P           float64
	PAdj        float64
	AvgLogFC    float64
	Pct1        float64
	Pct2        float64
	ClusterMean float64
	OtherMean   float64
}

// levelResult is one conservation level's marker table plus its
// background gene universe, both restricted to a single cluster.
type levelResult struct {
	Level    string
	Records  []markerStats
	Universe []string
}

type markerTestConfig struct {
	Method         string
	MinPct         float64
	MinDiffPct     float64
	LogFCThreshold float64
	MinCells       int
	MaxPAdj        float64
}

func (cfg *markerTestConfig) Flags(flags *flag.FlagSet) {
	flags.StringVar(&cfg.Method, "test", "wilcox", "significance test (wilcox, t, or lr)")
	flags.Float64Var(&cfg.MinPct, "min-pct", 0.1, "only test genes detected in at least fraction `P` of either group")
	flags.Float64Var(&cfg.MinDiffPct, "min-diff-pct", 0, "only test genes whose detection fractions differ by at least `P`")
	flags.Float64Var(&cfg.LogFCThreshold, "logfc-threshold", 0.25, "only test genes with at least `X` log fold-change between groups")
	flags.IntVar(&cfg.MinCells, "min-cells", 3, "skip comparisons where either group has fewer than `N` cells")
	flags.Float64Var(&cfg.MaxPAdj, "max-p-adj", 0.05, "conserved-marker significance threshold on the corrected `p-value`")
}

// Args converts the test config back to command line arguments, for
// passing the config to a container.
func (cfg *markerTestConfig) Args() []string {
	return []string{
		fmt.Sprintf("-test=%s", cfg.Method),
		fmt.Sprintf("-min-pct=%g", cfg.MinPct),
		fmt.Sprintf("-min-diff-pct=%g", cfg.MinDiffPct),
		fmt.Sprintf("-logfc-threshold=%g", cfg.LogFCThreshold),
		fmt.Sprintf("-min-cells=%d", cfg.MinCells),
		fmt.Sprintf("-max-p-adj=%g", cfg.MaxPAdj),
	}
}

func (cfg *markerTestConfig) Validate() error {
	switch cfg.Method {
	case "wilcox", "t", "lr":
	default:
		return fmt.Errorf("unsupported test method %q (supported: wilcox, t, lr)", cfg.Method)
	}
	if cfg.MinPct < 0 || cfg.MinPct > 1 {
		return fmt.Errorf("-min-pct must be in [0,1], got %v", cfg.MinPct)
	}
	if cfg.MinDiffPct < 0 || cfg.MinDiffPct > 1 {
		return fmt.Errorf("-min-diff-pct must be in [0,1], got %v", cfg.MinDiffPct)
	}
	if cfg.LogFCThreshold < 0 {
		return fmt.Errorf("-logfc-threshold must be ≥ 0, got %v", cfg.LogFCThreshold)
	}
	if cfg.MaxPAdj <= 0 || cfg.MaxPAdj > 1 {
		return fmt.Errorf("-max-p-adj must be in (0,1], got %v", cfg.MaxPAdj)
	}
	return nil
}

// runMarkerTest computes the marker table for one comparison. A nil
// result with nil error means the comparison was skipped (too few
// cells in a group, or no gene passed the testability filter); the
// reason is logged.
func runMarkerTest(m *countMatrix, norm *normalizer, cmp comparison, cfg *markerTestConfig, threads int) (*levelResult, error) {
	what := fmt.Sprintf("cluster %q", cmp.Cluster)
	if cmp.Level != "" {
		what = fmt.Sprintf("cluster %q level %q", cmp.Cluster, cmp.Level)
	}
	if cmp.NumA == 0 || cmp.NumB == 0 {
		log.Warnf("%s: skipping, only one group present (%d vs %d cells)", what, cmp.NumA, cmp.NumB)
		return nil, nil
	}
	if cmp.NumA < cfg.MinCells || cmp.NumB < cfg.MinCells {
		log.Warnf("%s: skipping, fewer than %d cells in a group (%d vs %d)", what, cfg.MinCells, cmp.NumA, cmp.NumB)
		return nil, nil
	}

	// per-gene detection counts and linear-scale sums per group
	nGenes := m.nGenes()
	nnzA := make([]int, nGenes)
	nnzB := make([]int, nGenes)
	sumA := make([]float64, nGenes)
	sumB := make([]float64, nGenes)
	for j := 0; j < m.nCells(); j++ {
		label := cmp.Labels[j]
		if label == groupExcluded {
			continue
		}
		rows, counts := m.col(j)
		for k, row := range rows {
			rel := norm.rel(j, counts[k])
			if label == groupA {
				nnzA[row]++
				sumA[row] += rel
			} else {
				nnzB[row]++
				sumB[row] += rel
			}
		}
	}

	result := &levelResult{Level: cmp.Level}
	type candidate struct {
		row  int32
		stat markerStats
	}
	var cands []candidate
	for i := 0; i < nGenes; i++ {
		pct1 := float64(nnzA[i]) / float64(cmp.NumA)
		pct2 := float64(nnzB[i]) / float64(cmp.NumB)
		if math.Max(pct1, pct2) < cfg.MinPct {
			continue
		}
		result.Universe = append(result.Universe, m.Genes[i].Name)
		clusterMean := math.Log1p(sumA[i] / float64(cmp.NumA))
		otherMean := math.Log1p(sumB[i] / float64(cmp.NumB))
		fc := clusterMean - otherMean
		if math.Abs(pct1-pct2) < cfg.MinDiffPct || math.Abs(fc) < cfg.LogFCThreshold {
			continue
		}
		cands = append(cands, candidate{
			row: int32(i),
			stat: markerStats{
				Gene:        m.Genes[i].Name,
				AvgLogFC:    fc,
				Pct1:        pct1,
				Pct2:        pct2,
				ClusterMean: clusterMean,
				OtherMean:   otherMean,
			},
		})
	}
	if len(cands) == 0 {
		log.Warnf("%s: skipping, no testable genes (%d in universe)", what, len(result.Universe))
		return nil, nil
	}

	// dense per-gene expression slices, nonzeros only; zeros are
	// padded back in before testing
	candIdx := make(map[int32]int, len(cands))
	for i, cand := range cands {
		candIdx[cand.row] = i
	}
	valsA := make([][]float64, len(cands))
	valsB := make([][]float64, len(cands))
	for j := 0; j < m.nCells(); j++ {
		label := cmp.Labels[j]
		if label == groupExcluded {
			continue
		}
		rows, counts := m.col(j)
		for k, row := range rows {
			i, ok := candIdx[row]
			if !ok {
				continue
			}
			if label == groupA {
				valsA[i] = append(valsA[i], norm.value(j, counts[k]))
			} else {
				valsB[i] = append(valsB[i], norm.value(j, counts[k]))
			}
		}
	}

	var lrPvalue func([]float64) float64
	if cfg.Method == "lr" {
		outcome := make([]bool, cmp.NumA+cmp.NumB)
		for i := 0; i < cmp.NumA; i++ {
			outcome[i] = true
		}
		lrPvalue = glmPvalueFunc(outcome)
	}

	log.Printf("%s: testing %d genes (%s), %d vs %d cells", what, len(cands), cfg.Method, cmp.NumA, cmp.NumB)
	workers := throttle{Max: threads}
	for i := range cands {
		i := i
		workers.Go(func() error {
			a := padZeros(valsA[i], cmp.NumA)
			b := padZeros(valsB[i], cmp.NumB)
			var p float64
			switch cfg.Method {
			case "wilcox":
				p = wilcoxonP(a, b)
			case "t":
				p = welchP(a, b)
			case "lr":
				p = lrPvalue(append(a, b...))
			}
			if math.IsNaN(p) {
				p = 1
			}
			cands[i].stat.P = p
			return nil
		})
	}
	err := workers.Wait()
	if err != nil {
		return nil, err
	}

	result.Records = make([]markerStats, len(cands))
	for i, cand := range cands {
		result.Records[i] = cand.stat
	}
	benjaminiHochberg(result.Records)
	sortMarkers(result.Records)
	return result, nil
}

func padZeros(vals []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, vals)
	return out
}

// benjaminiHochberg fills in PAdj from P using the step-up false
// discovery rate procedure, within this record set only.
func benjaminiHochberg(recs []markerStats) {
	n := len(recs)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return recs[order[a]].P < recs[order[b]].P })
	minAdj := 1.0
	for rank := n - 1; rank >= 0; rank-- {
		adj := recs[order[rank]].P * float64(n) / float64(rank+1)
		if adj < minAdj {
			minAdj = adj
		}
		recs[order[rank]].PAdj = minAdj
	}
}

// sortMarkers orders records by corrected p-value, breaking ties by
// raw p-value and then gene name.
func sortMarkers(recs []markerStats) {
	sort.Slice(recs, func(a, b int) bool {
		if recs[a].PAdj != recs[b].PAdj {
			return recs[a].PAdj < recs[b].PAdj
		}
		if recs[a].P != recs[b].P {
			return recs[a].P < recs[b].P
		}
		return recs[a].Gene < recs[b].Gene
	})
}
