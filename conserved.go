// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"math"
)

// logMean is the log-domain mean: each x is mapped back to linear
// scale (expm1), the linear values are averaged arithmetically, and
// the average is re-transformed (log1p). With a single input it is
// the identity.
func logMean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += math.Expm1(x)
	}
	return math.Log1p(sum / float64(len(xs)))
}

// filterSignificant returns the records whose corrected p-value is
// below maxPAdj, preserving order. Idempotent for a fixed threshold.
func filterSignificant(recs []markerStats, maxPAdj float64) []markerStats {
	var out []markerStats
	for _, rec := range recs {
		if rec.PAdj < maxPAdj {
			out = append(out, rec)
		}
	}
	return out
}

// sameDirection reports whether all fold-changes share one sign (zero
// counts as either): the sum of absolute values equals the absolute
// value of the sum.
func sameDirection(fcs []float64) bool {
	var sum, sumAbs float64
	for _, fc := range fcs {
		sum += fc
		sumAbs += math.Abs(fc)
	}
	return sumAbs == math.Abs(sum)
}

// conservedMarkers merges the per-level marker tables for one cluster
// into the conserved consensus table. A gene is conserved iff it is
// significant (corrected p-value < maxPAdj) in every level and its
// per-level fold-changes all share one direction. Combined p-values
// take the per-level maximum; fold-change and group means combine via
// logMean; detection percentages average arithmetically. Rows come
// back sorted by combined corrected p-value.
//
// With a single level there is nothing to conserve across: the
// level's table is returned verbatim, unfiltered. With zero levels
// (every comparison was skipped) the result is an empty table.
func conservedMarkers(levels []levelResult, maxPAdj float64) []markerStats {
	out := []markerStats{}
	if len(levels) == 0 {
		return out
	}
	if len(levels) == 1 {
		return append(out, levels[0].Records...)
	}

	sig := make([]map[string]markerStats, len(levels))
	for i := 1; i < len(levels); i++ {
		sig[i] = map[string]markerStats{}
		for _, rec := range filterSignificant(levels[i].Records, maxPAdj) {
			sig[i][rec.Gene] = rec
		}
	}

	for _, first := range levels[0].Records {
		if first.PAdj >= maxPAdj {
			continue
		}
		rows := make([]markerStats, 1, len(levels))
		rows[0] = first
		for i := 1; i < len(levels); i++ {
			rec, ok := sig[i][first.Gene]
			if !ok {
				rows = nil
				break
			}
			rows = append(rows, rec)
		}
		if rows == nil {
			continue
		}

		fcs := make([]float64, len(rows))
		for i, rec := range rows {
			fcs[i] = rec.AvgLogFC
		}
		if !sameDirection(fcs) {
			continue
		}

		combined := markerStats{Gene: first.Gene, AvgLogFC: logMean(fcs)}
		clusterMeans := make([]float64, len(rows))
		otherMeans := make([]float64, len(rows))
		for i, rec := range rows {
			if rec.P > combined.P {
				combined.P = rec.P
			}
			if rec.PAdj > combined.PAdj {
				combined.PAdj = rec.PAdj
			}
			combined.Pct1 += rec.Pct1
			combined.Pct2 += rec.Pct2
			clusterMeans[i] = rec.ClusterMean
			otherMeans[i] = rec.OtherMean
		}
		combined.Pct1 /= float64(len(rows))
		combined.Pct2 /= float64(len(rows))
		combined.ClusterMean = logMean(clusterMeans)
		combined.OtherMean = logMean(otherMeans)
		out = append(out, combined)
	}
	sortMarkers(out)
	return out
}

// conservedUniverse intersects the per-level background gene sets,
// preserving the first level's order. With a single level it is that
// level's universe verbatim.
func conservedUniverse(levels []levelResult) []string {
	out := []string{}
	if len(levels) == 0 {
		return out
	}
	if len(levels) == 1 {
		return append(out, levels[0].Universe...)
	}
	present := make([]map[string]bool, len(levels))
	for i := 1; i < len(levels); i++ {
		present[i] = make(map[string]bool, len(levels[i].Universe))
		for _, gene := range levels[i].Universe {
			present[i][gene] = true
		}
	}
	for _, gene := range levels[0].Universe {
		ok := true
		for i := 1; i < len(levels); i++ {
			if !present[i][gene] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, gene)
		}
	}
	return out
}
