// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// wilcoxonP computes the two-sided Wilcoxon rank-sum (Mann-Whitney U)
// p-value for a vs b, using the normal approximation with average
// ranks for ties, a tie-corrected variance, and a continuity
// correction. Sparse expression vectors put most observations in one
// large zero tie block.
func wilcoxonP(a, b []float64) float64 {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 == 0 || n2 == 0 {
		return 1
	}
	type obs struct {
		v     float64
		fromA bool
	}
	all := make([]obs, 0, len(a)+len(b))
	for _, v := range a {
		all = append(all, obs{v, true})
	}
	for _, v := range b {
		all = append(all, obs{v, false})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v < all[j].v })

	var rankSumA, tieSum float64
	for i := 0; i < len(all); {
		j := i
		for j < len(all) && all[j].v == all[i].v {
			j++
		}
		// ranks i+1..j share the average rank
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if all[k].fromA {
				rankSumA += avgRank
			}
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	u := rankSumA - n1*(n1+1)/2
	mu := n1 * n2 / 2
	n := n1 + n2
	sigma2 := n1 * n2 / 12 * ((n + 1) - tieSum/(n*(n-1)))
	if sigma2 <= 0 {
		// all observations tied
		return 1
	}
	z := u - mu
	if z > 0 {
		z -= 0.5
	} else if z < 0 {
		z += 0.5
	}
	z /= math.Sqrt(sigma2)
	p := 2 * stdNormal.CDF(-math.Abs(z))
	if p > 1 {
		p = 1
	}
	return p
}
