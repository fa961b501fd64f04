// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"fmt"
)

type groupLabel int8

const (
	groupExcluded groupLabel = iota
	groupA
	groupB
)

// comparison is one binary partition of the dataset's cells: the
// cluster of interest vs its comparison group, possibly restricted to
// one conservation level.
type comparison struct {
	Cluster string
	Level   string // "" when conservation was not requested
	Labels  []groupLabel
	NumA    int
	NumB    int
}

// buildComparisons builds the per-level binary partitions for one
// cluster. Group A is the cluster's cells and group B everything
// else; with a two-value contrast from contrastColumn, both groups
// are instead drawn from within the cluster (A = cluster ∩
// contrast[0], B = cluster ∩ contrast[1]). With a conservation
// column, one comparison is built per level, each excluding cells
// outside its level; otherwise a single comparison covers all cells.
//
// Fatal errors: a contrast value that never occurs in its column, a
// conservation factor with fewer than two levels, or an assignment
// that excludes every cell from every comparison.
func buildComparisons(cs *ClusterSet, meta *cellMetadata, cluster, contrastColumn string, contrast []string, conserveColumn string) ([]comparison, error) {
	nCells := len(cs.Labels)

	var contrastVals []string
	if contrastColumn != "" {
		if len(contrast) != 2 {
			return nil, fmt.Errorf("contrast needs exactly 2 values, got %d", len(contrast))
		}
		var err error
		contrastVals, err = meta.column(contrastColumn)
		if err != nil {
			return nil, err
		}
		for _, want := range contrast {
			found := false
			for _, v := range contrastVals {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("contrast value %q does not occur in metadata column %q", want, contrastColumn)
			}
		}
	} else if len(contrast) != 0 {
		return nil, fmt.Errorf("contrast values given without a contrast column")
	}

	var levels []string
	var levelVals []string
	if conserveColumn != "" {
		var err error
		levelVals, err = meta.column(conserveColumn)
		if err != nil {
			return nil, err
		}
		levels, err = meta.levels(conserveColumn)
		if err != nil {
			return nil, err
		}
		if len(levels) < 2 {
			return nil, fmt.Errorf("conservation column %q has %d level(s), need at least 2", conserveColumn, len(levels))
		}
	} else {
		levels = []string{""}
	}

	label := func(j int) groupLabel {
		inCluster := cs.Labels[j] == cluster
		if contrastVals != nil {
			if !inCluster {
				return groupExcluded
			}
			switch contrastVals[j] {
			case contrast[0]:
				return groupA
			case contrast[1]:
				return groupB
			}
			return groupExcluded
		}
		if inCluster {
			return groupA
		}
		return groupB
	}

	var comparisons []comparison
	assigned := 0
	for _, level := range levels {
		cmp := comparison{
			Cluster: cluster,
			Level:   level,
			Labels:  make([]groupLabel, nCells),
		}
		for j := 0; j < nCells; j++ {
			if levelVals != nil && levelVals[j] != level {
				continue
			}
			switch label(j) {
			case groupA:
				cmp.Labels[j] = groupA
				cmp.NumA++
			case groupB:
				cmp.Labels[j] = groupB
				cmp.NumB++
			}
		}
		assigned += cmp.NumA + cmp.NumB
		comparisons = append(comparisons, cmp)
	}
	if assigned == 0 {
		return nil, fmt.Errorf("cluster %q: no cells assigned to either group in any comparison", cluster)
	}
	return comparisons, nil
}
