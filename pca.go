// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// fitPCA runs principal-component analysis on a scaled genes × cells
// matrix (columns are the observations) and returns per-cell
// embeddings, per-gene loadings, and explained variances for the
// first k components. k is capped at the smaller matrix dimension.
func fitPCA(scaled *mat.Dense, k int) (*PCAResult, error) {
	nGenes, nCells := scaled.Dims()
	if k > nGenes {
		k = nGenes
	}
	if k > nCells {
		k = nCells
	}
	if k < 1 {
		return nil, fmt.Errorf("cannot fit %d principal components to a %dx%d matrix", k, nGenes, nCells)
	}
	log.Printf("fitting %d principal components", k)
	transformer := nlp.NewPCA(k)
	transformer.Fit(scaled)
	txm, err := transformer.Transform(scaled)
	if err != nil {
		return nil, err
	}
	emb := mat.DenseCopyOf(txm.T()) // cells × k

	pca := &PCAResult{
		PCs:            k,
		CellEmbeddings: make([]float64, nCells*k),
		Variances:      make([]float64, k),
	}
	for j := 0; j < nCells; j++ {
		copy(pca.CellEmbeddings[j*k:(j+1)*k], emb.RawRowView(j))
	}
	// explained variance per component = variance of the scores
	col := make([]float64, nCells)
	for c := 0; c < k; c++ {
		mat.Col(col, c, emb)
		pca.Variances[c] = stat.Variance(col, nil)
	}
	loadings := projectRows(scaled, emb)
	pca.GeneLoadings = make([]float64, nGenes*k)
	for i := 0; i < nGenes; i++ {
		copy(pca.GeneLoadings[i*k:(i+1)*k], loadings.RawRowView(i))
	}
	return pca, nil
}

// projectRows projects each row of m onto the unit-normalized columns
// of emb, giving one score per (row, component).
func projectRows(m *mat.Dense, emb *mat.Dense) *mat.Dense {
	nCells, k := emb.Dims()
	unit := mat.NewDense(nCells, k, nil)
	for c := 0; c < k; c++ {
		var norm float64
		for j := 0; j < nCells; j++ {
			v := emb.At(j, c)
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			continue
		}
		for j := 0; j < nCells; j++ {
			unit.Set(j, c, emb.At(j, c)/norm)
		}
	}
	var proj mat.Dense
	proj.Mul(m, unit)
	return &proj
}

const jackstrawAlpha = 0.05

// jackstraw estimates a significance p-value per principal component.
// Each replicate permutes a random fraction (prop) of gene rows,
// re-projects them onto the fitted embeddings, and records the
// permuted genes' component scores as the null. Per-gene empirical
// p-values against that null are then reduced to one tail-binomial
// p-value per component: the probability of seeing at least the
// observed number of genes with p < 0.05 if no gene were associated
// with the component.
func jackstraw(scaled *mat.Dense, pca *PCAResult, reps int, prop float64, seed int64, threads int) ([]float64, error) {
	nGenes, nCells := scaled.Dims()
	k := pca.PCs
	emb := mat.NewDense(nCells, k, pca.CellEmbeddings)
	observed := projectRows(scaled, emb)

	nPerm := int(math.Round(prop * float64(nGenes)))
	if nPerm < 1 {
		nPerm = 1
	}
	// null[rep] is nPerm×k scores from one replicate
	null := make([][]float64, reps)
	workers := throttle{Max: threads}
	for rep := 0; rep < reps; rep++ {
		rep := rep
		workers.Go(func() error {
			rnd := rand.New(rand.NewSource(seed + int64(rep)))
			perm := mat.NewDense(nPerm, nCells, nil)
			for i, g := range rnd.Perm(nGenes)[:nPerm] {
				row := perm.RawRowView(i)
				copy(row, scaled.RawRowView(g))
				rnd.Shuffle(nCells, func(a, b int) {
					row[a], row[b] = row[b], row[a]
				})
			}
			scores := projectRows(perm, emb)
			flat := make([]float64, 0, nPerm*k)
			for i := 0; i < nPerm; i++ {
				for c := 0; c < k; c++ {
					flat = append(flat, math.Abs(scores.At(i, c)))
				}
			}
			null[rep] = flat
			return nil
		})
	}
	err := workers.Wait()
	if err != nil {
		return nil, err
	}

	pcp := make([]float64, k)
	for c := 0; c < k; c++ {
		pool := make([]float64, 0, reps*nPerm)
		for _, flat := range null {
			for i := 0; i < nPerm; i++ {
				pool = append(pool, flat[i*k+c])
			}
		}
		sort.Float64s(pool)
		significant := 0
		for g := 0; g < nGenes; g++ {
			score := math.Abs(observed.At(g, c))
			// count of null scores >= score
			ge := len(pool) - sort.SearchFloat64s(pool, score)
			p := float64(1+ge) / float64(1+len(pool))
			if p < jackstrawAlpha {
				significant++
			}
		}
		dist := distuv.Binomial{N: float64(nGenes), P: jackstrawAlpha}
		pcp[c] = 1 - dist.CDF(float64(significant)-1)
	}
	return pcp, nil
}
