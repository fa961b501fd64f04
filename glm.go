// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

func normalize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

// Logistic regression likelihood-ratio test.
//
// glmPvalueFunc fits the intercept-only membership model once for a
// binary partition (outcome[i] reports whether cell i is in group A)
// and returns a function that computes, for one gene's expression
// vector in the same cell order, the p-value of the likelihood-ratio
// test between the expression model and the intercept-only model
// (chi-squared, 1 df).
func glmPvalueFunc(outcome []bool) func(expr []float64) float64 {
	outcomeCol := make([]statmodel.Dtype, len(outcome))
	constants := make([]statmodel.Dtype, len(outcome))
	for i, o := range outcome {
		if o {
			outcomeCol[i] = 1
		}
		constants[i] = 1
	}
	dataset := statmodel.NewDataset([][]statmodel.Dtype{outcomeCol, constants}, []string{"outcome", "constants"})

	model, err := glm.NewGLM(dataset, "outcome", []string{"constants"}, glmConfig)
	if err != nil {
		log.Printf("%s", err)
		return func([]float64) float64 { return math.NaN() }
	}
	resultNull := model.Fit()
	logNull := resultNull.LogLike()

	return func(expr []float64) (p float64) {
		defer func() {
			if recover() != nil {
				// typically "matrix singular or near-singular with condition number +Inf"
				p = math.NaN()
			}
		}()

		series := make([]statmodel.Dtype, len(expr))
		copy(series, expr)
		if _, std := stat.MeanStdDev(series, nil); std == 0 {
			return 1
		}
		normalize(series)

		data := [][]statmodel.Dtype{outcomeCol, constants, series}
		names := []string{"outcome", "constants", "expression"}
		dataset := statmodel.NewDataset(data, names)

		model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
		if err != nil {
			return math.NaN()
		}
		resultFull := model.Fit()
		logFull := resultFull.LogLike()
		dist := distuv.ChiSquared{K: 1}
		return dist.Survival(-2 * (logNull - logFull))
	}
}
