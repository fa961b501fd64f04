// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"math/rand"

	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func (s *glmSuite) TestPvalue(c *check.C) {
	pvalue := glmPvalueFunc([]bool{
		false, false, false, false, false, false, false, false, false, false,
		true, true, true, true, true, true, true, true, true, true,
	})
	// expression shifted up in the second group, with overlap
	p := pvalue([]float64{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
	})
	c.Check(p > 1e-8 && p < 0.05, check.Equals, true, check.Commentf("p=%v", p))

	// constant expression is uninformative
	c.Check(pvalue([]float64{
		3, 3, 3, 3, 3, 3, 3, 3, 3, 3,
		3, 3, 3, 3, 3, 3, 3, 3, 3, 3,
	}), check.Equals, 1.0)

	pvalue = glmPvalueFunc([]bool{
		true, false, true, false, true, false, true, false, true, false,
		true, false, true, false, true, false, true, false, true, false,
	})
	// expression unrelated to the alternating outcome
	p = pvalue([]float64{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	})
	c.Check(p > 0.1 && p <= 1, check.Equals, true, check.Commentf("p=%v", p))
}

var benchOutcome, benchExpr = func() ([]bool, []float64) {
	outcome := make([]bool, 10000)
	expr := make([]float64, 10000)
	for i := range outcome {
		outcome[i] = i%2 == 0
		expr[i] = rand.Float64()
		if outcome[i] {
			expr[i] += 0.5
		}
	}
	return outcome, expr
}()

func (s *glmSuite) BenchmarkPvalue(c *check.C) {
	pvalue := glmPvalueFunc(benchOutcome)
	for i := 0; i < c.N; i++ {
		p := pvalue(benchExpr)
		c.Check(p, check.Equals, 0.0)
	}
}
