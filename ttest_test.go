// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"gopkg.in/check.v1"
)

type ttestSuite struct{}

var _ = check.Suite(&ttestSuite{})

func (s *ttestSuite) TestWelchSmall(c *check.C) {
	// a={1,2,3}, b={2,3,4}: means 2 and 3, sample variances 1,
	// t = -1/sqrt(2/3) = -1.2247, df = 4, p = 0.2879
	p := welchP([]float64{1, 2, 3}, []float64{2, 3, 4})
	c.Check(p > 0.28 && p < 0.29, check.Equals, true, check.Commentf("p=%v", p))
	c.Check(welchP([]float64{2, 3, 4}, []float64{1, 2, 3}), check.Equals, p)
}

func (s *ttestSuite) TestWelchDegenerate(c *check.C) {
	// a group smaller than 2 is untestable
	c.Check(welchP(nil, []float64{1, 2, 3}), check.Equals, 1.0)
	c.Check(welchP([]float64{1, 2, 3}, nil), check.Equals, 1.0)
	c.Check(welchP([]float64{1}, []float64{1, 2, 3}), check.Equals, 1.0)
	// zero variance on both sides
	c.Check(welchP([]float64{2, 2, 2}, []float64{2, 2, 2}), check.Equals, 1.0)
	c.Check(welchP([]float64{1, 1, 1}, []float64{2, 2, 2}), check.Equals, 0.0)
}

func (s *ttestSuite) TestWelchOneConstantGroup(c *check.C) {
	// a={5,5,5}, b={1,2,3}: se1=0, se2=1/3, t = 3*sqrt(3) = 5.196,
	// df = 2, p = 0.035
	p := welchP([]float64{5, 5, 5}, []float64{1, 2, 3})
	c.Check(p > 0.03 && p < 0.04, check.Equals, true, check.Commentf("p=%v", p))
}

func (s *ttestSuite) TestWelchSeparation(c *check.C) {
	a := make([]float64, 50)
	b := make([]float64, 50)
	for i := range a {
		a[i] = float64(i)
		b[i] = float64(i + 100)
	}
	p := welchP(a, b)
	c.Check(p < 1e-10, check.Equals, true, check.Commentf("p=%v", p))

	// interleaved values should not look significant
	for i := range a {
		a[i] = float64(2 * i)
		b[i] = float64(2*i + 1)
	}
	p = welchP(a, b)
	c.Check(p > 0.5, check.Equals, true, check.Commentf("p=%v", p))
}
