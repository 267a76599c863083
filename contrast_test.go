// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

type contrastSuite struct{}

var _ = check.Suite(&contrastSuite{})

var design33 = Design{Assign: []int{0, 0, 0, 1, 1, 1}, Names: [2]string{"Treated", "Control"}}

func noiseMatrix(rows, cols int, sd float64, seed uint64) [][]float64 {
	noise := distuv.Normal{Mu: 10, Sigma: sd, Src: rand.NewSource(seed)}
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = noise.Rand()
		}
	}
	return m
}

func (s *contrastSuite) TestZeroEffect(c *check.C) {
	lc := noiseMatrix(500, 6, 0.1, 1)
	tbl, warns, err := FitContrasts(lc, design33)
	c.Assert(err, check.IsNil)
	c.Check(warns, check.HasLen, 0)
	c.Assert(tbl.LFC, check.HasLen, 500)
	var mean float64
	for i, lfc := range tbl.LFC {
		mean += lfc
		c.Assert(math.IsNaN(tbl.T[i]), check.Equals, false)
		c.Assert(tbl.P[i] > 0 && tbl.P[i] <= 1, check.Equals, true, check.Commentf("p[%d] = %v", i, tbl.P[i]))
	}
	mean /= float64(len(tbl.LFC))
	c.Check(math.Abs(mean) < 0.02, check.Equals, true, check.Commentf("mean lfc %v", mean))
}

func (s *contrastSuite) TestKnownShift(c *check.C) {
	lc := noiseMatrix(200, 6, 0.1, 2)
	for i := 0; i < 20; i++ {
		for j := 0; j < 3; j++ {
			lc[i][j] += 1
		}
	}
	tbl, _, err := FitContrasts(lc, design33)
	c.Assert(err, check.IsNil)
	for i := 0; i < 20; i++ {
		c.Check(math.Abs(tbl.LFC[i]-1) < 0.35, check.Equals, true, check.Commentf("lfc[%d] = %v", i, tbl.LFC[i]))
		c.Check(tbl.P[i] < 0.01, check.Equals, true, check.Commentf("p[%d] = %v", i, tbl.P[i]))
	}
}

func (s *contrastSuite) TestModeratedVarianceIsCompromise(c *check.C) {
	lc := noiseMatrix(100, 6, 0.2, 3)
	tbl, _, err := FitContrasts(lc, design33)
	c.Assert(err, check.IsNil)
	c.Check(tbl.PriorDF > 0, check.Equals, true)
	c.Check(tbl.PriorVar > 0, check.Equals, true)
	for i := range tbl.ModVar {
		lo, hi := tbl.ResidVar[i], tbl.PriorVar
		if lo > hi {
			lo, hi = hi, lo
		}
		c.Assert(tbl.ModVar[i] >= lo && tbl.ModVar[i] <= hi, check.Equals, true,
			check.Commentf("modvar[%d] = %v not between %v and %v", i, tbl.ModVar[i], lo, hi))
	}
}

func (s *contrastSuite) TestDegenerateDesign(c *check.C) {
	lc := noiseMatrix(10, 4, 0.1, 4)
	for _, d := range []Design{
		{Assign: []int{0, 1, 1, 1}},
		{Assign: []int{0, 0, 0, 0}},
		{Assign: []int{0, 0, 1}},
		{Assign: []int{0, 0, 1, 2}},
	} {
		_, _, err := FitContrasts(lc, d)
		c.Check(err, check.FitsTypeOf, &DegenerateDesignError{}, check.Commentf("%v", d.Assign))
	}
}

func (s *contrastSuite) TestPermutedDesignPreservesSizes(c *check.C) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 20; i++ {
		perm := design33.permuted(rng)
		na, nb := perm.groupSizes()
		c.Check(na, check.Equals, 3)
		c.Check(nb, check.Equals, 3)
	}
}

func (s *contrastSuite) TestVarPriorFullShrinkage(c *check.C) {
	// identical residual variances: infinite prior df, prior mean equals them
	s2 := []float64{0.25, 0.25, 0.25, 0.25}
	priorDF, priorVar := fitVarPrior(s2, 4)
	c.Check(priorDF, check.Equals, 1e6)
	c.Check(priorVar, check.Equals, 0.25)
}
