// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type nullsimSuite struct{}

var _ = check.Suite(&nullsimSuite{})

func (s *nullsimSuite) TestPoolSizeAndTheta0(c *check.C) {
	lc := noiseMatrix(50, 6, 0.1, 10)
	nd, err := SimulateNull(lc, design33, NullParams{Permutations: 5}, rand.New(rand.NewSource(1)))
	c.Assert(err, check.IsNil)
	c.Check(nd.LFCs, check.HasLen, 5*50)
	theta0 := nd.Theta0()
	c.Check(theta0 >= 0, check.Equals, true)
	c.Check(math.IsInf(theta0, 0) || math.IsNaN(theta0), check.Equals, false)
	// noise sd 0.1 per sample gives lfc sd near 0.1*sqrt(2/3)
	c.Check(math.Abs(theta0-0.0816) < 0.03, check.Equals, true, check.Commentf("theta0 %v", theta0))
}

func (s *nullsimSuite) TestReproducibleWithSeed(c *check.C) {
	lc := noiseMatrix(20, 6, 0.2, 11)
	a, err := SimulateNull(lc, design33, NullParams{Permutations: 4}, rand.New(rand.NewSource(7)))
	c.Assert(err, check.IsNil)
	b, err := SimulateNull(lc, design33, NullParams{Permutations: 4}, rand.New(rand.NewSource(7)))
	c.Assert(err, check.IsNil)
	c.Check(a.LFCs, check.DeepEquals, b.LFCs)

	d, err := SimulateNull(lc, design33, NullParams{Permutations: 4}, rand.New(rand.NewSource(8)))
	c.Assert(err, check.IsNil)
	sort.Float64s(a.LFCs)
	sort.Float64s(d.LFCs)
	c.Check(a.LFCs, check.Not(check.DeepEquals), d.LFCs)
}

func (s *nullsimSuite) TestBadPermutationCount(c *check.C) {
	lc := noiseMatrix(5, 6, 0.1, 12)
	_, err := SimulateNull(lc, design33, NullParams{Permutations: 0}, rand.New(rand.NewSource(1)))
	c.Check(err, check.FitsTypeOf, &ValidationError{})
}
