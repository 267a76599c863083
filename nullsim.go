// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

// NullParams configures the null simulator.
type NullParams struct {
	// Permutations is the number of independent label permutations.
	Permutations int
	// SkipIdentity redraws any permutation equal to the observed
	// labeling.
	SkipIdentity bool
}

func DefaultNullParams() NullParams {
	return NullParams{Permutations: 10}
}

// NullDistribution is the pool of LFC estimates observed under
// label-permuted refits. Only its spread matters; the pool is
// unordered.
type NullDistribution struct {
	LFCs []float64
}

// Theta0 is the standard deviation of the pooled null LFCs, the
// plug-in noise parameter for the mixture model.
func (nd *NullDistribution) Theta0() float64 {
	_, sd := stat.MeanStdDev(nd.LFCs, nil)
	if math.IsNaN(sd) {
		return 0
	}
	return sd
}

// permDesign draws a group-size-preserving relabeling. With
// SkipIdentity it retries a bounded number of times before accepting
// whatever it has; with 3+3 groups there are 19 non-identity
// relabelings, so exhaustion is not a practical concern.
func permDesign(d Design, p NullParams, rng *rand.Rand) Design {
	perm := d.permuted(rng)
	for retry := 0; p.SkipIdentity && perm.equal(d) && retry < 100; retry++ {
		perm = d.permuted(rng)
	}
	return perm
}

// SimulateNull reruns the contrast fit under p.Permutations independent
// label permutations and pools all resulting LFC estimates. Each
// permutation gets its own RNG stream seeded from rng, so results are
// reproducible for a fixed seed and independent of scheduling order.
func SimulateNull(logCounts [][]float64, d Design, p NullParams, rng *rand.Rand) (*NullDistribution, error) {
	if p.Permutations < 1 {
		return nil, &ValidationError{Stage: "nullsim", Detail: fmt.Sprintf("permutation count %d", p.Permutations)}
	}
	seeds := make([]uint64, p.Permutations)
	for i := range seeds {
		seeds[i] = rng.Uint64()
	}
	pooled := make([][]float64, p.Permutations)
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for i := 0; i < p.Permutations; i++ {
		i := i
		throttle.Go(func() error {
			prng := rand.New(rand.NewSource(seeds[i]))
			tbl, _, err := FitContrasts(logCounts, permDesign(d, p, prng))
			if err != nil {
				return fmt.Errorf("nullsim: permutation %d: %w", i, err)
			}
			pooled[i] = tbl.LFC
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	nd := &NullDistribution{LFCs: make([]float64, 0, p.Permutations*len(logCounts))}
	for _, lfcs := range pooled {
		nd.LFCs = append(nd.LFCs, lfcs...)
	}
	return nd, nil
}
