// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/exp/rand"
)

// PermPParams configures the permutation p-value engine.
type PermPParams struct {
	Permutations int
}

func DefaultPermPParams() PermPParams {
	return PermPParams{Permutations: 10}
}

// PermutationPValues computes one empirical p-value per guide: the tail
// probability of observing its unchanged-posterior or a more extreme
// (smaller) one under label-permuted refits of the whole
// contrast+mixture procedure. This is the expensive stage: every
// permutation reruns the full binning and EM fit, not just the
// contrast.
func PermutationPValues(logCounts [][]float64, d Design, guides []Guide, observed *MixtureFit, theta0 float64, mp MixtureParams, p PermPParams, rng *rand.Rand) ([]float64, []Warning, error) {
	if p.Permutations < 1 {
		return nil, nil, &ValidationError{Stage: "permpval", Detail: fmt.Sprintf("permutation count %d", p.Permutations)}
	}
	mp = mp.withDefaults()
	order := expressionOrder(guides)
	ranges := binRanges(len(order), mp)

	seeds := make([]uint64, p.Permutations)
	for i := range seeds {
		seeds[i] = rng.Uint64()
	}
	pooled := make([][]float64, p.Permutations)
	var nonconverged int64
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for i := 0; i < p.Permutations; i++ {
		i := i
		throttle.Go(func() error {
			prng := rand.New(rand.NewSource(seeds[i]))
			tbl, _, err := FitContrasts(logCounts, d.permuted(prng))
			if err != nil {
				return fmt.Errorf("permpval: permutation %d: %w", i, err)
			}
			fit, warns, err := fitMixtureOrdered(tbl.LFC, order, ranges, theta0, mp)
			if err != nil {
				return fmt.Errorf("permpval: permutation %d: %w", i, err)
			}
			for _, w := range warns {
				if w.Kind == ConvergenceWarning {
					atomic.AddInt64(&nonconverged, 1)
				}
			}
			pooled[i] = fit.PUnchanged
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, nil, err
	}

	null := make([]float64, 0, p.Permutations*len(guides))
	for _, vals := range pooled {
		null = append(null, vals...)
	}
	sort.Float64s(null)

	var warnings []Warning
	if nonconverged > 0 {
		warnings = append(warnings, Warning{
			Kind: ConvergenceWarning, Stage: "permpval", Bin: -1,
			Detail: fmt.Sprintf("%d of %d permuted mixture fits hit the iteration cap", nonconverged, p.Permutations),
		})
	}

	pvals := make([]float64, len(guides))
	for i, obs := range observed.PUnchanged {
		le := sort.Search(len(null), func(j int) bool { return null[j] > obs })
		pvals[i] = float64(1+le) / float64(1+len(null))
	}
	return pvals, warnings, nil
}
