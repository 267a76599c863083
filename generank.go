// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/montanaflynn/stats"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// RRAParams configures the alpha-truncated rank aggregation. Alpha and
// the permutation count are deliberately caller-tunable: the exact
// aggregation statistic is validated against reference output, not
// hard-coded.
type RRAParams struct {
	Alpha        float64
	Permutations int
}

func DefaultRRAParams() RRAParams {
	return RRAParams{Alpha: 0.05, Permutations: 1000}
}

// GeneSummary is the per-gene output record. LFC is the median of the
// gene's posterior-shrunk guide LFCs, which makes it deterministic for
// a fixed input ordering.
type GeneSummary struct {
	Gene       string
	P          float64
	FDR        float64
	LFC        float64
	Guides     int
	Qualifying int // guides with p <= alpha
}

// AggregateGenes rolls per-guide p-values up to one p-value per gene
// with the alpha-RRA statistic: the minimum over the gene's qualifying
// rank order statistics of their Beta tail probability, compared
// against a null built by resampling random guide sets of the same
// size. Genes with no guide at or below alpha get p = 1 exactly. FDR
// is Benjamini-Hochberg over the final gene list.
func AggregateGenes(guides []Guide, pvals, shrunkLFC []float64, p RRAParams, rng *rand.Rand) ([]GeneSummary, error) {
	if len(guides) == 0 {
		return nil, &ValidationError{Stage: "generank", Detail: "no rows"}
	}
	if len(pvals) != len(guides) || len(shrunkLFC) != len(guides) {
		return nil, &ValidationError{Stage: "generank", Detail: fmt.Sprintf("%d guides, %d p-values, %d lfcs", len(guides), len(pvals), len(shrunkLFC))}
	}
	if !(p.Alpha > 0 && p.Alpha <= 1) {
		return nil, &ValidationError{Stage: "generank", Detail: fmt.Sprintf("alpha %v out of (0,1]", p.Alpha)}
	}
	if p.Permutations < 1 {
		return nil, &ValidationError{Stage: "generank", Detail: fmt.Sprintf("permutation count %d", p.Permutations)}
	}
	ranks := normalizedRanks(pvals)

	// group rows by gene, preserving first-appearance order
	geneRows := map[string][]int{}
	var geneOrder []string
	for i, g := range guides {
		if _, ok := geneRows[g.Gene]; !ok {
			geneOrder = append(geneOrder, g.Gene)
		}
		geneRows[g.Gene] = append(geneRows[g.Gene], i)
	}

	nulls, err := rraNulls(geneRows, pvals, ranks, p, rng)
	if err != nil {
		return nil, err
	}

	summaries := make([]GeneSummary, 0, len(geneOrder))
	for _, gene := range geneOrder {
		rows := geneRows[gene]
		ps := make([]float64, len(rows))
		rs := make([]float64, len(rows))
		lfcs := make([]float64, len(rows))
		for k, i := range rows {
			ps[k] = pvals[i]
			rs[k] = ranks[i]
			lfcs[k] = shrunkLFC[i]
		}
		rho, qual := rraScore(ps, rs, p.Alpha)
		lfc, err := stats.Median(lfcs)
		if err != nil {
			return nil, fmt.Errorf("generank: median lfc for %s: %w", gene, err)
		}
		gs := GeneSummary{Gene: gene, P: 1, LFC: lfc, Guides: len(rows), Qualifying: qual}
		if qual > 0 {
			null := nulls[len(rows)]
			le := sort.Search(len(null), func(j int) bool { return null[j] > rho })
			gs.P = float64(1+le) / float64(1+len(null))
		}
		summaries = append(summaries, gs)
	}

	pv := make([]float64, len(summaries))
	for i, gs := range summaries {
		pv[i] = gs.P
	}
	for i, fdr := range BenjaminiHochberg(pv) {
		summaries[i].FDR = fdr
	}
	sort.SliceStable(summaries, func(a, b int) bool {
		if summaries[a].P != summaries[b].P {
			return summaries[a].P < summaries[b].P
		}
		return summaries[a].Gene < summaries[b].Gene
	})
	return summaries, nil
}

// rraNulls builds one sorted null rho distribution per distinct gene
// size by resampling guide rows with replacement. Sizes are generated
// in ascending order with per-size RNG streams derived from rng, so
// the result is reproducible regardless of scheduling.
func rraNulls(geneRows map[string][]int, pvals, ranks []float64, p RRAParams, rng *rand.Rand) (map[int][]float64, error) {
	sizeSet := map[int]bool{}
	for _, rows := range geneRows {
		sizeSet[len(rows)] = true
	}
	sizes := make([]int, 0, len(sizeSet))
	for m := range sizeSet {
		sizes = append(sizes, m)
	}
	sort.Ints(sizes)

	nulls := make(map[int][]float64, len(sizes))
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for _, m := range sizes {
		m := m
		seed := rng.Uint64()
		null := make([]float64, p.Permutations)
		nulls[m] = null
		throttle.Go(func() error {
			prng := rand.New(rand.NewSource(seed))
			ps := make([]float64, m)
			rs := make([]float64, m)
			for t := 0; t < p.Permutations; t++ {
				for k := 0; k < m; k++ {
					i := prng.Intn(len(pvals))
					ps[k] = pvals[i]
					rs[k] = ranks[i]
				}
				null[t], _ = rraScore(ps, rs, p.Alpha)
			}
			sort.Float64s(null)
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	return nulls, nil
}

// rraScore computes the rho statistic for one guide set: ps are the
// set's p-values, rs their ranks normalized by the full table size.
// Both are sorted in place. Only order statistics with p <= alpha
// contribute; rho is 1 when none qualify.
func rraScore(ps, rs []float64, alpha float64) (rho float64, qualifying int) {
	sort.Float64s(ps)
	sort.Float64s(rs)
	m := len(ps)
	for _, pv := range ps {
		if pv <= alpha {
			qualifying++
		}
	}
	rho = 1
	for j := 0; j < qualifying; j++ {
		beta := distuv.Beta{Alpha: float64(j + 1), Beta: float64(m - j)}
		if v := beta.CDF(rs[j]); v < rho {
			rho = v
		}
	}
	return rho, qualifying
}

// normalizedRanks returns each p-value's rank divided by the table
// size, averaging ties.
func normalizedRanks(pvals []float64) []float64 {
	n := len(pvals)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return pvals[idx[a]] < pvals[idx[b]] })
	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && pvals[idx[j]] == pvals[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2 / float64(n)
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}
	return ranks
}

// BenjaminiHochberg adjusts a p-value list for multiple testing. The
// adjusted values are monotone in the sorted p-values and clamped to 1.
func BenjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return pvals[idx[a]] < pvals[idx[b]] })
	fdr := make([]float64, n)
	min := 1.0
	for i := n - 1; i >= 0; i-- {
		q := pvals[idx[i]] * float64(n) / float64(i+1)
		if q < min {
			min = q
		}
		fdr[idx[i]] = min
	}
	return fdr
}
