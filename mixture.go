// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// MixtureParams configures the expression-binned mixture model.
type MixtureParams struct {
	Bins       int // expression strata
	MinBinSize int // minimum rows per stratum; bin count shrinks to honor it
	// Overlap is the number of rows each bin borrows from its
	// neighbors on either side when fitting, to stabilize estimates
	// near bin boundaries. -1 means a quarter of the bin size.
	Overlap int
	MaxIter int
	Tol     float64
	// VarianceFloor overrides the theta0^2 floor on the mixture
	// variance when positive.
	VarianceFloor float64
}

func DefaultMixtureParams() MixtureParams {
	return MixtureParams{Bins: 3, MinBinSize: 5, Overlap: -1, MaxIter: 100, Tol: 1e-6}
}

// withDefaults fills zero-valued fields so the observed fit and every
// permuted refit derive identical bin ranges.
func (p MixtureParams) withDefaults() MixtureParams {
	def := DefaultMixtureParams()
	if p.Bins == 0 {
		p.Bins = def.Bins
	}
	if p.MinBinSize == 0 {
		p.MinBinSize = def.MinBinSize
	}
	if p.MaxIter == 0 {
		p.MaxIter = def.MaxIter
	}
	if p.Tol == 0 {
		p.Tol = def.Tol
	}
	return p
}

type componentRole int

const (
	roleDown componentRole = iota
	roleUnchanged
	roleUp
)

func (r componentRole) String() string {
	switch r {
	case roleDown:
		return "down"
	case roleUnchanged:
		return "unchanged"
	default:
		return "up"
	}
}

// Component is one Gaussian mixture component, tagged with its role so
// that down/unchanged/up never get confused across bins.
type Component struct {
	Role   componentRole
	Mean   float64
	Weight float64
}

// BinFit is the fitted mixture for one expression stratum.
type BinFit struct {
	Lo, Hi        int // home range in expression-sorted order
	FitLo, FitHi  int // extended (overlapping) range used for fitting
	Components    [3]Component
	Variance      float64
	LogLik        float64
	Iterations    int
	Converged     bool
	loglikHistory []float64
}

// MixtureFit augments the contrast table with per-guide posterior
// component probabilities and a posterior-mean shrunk LFC, all indexed
// by the original row order.
type MixtureFit struct {
	Bins       []BinFit
	PDown      []float64
	PUnchanged []float64
	PUp        []float64
	ShrunkLFC  []float64
}

type binRange struct {
	lo, hi       int // home range, half-open
	fitLo, fitHi int // extended range, half-open
}

// binRanges partitions n expression-sorted rows into roughly equal
// bins, each extended by the overlap margin on both sides. Computed
// once over the sorted order and reused for every refit.
func binRanges(n int, p MixtureParams) []binRange {
	bins := p.Bins
	if p.MinBinSize > 0 && bins > n/p.MinBinSize {
		bins = n / p.MinBinSize
	}
	if bins < 1 {
		bins = 1
	}
	overlap := p.Overlap
	if overlap < 0 {
		overlap = n / bins / 4
	}
	ranges := make([]binRange, bins)
	for b := 0; b < bins; b++ {
		lo := b * n / bins
		hi := (b + 1) * n / bins
		fitLo := lo - overlap
		if fitLo < 0 {
			fitLo = 0
		}
		fitHi := hi + overlap
		if fitHi > n {
			fitHi = n
		}
		ranges[b] = binRange{lo: lo, hi: hi, fitLo: fitLo, fitHi: fitHi}
	}
	return ranges
}

// expressionOrder returns row indexes sorted by ascending expression
// level, ties broken by row order so the binning is deterministic.
func expressionOrder(guides []Guide) []int {
	order := make([]int, len(guides))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return guides[order[a]].ExpLevel < guides[order[b]].ExpLevel
	})
	return order
}

// FitMixture bins guides by target gene expression and fits a
// three-component Gaussian mixture over LFCs in each bin by EM. theta0
// is the null LFC standard deviation from SimulateNull; the mixture
// variance is re-estimated but floored at theta0^2 so a component can
// never collapse below the noise level.
func FitMixture(lfc []float64, guides []Guide, theta0 float64, p MixtureParams) (*MixtureFit, []Warning, error) {
	if len(lfc) == 0 {
		return nil, nil, &ValidationError{Stage: "mixture", Detail: "no rows"}
	}
	if len(lfc) != len(guides) {
		return nil, nil, &ValidationError{Stage: "mixture", Detail: fmt.Sprintf("%d lfcs vs %d guides", len(lfc), len(guides))}
	}
	p = p.withDefaults()
	order := expressionOrder(guides)
	return fitMixtureOrdered(lfc, order, binRanges(len(order), p), theta0, p)
}

// fitMixtureOrdered is the refit entry point: the permutation p-value
// engine calls it with the observed expression order and bin ranges but
// permuted-label LFCs.
func fitMixtureOrdered(lfc []float64, order []int, ranges []binRange, theta0 float64, p MixtureParams) (*MixtureFit, []Warning, error) {
	floor := theta0 * theta0
	if p.VarianceFloor > 0 {
		floor = p.VarianceFloor
	}
	var warnings []Warning
	if floor <= 0 {
		warnings = append(warnings, Warning{
			Kind: NumericalWarning, Stage: "mixture", Bin: -1,
			Detail: fmt.Sprintf("variance floor %v raised to 1e-8", floor),
		})
		floor = 1e-8
	}

	fit := &MixtureFit{
		Bins:       make([]BinFit, len(ranges)),
		PDown:      make([]float64, len(lfc)),
		PUnchanged: make([]float64, len(lfc)),
		PUp:        make([]float64, len(lfc)),
		ShrunkLFC:  make([]float64, len(lfc)),
	}
	ys := make([]float64, 0, len(lfc))
	for b, rng := range ranges {
		ys = ys[:0]
		for _, i := range order[rng.fitLo:rng.fitHi] {
			ys = append(ys, lfc[i])
		}
		bf, warns := fitBinEM(ys, floor, p)
		bf.Lo, bf.Hi, bf.FitLo, bf.FitHi = rng.lo, rng.hi, rng.fitLo, rng.fitHi
		for i := range warns {
			warns[i].Bin = b
		}
		warnings = append(warnings, warns...)
		fit.Bins[b] = bf

		// Posteriors come from the home bin only, never from the
		// overlap of a neighbor.
		atten := 1 - floor/bf.Variance
		for _, i := range order[rng.lo:rng.hi] {
			r := bf.responsibilities(lfc[i])
			fit.PDown[i] = r[roleDown]
			fit.PUnchanged[i] = r[roleUnchanged]
			fit.PUp[i] = r[roleUp]
			var shrunk float64
			for k, c := range bf.Components {
				shrunk += r[k] * (c.Mean + atten*(lfc[i]-c.Mean))
			}
			fit.ShrunkLFC[i] = shrunk
		}
	}
	return fit, warnings, nil
}

// fitBinEM fits the three-component mixture over one bin's LFCs. The
// unchanged component's mean is pinned at zero; the down and up means
// are constrained to their side of zero so roles cannot swap between
// iterations.
func fitBinEM(ys []float64, floor float64, p MixtureParams) (BinFit, []Warning) {
	bf := BinFit{
		Components: [3]Component{
			{Role: roleDown, Mean: -1, Weight: 1.0 / 3},
			{Role: roleUnchanged, Mean: 0, Weight: 1.0 / 3},
			{Role: roleUp, Mean: 1, Weight: 1.0 / 3},
		},
		Variance: floor,
	}
	var warnings []Warning
	n := float64(len(ys))
	resp := make([][3]float64, len(ys))
	floored := false
	prevll := math.Inf(-1)
	for iter := 1; iter <= p.MaxIter; iter++ {
		bf.Iterations = iter

		// E step
		var ll float64
		for i, y := range ys {
			r := bf.responsibilitiesTotal(y)
			total := r[3]
			resp[i] = [3]float64{r[0], r[1], r[2]}
			ll += math.Log(total)
		}
		bf.LogLik = ll
		bf.loglikHistory = append(bf.loglikHistory, ll)

		if math.Abs(ll-prevll) < p.Tol*(1+math.Abs(ll)) {
			bf.Converged = true
			break
		}
		prevll = ll

		// M step
		var sum [3]float64
		var wmean [3]float64
		for i, y := range ys {
			for k := 0; k < 3; k++ {
				sum[k] += resp[i][k]
				wmean[k] += resp[i][k] * y
			}
		}
		for k := range bf.Components {
			c := &bf.Components[k]
			c.Weight = sum[k] / n
			if c.Role == roleUnchanged || sum[k] == 0 {
				continue
			}
			mean := wmean[k] / sum[k]
			if c.Role == roleDown && mean > 0 {
				mean = 0
			} else if c.Role == roleUp && mean < 0 {
				mean = 0
			}
			c.Mean = mean
		}
		var ss float64
		for i, y := range ys {
			for k, c := range bf.Components {
				d := y - c.Mean
				ss += resp[i][k] * d * d
			}
		}
		sigma2 := ss / n
		if sigma2 < floor {
			sigma2 = floor
			if !floored {
				floored = true
				warnings = append(warnings, Warning{
					Kind: NumericalWarning, Stage: "mixture",
					Detail: fmt.Sprintf("mixture variance %.3g floored at %.3g", ss/n, floor),
				})
			}
		}
		bf.Variance = sigma2
	}
	if !bf.Converged {
		warnings = append(warnings, Warning{
			Kind: ConvergenceWarning, Stage: "mixture",
			Detail: fmt.Sprintf("EM did not converge in %d iterations", p.MaxIter),
		})
	}
	return bf, warnings
}

// responsibilities returns the posterior component probabilities for
// one LFC value under the fitted bin parameters. They sum to 1.
func (bf *BinFit) responsibilities(y float64) [3]float64 {
	r := bf.responsibilitiesTotal(y)
	return [3]float64{r[0], r[1], r[2]}
}

// responsibilitiesTotal returns the normalized responsibilities plus,
// in the last slot, the unnormalized mixture density (the per-row
// likelihood contribution needed by the E step).
func (bf *BinFit) responsibilitiesTotal(y float64) [4]float64 {
	sigma := math.Sqrt(bf.Variance)
	var r [4]float64
	var total float64
	for k, c := range bf.Components {
		dist := distuv.Normal{Mu: c.Mean, Sigma: sigma}
		r[k] = c.Weight * dist.Prob(y)
		total += r[k]
	}
	if total <= 0 || math.IsNaN(total) {
		// all densities underflowed; fall back to the weights
		for k, c := range bf.Components {
			r[k] = c.Weight
		}
		r[3] = math.SmallestNonzeroFloat64
		return r
	}
	for k := 0; k < 3; k++ {
		r[k] /= total
	}
	r[3] = total
	return r
}
