// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var olsConfig = &glm.Config{
	Family:    glm.NewFamily(glm.GaussianFamily),
	FitMethod: "IRLS",
	Log:       log.New(io.Discard, "", 0),
}

// Design assigns each sample column to one of two condition groups.
// Assign[j] is 0 for group A and 1 for group B; the reported LFC is
// mean(A) - mean(B) on the log2 scale.
type Design struct {
	Assign []int
	Names  [2]string
}

func (d Design) check(nsamples int) error {
	if len(d.Assign) != nsamples {
		return &DegenerateDesignError{Detail: fmt.Sprintf("%d group assignments for %d samples", len(d.Assign), nsamples)}
	}
	var n [2]int
	for _, g := range d.Assign {
		if g != 0 && g != 1 {
			return &DegenerateDesignError{Detail: fmt.Sprintf("group index %d out of range", g)}
		}
		n[g]++
	}
	if n[0] < 2 || n[1] < 2 {
		return &DegenerateDesignError{Detail: fmt.Sprintf("group sizes %d vs %d, need at least 2 replicates each", n[0], n[1])}
	}
	return nil
}

func (d Design) groupSizes() (na, nb int) {
	for _, g := range d.Assign {
		if g == 0 {
			na++
		} else {
			nb++
		}
	}
	return
}

// permuted returns a copy of the design with sample labels shuffled,
// preserving group sizes.
func (d Design) permuted(rng *rand.Rand) Design {
	assign := make([]int, len(d.Assign))
	copy(assign, d.Assign)
	rng.Shuffle(len(assign), func(i, j int) {
		assign[i], assign[j] = assign[j], assign[i]
	})
	return Design{Assign: assign, Names: d.Names}
}

func (d Design) equal(other Design) bool {
	for i, g := range d.Assign {
		if other.Assign[i] != g {
			return false
		}
	}
	return true
}

// ContrastTable holds the per-guide output of FitContrasts, one entry
// per input row, in input row order.
type ContrastTable struct {
	LFC      []float64 // contrast estimate, group A minus group B
	StdErr   []float64 // moderated standard error
	T        []float64 // moderated t statistic
	P        []float64 // two-sided p value, t distribution with ResidDF+PriorDF df
	ResidVar []float64 // raw residual variance per guide
	ModVar   []float64 // posterior (moderated) variance per guide

	ResidDF  float64
	PriorDF  float64
	PriorVar float64
}

// FitContrasts fits y = intercept + group per guide row by ordinary
// least squares (a Gaussian GLM), then moderates the residual variances
// toward a common prior estimated from all rows.
func FitContrasts(logCounts [][]float64, d Design) (*ContrastTable, []Warning, error) {
	if len(logCounts) == 0 {
		return nil, nil, &ValidationError{Stage: "contrast", Detail: "no rows"}
	}
	if err := d.check(len(logCounts[0])); err != nil {
		return nil, nil, err
	}
	n := len(d.Assign)
	group := make([]statmodel.Dtype, n)
	icept := make([]statmodel.Dtype, n)
	for j, g := range d.Assign {
		if g == 0 {
			group[j] = 1
		}
		icept[j] = 1
	}

	tbl := &ContrastTable{
		LFC:      make([]float64, len(logCounts)),
		StdErr:   make([]float64, len(logCounts)),
		T:        make([]float64, len(logCounts)),
		P:        make([]float64, len(logCounts)),
		ResidVar: make([]float64, len(logCounts)),
		ModVar:   make([]float64, len(logCounts)),
		ResidDF:  float64(n - 2),
	}
	y := make([]statmodel.Dtype, n)
	for i, row := range logCounts {
		copy(y, row)
		b0, b1, err := fitOLS(y, icept, group)
		if err != nil {
			return nil, nil, fmt.Errorf("contrast: row %d: %w", i, err)
		}
		var rss float64
		for j, v := range row {
			r := v - b0 - b1*float64(group[j])
			rss += r * r
		}
		tbl.LFC[i] = b1
		tbl.ResidVar[i] = rss / tbl.ResidDF
	}

	var warnings []Warning
	tbl.PriorDF, tbl.PriorVar = fitVarPrior(tbl.ResidVar, tbl.ResidDF)
	if tbl.PriorVar <= 0 {
		warnings = append(warnings, Warning{
			Kind: NumericalWarning, Stage: "contrast", Bin: -1,
			Detail: fmt.Sprintf("non-positive prior variance %v floored", tbl.PriorVar),
		})
		tbl.PriorVar = 1e-12
	}

	na, nb := d.groupSizes()
	contrastScale := 1/float64(na) + 1/float64(nb)
	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: tbl.ResidDF + tbl.PriorDF}
	for i := range logCounts {
		modvar := (tbl.ResidDF*tbl.ResidVar[i] + tbl.PriorDF*tbl.PriorVar) / (tbl.ResidDF + tbl.PriorDF)
		tbl.ModVar[i] = modvar
		tbl.StdErr[i] = math.Sqrt(modvar * contrastScale)
		tbl.T[i] = tbl.LFC[i] / tbl.StdErr[i]
		tbl.P[i] = 2 * tdist.CDF(-math.Abs(tbl.T[i]))
	}
	return tbl, warnings, nil
}

// fitOLS fits one row against the shared two-column design. The fit is
// delegated to the statmodel GLM engine with a Gaussian family, which
// reduces to ordinary least squares.
func fitOLS(y, icept, group []statmodel.Dtype) (b0, b1 float64, err error) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			err = &DegenerateDesignError{Detail: "design matrix not full rank"}
		}
	}()
	data := [][]statmodel.Dtype{y, icept, group}
	names := []string{"logcount", "icept", "group"}
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "logcount", names[1:], olsConfig)
	if err != nil {
		return 0, 0, err
	}
	result := model.Fit()
	params := result.Params()
	return params[0], params[1], nil
}

// fitVarPrior estimates the prior degrees of freedom and prior variance
// of an inverse-chi-square distribution over the per-guide residual
// variances, by matching the first two moments of the marginal scaled-F
// distribution of the observed variances.
func fitVarPrior(s2 []float64, df float64) (priorDF, priorVar float64) {
	const maxPriorDF = 1e6
	var m, v float64
	for _, s := range s2 {
		m += s
	}
	m /= float64(len(s2))
	for _, s := range s2 {
		v += (s - m) * (s - m)
	}
	if len(s2) > 1 {
		v /= float64(len(s2) - 1)
	}
	if m <= 0 {
		return maxPriorDF, m
	}
	r := v / (m * m)
	if r*df <= 2 {
		// observed variances are at least as concentrated as pure
		// chi-square sampling noise: infinite prior df, full shrinkage
		return maxPriorDF, m
	}
	priorDF = (4*r*df + 2*df - 4) / (r*df - 2)
	if math.IsNaN(priorDF) || priorDF <= 0 || priorDF > maxPriorDF {
		priorDF = maxPriorDF
	}
	if priorDF > 2 {
		priorVar = m * (priorDF - 2) / priorDF
	} else {
		priorVar = m
	}
	return priorDF, priorVar
}
