// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/kshedden/gonpy"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// synthScreen builds a 100-guide, 6-sample screen with Poisson(500)
// counts and no real group difference. Rows 0-19 belong to the five
// nonessential genes ne0..ne4; rows 20-99 to the twenty target genes
// t0..t19, four guides each.
func synthScreen(seed uint64) (*CountMatrix, map[string]bool) {
	pois := distuv.Poisson{Lambda: 500, Src: rand.NewSource(seed)}
	rng := rand.New(rand.NewSource(seed + 1))
	cm := &CountMatrix{Samples: []string{"A1", "A2", "A3", "B1", "B2", "B3"}}
	noness := map[string]bool{}
	for i := 0; i < 100; i++ {
		var gene string
		if i < 20 {
			gene = fmt.Sprintf("ne%d", i/4)
			noness[gene] = true
		} else {
			gene = fmt.Sprintf("t%d", (i-20)/4)
		}
		cm.Guides = append(cm.Guides, Guide{
			Name:     fmt.Sprintf("sg%03d", i),
			Gene:     gene,
			ExpLevel: rng.Float64() * 10,
		})
		row := make([]float64, 6)
		for j := range row {
			row[j] = pois.Rand()
		}
		cm.Counts = append(cm.Counts, row)
	}
	return cm, noness
}

func (s *pipelineSuite) TestRunNoSignal(c *check.C) {
	cm, noness := synthScreen(1)
	d := Design{Assign: []int{0, 0, 0, 1, 1, 1}, Names: [2]string{"a", "b"}}
	result, err := Run(cm, noness, d, DefaultParams(), rand.New(rand.NewSource(1)))
	c.Assert(err, check.IsNil)
	c.Check(result.Guides, check.HasLen, 100)
	c.Check(result.Genes, check.HasLen, 25)
	c.Check(result.Factors, check.HasLen, 6)
	for _, f := range result.Factors {
		c.Check(f > 0.9 && f < 1.1, check.Equals, true, check.Commentf("factor %v", f))
	}
	c.Check(result.Theta0 > 0, check.Equals, true)
	c.Check(result.Theta0 < 0.2, check.Equals, true, check.Commentf("theta0 %v", result.Theta0))
	for _, gs := range result.Guides {
		tot := gs.PDown + gs.PUnchanged + gs.PUp
		c.Check(tot > 1-1e-6 && tot < 1+1e-6, check.Equals, true, check.Commentf("posteriors sum %v", tot))
		c.Check(gs.P > 0 && gs.P <= 1, check.Equals, true)
	}
	// Without any true effect the discovery list should be (close
	// to) empty at FDR 0.05.
	discoveries := 0
	for _, g := range result.Genes {
		if g.FDR < 0.05 {
			discoveries++
		}
	}
	c.Check(discoveries <= 3, check.Equals, true, check.Commentf("%d null discoveries", discoveries))
	for i := 1; i < len(result.Genes); i++ {
		c.Check(result.Genes[i].P >= result.Genes[i-1].P, check.Equals, true)
	}
}

func (s *pipelineSuite) TestRunSpikeIn(c *check.C) {
	cm, noness := synthScreen(1)
	// 4x up-regulation of gene t0 in the group A columns.
	for i := 20; i < 24; i++ {
		for j := 0; j < 3; j++ {
			cm.Counts[i][j] *= 4
		}
	}
	d := Design{Assign: []int{0, 0, 0, 1, 1, 1}, Names: [2]string{"a", "b"}}
	result, err := Run(cm, noness, d, DefaultParams(), rand.New(rand.NewSource(1)))
	c.Assert(err, check.IsNil)
	for _, gs := range result.Guides {
		if gs.Guide.Gene != "t0" {
			continue
		}
		c.Check(gs.LFC > 1, check.Equals, true, check.Commentf("%s lfc %v", gs.Guide.Name, gs.LFC))
		c.Check(gs.P < 0.1, check.Equals, true, check.Commentf("%s p %v", gs.Guide.Name, gs.P))
	}
	var spiked *GeneSummary
	for i := range result.Genes {
		if result.Genes[i].Gene == "t0" {
			spiked = &result.Genes[i]
		}
	}
	c.Assert(spiked, check.NotNil)
	c.Check(spiked.Guides, check.Equals, 4)
	c.Check(spiked.Qualifying, check.Equals, 4)
	c.Check(spiked.LFC > 0.5, check.Equals, true, check.Commentf("gene lfc %v", spiked.LFC))
	c.Check(spiked.FDR < 0.05, check.Equals, true, check.Commentf("gene fdr %v", spiked.FDR))
}

func (s *pipelineSuite) TestRunReproducible(c *check.C) {
	cm, noness := synthScreen(7)
	d := Design{Assign: []int{0, 0, 0, 1, 1, 1}, Names: [2]string{"a", "b"}}
	params := DefaultParams()
	params.RRA.Permutations = 200
	r1, err := Run(cm, noness, d, params, rand.New(rand.NewSource(9)))
	c.Assert(err, check.IsNil)
	r2, err := Run(cm, noness, d, params, rand.New(rand.NewSource(9)))
	c.Assert(err, check.IsNil)
	c.Check(r1.Theta0, check.Equals, r2.Theta0)
	for i := range r1.Guides {
		c.Check(r1.Guides[i].P, check.Equals, r2.Guides[i].P)
	}
	for i := range r1.Genes {
		c.Check(r1.Genes[i].P, check.Equals, r2.Genes[i].P)
	}
}

func (s *pipelineSuite) TestRunErrors(c *check.C) {
	cm, noness := synthScreen(1)
	d := Design{Assign: []int{0, 0, 0, 1, 1, 1}, Names: [2]string{"a", "b"}}
	rng := rand.New(rand.NewSource(1))

	_, err := Run(cm, map[string]bool{"nosuchgene": true}, d, DefaultParams(), rng)
	c.Check(err, check.FitsTypeOf, &ValidationError{})

	_, err = Run(cm, noness, Design{Assign: []int{0, 0, 0, 1, 1}, Names: [2]string{"a", "b"}}, DefaultParams(), rng)
	c.Check(err, check.FitsTypeOf, &DegenerateDesignError{})

	_, err = Run(cm, noness, Design{Assign: []int{0, 0, 0, 0, 0, 0}, Names: [2]string{"a", "b"}}, DefaultParams(), rng)
	c.Check(err, check.FitsTypeOf, &DegenerateDesignError{})
}

func (s *pipelineSuite) TestAnalyzeCommand(c *check.C) {
	tmpdir := c.MkDir()
	cm, noness := synthScreen(3)

	var tsv bytes.Buffer
	fmt.Fprintf(&tsv, "sgRNA\tgene\texp.level.log2\t%s\n", strings.Join(cm.Samples, "\t"))
	for i, g := range cm.Guides {
		fmt.Fprintf(&tsv, "%s\t%s\t%g", g.Name, g.Gene, g.ExpLevel)
		for _, n := range cm.Counts[i] {
			fmt.Fprintf(&tsv, "\t%g", n)
		}
		fmt.Fprintf(&tsv, "\n")
	}
	err := ioutil.WriteFile(tmpdir+"/counts.tsv", tsv.Bytes(), 0644)
	c.Assert(err, check.IsNil)
	var nonessList []string
	for gene := range noness {
		nonessList = append(nonessList, gene)
	}
	err = ioutil.WriteFile(tmpdir+"/noness.txt", []byte(strings.Join(nonessList, "\n")+"\n"), 0644)
	c.Assert(err, check.IsNil)

	exited := (&analyzer{}).RunCommand("analyze", []string{
		"-i", tmpdir + "/counts.tsv",
		"-nonessential", tmpdir + "/noness.txt",
		"-group-a", "A1,A2,A3",
		"-group-b", "B1,B2,B3",
		"-o-guides", tmpdir + "/guides.tsv",
		"-o-genes", tmpdir + "/genes.tsv",
		"-rra-permutations", "200",
		"-seed", "4",
	}, &bytes.Buffer{}, os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	guides, err := ioutil.ReadFile(tmpdir + "/guides.tsv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimRight(string(guides), "\n"), "\n")
	c.Check(lines, check.HasLen, 101)
	c.Check(lines[0], check.Matches, `sgRNA\tgene\t.*\tp`)
	genes, err := ioutil.ReadFile(tmpdir + "/genes.tsv")
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(genes), "\n"), check.Equals, 26)

	exited = (&exportNumpy{}).RunCommand("export-numpy", []string{
		"-i", tmpdir + "/guides.tsv",
		"-o", tmpdir + "/guides.npy",
	}, &bytes.Buffer{}, os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	f, err := os.Open(tmpdir + "/guides.npy")
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{100, len(numpyColumns)})
	data, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(data, check.HasLen, 100*len(numpyColumns))
}
