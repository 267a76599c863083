// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

type analyzer struct{}

func (cmd *analyzer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input count table `file` (tsv, .gz ok)")
	nonessFilename := flags.String("nonessential", "", "`file` with one nonessential gene per line")
	groupA := flags.String("group-a", "", "comma-separated sample `names` in group A")
	groupB := flags.String("group-b", "", "comma-separated sample `names` in group B")
	guidesFilename := flags.String("o-guides", "-", "per-guide output `file`")
	genesFilename := flags.String("o-genes", "", "per-gene output `file`")
	seed := flags.Uint64("seed", 1, "random `seed`")
	params := DefaultParams()
	flags.IntVar(&params.Null.Permutations, "null-permutations", params.Null.Permutations, "label permutations for the lfc noise estimate")
	flags.BoolVar(&params.Null.SkipIdentity, "skip-identity", false, "redraw permutations equal to the observed labeling")
	flags.IntVar(&params.PermP.Permutations, "pvalue-permutations", params.PermP.Permutations, "label permutations for guide p-values")
	flags.IntVar(&params.Mixture.Bins, "bins", params.Mixture.Bins, "expression strata")
	flags.IntVar(&params.Mixture.Overlap, "bin-overlap", params.Mixture.Overlap, "rows of overlap between neighboring strata (-1 = bin size / 4)")
	flags.Float64Var(&params.RRA.Alpha, "alpha", params.RRA.Alpha, "p-value threshold for rank aggregation")
	flags.IntVar(&params.RRA.Permutations, "rra-permutations", params.RRA.Permutations, "resampling rounds for gene p-values")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	if *nonessFilename == "" {
		err = fmt.Errorf("-nonessential is required")
		return 2
	}
	if *groupA == "" || *groupB == "" {
		err = fmt.Errorf("-group-a and -group-b are required")
		return 2
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = os.Open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	var cm *CountMatrix
	cm, err = ReadCountMatrix(input, *inputFilename)
	if err != nil {
		return 1
	}
	log.Infof("read %d guides x %d samples, fingerprint %s", len(cm.Guides), len(cm.Samples), cm.Fingerprint)

	var nonessFile *os.File
	nonessFile, err = os.Open(*nonessFilename)
	if err != nil {
		return 1
	}
	defer nonessFile.Close()
	var noness map[string]bool
	noness, err = ReadGeneList(nonessFile)
	if err != nil {
		return 1
	}

	var design Design
	design, err = buildDesign(cm.Samples, *groupA, *groupB)
	if err != nil {
		return 1
	}

	rng := rand.New(rand.NewSource(*seed))
	var result *Result
	result, err = Run(cm, noness, design, params, rng)
	if err != nil {
		return 1
	}

	err = writeTable(*guidesFilename, stdout, func(w io.Writer) error {
		return writeGuideTable(w, result.Guides)
	})
	if err != nil {
		return 1
	}
	if *genesFilename != "" {
		err = writeTable(*genesFilename, stdout, func(w io.Writer) error {
			return writeGeneTable(w, result.Genes)
		})
		if err != nil {
			return 1
		}
	}
	return 0
}

func buildDesign(samples []string, groupA, groupB string) (Design, error) {
	col := map[string]int{}
	for j, s := range samples {
		col[s] = j
	}
	d := Design{Assign: make([]int, len(samples))}
	for i := range d.Assign {
		d.Assign[i] = -1
	}
	for g, list := range []string{groupA, groupB} {
		for _, name := range strings.Split(list, ",") {
			j, ok := col[name]
			if !ok {
				return Design{}, &ValidationError{Stage: "design", Detail: fmt.Sprintf("sample %q not in count table", name)}
			}
			if d.Assign[j] != -1 {
				return Design{}, &ValidationError{Stage: "design", Detail: fmt.Sprintf("sample %q assigned twice", name)}
			}
			d.Assign[j] = g
		}
	}
	for j, g := range d.Assign {
		if g == -1 {
			return Design{}, &ValidationError{Stage: "design", Detail: fmt.Sprintf("sample %q not assigned to a group", samples[j])}
		}
	}
	d.Names = [2]string{groupA, groupB}
	return d, nil
}

func writeTable(filename string, stdout io.Writer, write func(io.Writer) error) error {
	var output io.WriteCloser
	if filename == "-" {
		output = nopCloser{stdout}
	} else {
		var err error
		output, err = os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
	}
	bufw := bufio.NewWriter(output)
	if err := write(bufw); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return output.Close()
}

func writeGuideTable(w io.Writer, guides []GuideStats) error {
	_, err := fmt.Fprintln(w, "sgRNA\tgene\texp.level.log2\tlfc\tstderr\tt\tp.contrast\tp.down\tp.unchanged\tp.up\tshrunk.lfc\tp")
	if err != nil {
		return err
	}
	for _, gs := range guides {
		_, err = fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\n",
			gs.Guide.Name, gs.Guide.Gene, gs.Guide.ExpLevel,
			gs.LFC, gs.StdErr, gs.T, gs.PContrast,
			gs.PDown, gs.PUnchanged, gs.PUp, gs.ShrunkLFC, gs.P)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeGeneTable(w io.Writer, genes []GeneSummary) error {
	_, err := fmt.Fprintln(w, "gene\tp\tfdr\tlfc\tn.guides\tn.qualifying")
	if err != nil {
		return err
	}
	for _, gs := range genes {
		_, err = fmt.Fprintf(w, "%s\t%g\t%g\t%g\t%d\t%d\n", gs.Gene, gs.P, gs.FDR, gs.LFC, gs.Guides, gs.Qualifying)
		if err != nil {
			return err
		}
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
