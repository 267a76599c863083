// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/james-bowman/nlp"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// samplePCA projects the samples of a normalized log2 count matrix
// onto their principal components, as a quick replicate QC: replicates
// of the same condition should cluster.
type samplePCA struct{}

func (cmd *samplePCA) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input count table `file` (tsv, .gz ok)")
	nonessFilename := flags.String("nonessential", "", "`file` with one nonessential gene per line")
	outputFilename := flags.String("o", "-", "output `file` (.npy, samples x components)")
	components := flags.Int("components", 2, "number of principal components")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *nonessFilename == "" {
		err = fmt.Errorf("-nonessential is required")
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
	nonessFile, err := os.Open(*nonessFilename)
	if err != nil {
		return 1
	}
	defer nonessFile.Close()
	var noness map[string]bool
	noness, err = ReadGeneList(nonessFile)
	if err != nil {
		return 1
	}
	var factors []float64
	factors, err = SizeFactors(cm, cm.ReferenceRows(noness))
	if err != nil {
		return 1
	}
	logCounts := Normalize(cm, factors).Log2()

	rows, cols := len(logCounts), len(cm.Samples)
	flat := make([]float64, rows*cols)
	for i, row := range logCounts {
		copy(flat[i*cols:], row)
	}
	// guides x samples: each sample column is one observation
	mtx := mat.Matrix(mat.NewDense(rows, cols, flat))

	log.Print("fitting")
	transformer := nlp.NewPCA(*components)
	transformer.Fit(mtx)
	log.Print("transforming")
	mtx, err = transformer.Transform(mtx)
	if err != nil {
		return 1
	}
	mtx = mtx.T()

	rows, cols = mtx.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = mtx.At(i, j)
		}
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	var npw *gonpy.NpyWriter
	npw, err = gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy: %d samples, %d components", rows, cols)
	err = npw.WriteFloat64(out)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
