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
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy converts a per-guide table written by analyze into a
// float64 numpy matrix, one row per guide, columns in the order listed
// by numpyColumns. Non-numeric identifier columns are dropped.
type exportNumpy struct{}

var numpyColumns = []string{"exp.level.log2", "lfc", "stderr", "t", "p.contrast", "p.down", "p.unchanged", "p.up", "shrunk.lfc", "p"}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "per-guide table `file` from analyze")
	outputFilename := flags.String("o", "-", "output `file` (.npy)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
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

	var data []float64
	var rows int
	data, rows, err = guideTableToArray(input)
	if err != nil {
		return 1
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
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, len(numpyColumns)}
	log.Printf("writing numpy: %d rows, %d cols", rows, len(numpyColumns))
	err = npw.WriteFloat64(data)
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

func guideTableToArray(r io.Reader) (data []float64, rows int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 1<<26)
	if !scanner.Scan() {
		return nil, 0, &ValidationError{Stage: "export-numpy", Detail: "empty input"}
	}
	header := strings.Split(scanner.Text(), "\t")
	colidx := make([]int, len(numpyColumns))
	for k, want := range numpyColumns {
		colidx[k] = -1
		for j, name := range header {
			if name == want {
				colidx[k] = j
			}
		}
		if colidx[k] == -1 {
			return nil, 0, &ValidationError{Stage: "export-numpy", Detail: fmt.Sprintf("missing column %q", want)}
		}
	}
	for lineno := 2; scanner.Scan(); lineno++ {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, 0, &ValidationError{Stage: "export-numpy", Detail: fmt.Sprintf("line %d has %d columns, want %d", lineno, len(fields), len(header))}
		}
		for _, j := range colidx {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return nil, 0, &ValidationError{Stage: "export-numpy", Detail: fmt.Sprintf("line %d, column %s: %v", lineno, header[j], err)}
			}
			data = append(data, v)
		}
		rows++
	}
	return data, rows, scanner.Err()
}
