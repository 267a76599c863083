// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screendiff

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// Guide identifies one sgRNA row: the guide name, its target gene, and
// the target gene's log2 expression level in the screened cells.
type Guide struct {
	Name     string
	Gene     string
	ExpLevel float64
}

// CountMatrix is a guide-by-sample matrix of read counts. Row order is
// stable across the whole pipeline; Guides[i] describes Counts[i].
type CountMatrix struct {
	Samples []string
	Guides  []Guide
	Counts  [][]float64

	// Fingerprint is a blake2b digest of the source bytes, logged for
	// provenance when the matrix was read from a file.
	Fingerprint string
}

func (cm *CountMatrix) Validate() error {
	if len(cm.Counts) == 0 || len(cm.Samples) == 0 {
		return &ValidationError{Stage: "input", Detail: "empty count matrix"}
	}
	if len(cm.Guides) != len(cm.Counts) {
		return &ValidationError{Stage: "input", Detail: fmt.Sprintf("%d guide rows vs %d count rows", len(cm.Guides), len(cm.Counts))}
	}
	for i, row := range cm.Counts {
		if len(row) != len(cm.Samples) {
			return &ValidationError{Stage: "input", Detail: fmt.Sprintf("row %d has %d samples, want %d", i, len(row), len(cm.Samples))}
		}
		if cm.Guides[i].Gene == "" {
			return &ValidationError{Stage: "input", Detail: fmt.Sprintf("row %d (%s) has no gene tag", i, cm.Guides[i].Name)}
		}
		for j, v := range row {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return &ValidationError{Stage: "input", Detail: fmt.Sprintf("count [%d,%d] = %v", i, j, v)}
			}
		}
	}
	return nil
}

// ReferenceRows returns the indexes of rows whose gene is in the
// nonessential set.
func (cm *CountMatrix) ReferenceRows(nonessential map[string]bool) []int {
	var rows []int
	for i, g := range cm.Guides {
		if nonessential[g.Gene] {
			rows = append(rows, i)
		}
	}
	return rows
}

// Log2 returns a new matrix of log2(count+1), same shape and row order.
func (cm *CountMatrix) Log2() [][]float64 {
	out := make([][]float64, len(cm.Counts))
	for i, row := range cm.Counts {
		lrow := make([]float64, len(row))
		for j, v := range row {
			lrow[j] = math.Log2(v + 1)
		}
		out[i] = lrow
	}
	return out
}

// ReadCountMatrix reads a tab-separated table with header
//
//	sgRNA  gene  exp.level.log2  <sample>  <sample>  ...
//
// and one row per guide. gzip input is detected by the ".gz" suffix of
// name. The returned matrix carries a blake2b fingerprint of the
// uncompressed bytes.
func ReadCountMatrix(r io.Reader, name string) (*CountMatrix, error) {
	if strings.HasSuffix(name, ".gz") {
		gzr, err := pgzip.NewReader(bufio.NewReaderSize(r, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer gzr.Close()
		r = gzr
	}
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(io.TeeReader(r, hash))
	scanner.Buffer(nil, 1<<26)

	if !scanner.Scan() {
		return nil, &ValidationError{Stage: "input", Detail: "empty input"}
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < 4 {
		return nil, &ValidationError{Stage: "input", Detail: fmt.Sprintf("header has %d columns, want at least 4", len(header))}
	}
	cm := &CountMatrix{Samples: header[3:]}
	for lineno := 2; scanner.Scan(); lineno++ {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, &ValidationError{Stage: "input", Detail: fmt.Sprintf("line %d has %d columns, want %d", lineno, len(fields), len(header))}
		}
		exp, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, &ValidationError{Stage: "input", Detail: fmt.Sprintf("line %d: exp.level.log2 %q: %v", lineno, fields[2], err)}
		}
		row := make([]float64, len(fields)-3)
		for j, f := range fields[3:] {
			row[j], err = strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, &ValidationError{Stage: "input", Detail: fmt.Sprintf("line %d, sample %s: %v", lineno, header[3+j], err)}
			}
		}
		cm.Guides = append(cm.Guides, Guide{Name: fields[0], Gene: fields[1], ExpLevel: exp})
		cm.Counts = append(cm.Counts, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	cm.Fingerprint = fmt.Sprintf("%x", hash.Sum(nil))
	if err := cm.Validate(); err != nil {
		return nil, err
	}
	return cm, nil
}

// ReadGeneList reads one gene identifier per line, ignoring blank lines.
func ReadGeneList(r io.Reader) (map[string]bool, error) {
	genes := map[string]bool{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		g := strings.TrimSpace(scanner.Text())
		if g != "" {
			genes[g] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return genes, nil
}
