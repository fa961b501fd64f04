// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// merger concatenates prepared datasets that share a gene list, e.g.,
// samples prepared separately from the same reference. Variable-gene
// and PCA results do not survive a merge and are dropped.
type merger struct{}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	preemptible := flags.Bool("preemptible", true, "request preemptible instance")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	inputs := flags.Args()
	if len(inputs) == 0 {
		err = errors.New("no input files specified")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "scmark merge",
			OutputName:  "merged dataset",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64000000000,
			VCPUs:       2,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		for i := range inputs {
			err = runner.TranslatePaths(&inputs[i])
			if err != nil {
				return 1
			}
		}
		runner.Args = append([]string{"merge", "-local=true",
			"-o", "/mnt/output/dataset.gob.gz",
		}, inputs...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/dataset.gob.gz")
		return 0
	}

	merged, err := cmd.doMerge(stdin, inputs)
	if err != nil {
		return 1
	}
	merged.Header.CommandLine = append([]string{prog}, args...)

	if *outputFilename == "-" {
		bufw := bufio.NewWriter(stdout)
		err = merged.encode(bufw)
		if err != nil {
			return 1
		}
		err = bufw.Flush()
		if err != nil {
			return 1
		}
	} else {
		log.Printf("writing %s", *outputFilename)
		err = merged.WriteFile(*outputFilename)
		if err != nil {
			return 1
		}
	}
	return 0
}

func (cmd *merger) doMerge(stdin io.Reader, inputs []string) (*Dataset, error) {
	loaded := make([]*Dataset, len(inputs))
	var wg WaitGroup
	for i, input := range inputs {
		i, input := i, input
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("%s: reading", input)
			var ds *Dataset
			var err error
			if input == "-" {
				ds, err = loadDatasetStream(stdin, false, "-")
			} else {
				ds, err = LoadDataset(input)
			}
			if err != nil {
				wg.Error(err)
				return
			}
			log.Printf("%s: %d genes × %d cells", input, ds.Matrix.nGenes(), ds.Matrix.nCells())
			loaded[i] = ds
		}()
	}
	err := wg.Wait()
	if err != nil {
		return nil, err
	}

	first := loaded[0]
	merged := &Dataset{
		Header: DatasetHeader{
			FormatVersion: datasetFormatVersion,
			CreatedAt:     time.Now(),
			ScaleFactor:   first.Header.ScaleFactor,
		},
		Matrix: &countMatrix{
			Genes:  first.Matrix.Genes,
			ColPtr: []int64{0},
		},
	}
	if first.Metadata != nil {
		merged.Metadata = &cellMetadata{Columns: first.Metadata.Columns}
	}
	droppedResults := false
	source := map[string]string{}
	for i, ds := range loaded {
		if ds.Header.ScaleFactor != first.Header.ScaleFactor {
			return nil, fmt.Errorf("%s: scale factor %g, but %s has %g", inputs[i], ds.Header.ScaleFactor, inputs[0], first.Header.ScaleFactor)
		}
		if len(ds.Matrix.Genes) != len(first.Matrix.Genes) {
			return nil, fmt.Errorf("cannot merge datasets with differing gene lists: %s has %d genes, %s has %d", inputs[i], len(ds.Matrix.Genes), inputs[0], len(first.Matrix.Genes))
		}
		for j, g := range ds.Matrix.Genes {
			if g != first.Matrix.Genes[j] {
				return nil, fmt.Errorf("cannot merge datasets with differing gene lists: gene %d is %q in %s, %q in %s", j, g.ID, inputs[i], first.Matrix.Genes[j].ID, inputs[0])
			}
		}
		if (ds.Metadata == nil) != (first.Metadata == nil) {
			return nil, fmt.Errorf("cannot merge: %s and %s disagree about whether cell metadata is present", inputs[i], inputs[0])
		}
		if ds.Metadata != nil {
			if len(ds.Metadata.Columns) != len(first.Metadata.Columns) {
				return nil, fmt.Errorf("cannot merge datasets with differing metadata columns: %s has %v, %s has %v", inputs[i], ds.Metadata.Columns, inputs[0], first.Metadata.Columns)
			}
			for j, col := range ds.Metadata.Columns {
				if col != first.Metadata.Columns[j] {
					return nil, fmt.Errorf("cannot merge datasets with differing metadata columns: %s has %v, %s has %v", inputs[i], ds.Metadata.Columns, inputs[0], first.Metadata.Columns)
				}
			}
			merged.Metadata.Barcodes = append(merged.Metadata.Barcodes, ds.Metadata.Barcodes...)
			merged.Metadata.Rows = append(merged.Metadata.Rows, ds.Metadata.Rows...)
		}
		for _, b := range ds.Matrix.Barcodes {
			if prev, dup := source[b]; dup {
				return nil, fmt.Errorf("barcode %q appears in both %s and %s", b, prev, inputs[i])
			}
			source[b] = inputs[i]
		}
		base := int64(len(merged.Matrix.Rows))
		merged.Matrix.Barcodes = append(merged.Matrix.Barcodes, ds.Matrix.Barcodes...)
		merged.Matrix.Rows = append(merged.Matrix.Rows, ds.Matrix.Rows...)
		merged.Matrix.Counts = append(merged.Matrix.Counts, ds.Matrix.Counts...)
		for _, p := range ds.Matrix.ColPtr[1:] {
			merged.Matrix.ColPtr = append(merged.Matrix.ColPtr, base+p)
		}
		merged.CellQC = append(merged.CellQC, ds.CellQC...)
		if ds.VariableGenes != nil || ds.PCA != nil {
			droppedResults = true
		}
	}
	if droppedResults {
		log.Print("dropping variable-gene and PCA results (not meaningful for the merged matrix)")
	}
	merged.Header.Fingerprint = merged.Matrix.fingerprint()
	log.Printf("merged: %d genes × %d cells", merged.Matrix.nGenes(), merged.Matrix.nCells())
	return merged, nil
}
