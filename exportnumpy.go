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
	"os"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy writes the expression matrix as a dense cells × genes
// .npy for downstream Python tooling, with optional row (cell) and
// column (gene) label TSVs.
type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	cellsFilename := flags.String("cells-o", "", "also write cell labels (barcode + metadata) to `file`")
	genesFilename := flags.String("genes-o", "", "also write gene labels to `file`")
	raw := flags.Bool("raw", false, "export raw counts instead of log-normalized values")
	variableOnly := flags.Bool("variable-only", false, "only export the variable genes selected by prepare")
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

	if !*runlocal {
		if *outputFilename != "-" || *cellsFilename != "" || *genesFilename != "" {
			err = errors.New("cannot specify output files in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "scmark export-numpy",
			OutputName:  "numpy export",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         128000000000,
			VCPUs:       2,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"export-numpy", "-local=true",
			fmt.Sprintf("-raw=%v", *raw),
			fmt.Sprintf("-variable-only=%v", *variableOnly),
			"-i", *inputFilename,
			"-o", "/mnt/output/matrix.npy",
			"-cells-o", "/mnt/output/cells.tsv",
			"-genes-o", "/mnt/output/genes.tsv",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/matrix.npy")
		return 0
	}

	var ds *Dataset
	if *inputFilename == "-" {
		ds, err = loadDatasetStream(stdin, false, "-")
	} else {
		ds, err = LoadDataset(*inputFilename)
	}
	if err != nil {
		return 1
	}

	genes := make([]int32, 0, ds.Matrix.nGenes())
	if *variableOnly {
		if ds.VariableGenes == nil {
			err = errors.New("input has no variable-gene selection, cannot export -variable-only")
			return 1
		}
		genes = ds.VariableGenes
	} else {
		for i := 0; i < ds.Matrix.nGenes(); i++ {
			genes = append(genes, int32(i))
		}
	}

	var norm *normalizer
	if !*raw {
		norm = newNormalizer(ds.Matrix, ds.Header.ScaleFactor)
	}
	data, rows, cols := matrix2array(ds.Matrix, norm, genes)

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY, 0777)
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
	npw.Shape = []int{rows, cols}
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

	if *cellsFilename != "" {
		err = writeLabelFile(*cellsFilename, func(w io.Writer) error {
			return writeCellLabels(w, ds)
		})
		if err != nil {
			return 1
		}
	}
	if *genesFilename != "" {
		err = writeLabelFile(*genesFilename, func(w io.Writer) error {
			return writeGeneLabels(w, ds.Matrix.Genes, genes)
		})
		if err != nil {
			return 1
		}
	}
	return 0
}

// matrix2array densifies the matrix as cells × len(genes), normalized
// unless norm is nil.
func matrix2array(m *countMatrix, norm *normalizer, genes []int32) (data []float64, rows, cols int) {
	rows, cols = m.nCells(), len(genes)
	colOf := make(map[int32]int, cols)
	for c, row := range genes {
		colOf[row] = c
	}
	data = make([]float64, rows*cols)
	for j := 0; j < rows; j++ {
		mrows, counts := m.col(j)
		for k, row := range mrows {
			c, ok := colOf[row]
			if !ok {
				continue
			}
			v := counts[k]
			if norm != nil {
				v = norm.value(j, v)
			}
			data[j*cols+c] = v
		}
	}
	return
}

func writeLabelFile(fnm string, write func(io.Writer) error) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	err = write(bufw)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// writeCellLabels writes one row per matrix row: barcode plus any
// metadata columns.
func writeCellLabels(w io.Writer, ds *Dataset) error {
	fmt.Fprint(w, "barcode")
	if ds.Metadata != nil {
		for _, col := range ds.Metadata.Columns {
			fmt.Fprintf(w, "\t%s", col)
		}
	}
	fmt.Fprint(w, "\n")
	for j, barcode := range ds.Matrix.Barcodes {
		_, err := fmt.Fprint(w, barcode)
		if err != nil {
			return err
		}
		if ds.Metadata != nil {
			for _, v := range ds.Metadata.Rows[j] {
				fmt.Fprintf(w, "\t%s", v)
			}
		}
		fmt.Fprint(w, "\n")
	}
	return nil
}

// writeGeneLabels writes one row per matrix column, in column order.
func writeGeneLabels(w io.Writer, all []GeneInfo, genes []int32) error {
	_, err := fmt.Fprint(w, "gene\tgene_id\n")
	if err != nil {
		return err
	}
	for _, row := range genes {
		g := all[row]
		_, err = fmt.Fprintf(w, "%s\t%s\n", g.Name, g.ID)
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
