// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type statscmd struct {
	debugUndetected bool
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.BoolVar(&cmd.debugUndetected, "debug-undetected", false, "output full list of genes detected in zero cells")
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
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "scmark stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       1,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"stats", "-local=true", fmt.Sprintf("-debug-undetected=%v", cmd.debugUndetected), "-i", *inputFilename, "-o", "/mnt/output/stats.json"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = ioutil.NopCloser(stdin)
	} else {
		input, err = open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}

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
	err = cmd.doStats(input, isGz(*inputFilename), bufw)
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

func (cmd *statscmd) doStats(input io.Reader, gz bool, output io.Writer) error {
	var ret struct {
		Fingerprint          string
		Genes                int
		Cells                int
		Nonzeros             int64
		ScaleFactor          float64
		MedianCountsPerCell  float64
		MedianGenesPerCell   float64
		MeanPctMito          float64
		GenesPerCellDeciles  []float64 `json:",omitempty"`
		CountsPerCellDeciles []float64 `json:",omitempty"`
		MetadataColumns      []string  `json:",omitempty"`
		VariableGenes        int       `json:",omitempty"`
		PCs                  int       `json:",omitempty"`
		SignificantPCs       int       `json:",omitempty"`
		JackstrawP           []float64 `json:",omitempty"`
		UndetectedGenes      []string  `json:",omitempty"`
	}

	sawHeader := false
	var genes []GeneInfo
	var qc []CellQC
	var cellsPerGene []int
	err := DecodeDataset(input, gz, func(ent DatasetEntry) error {
		if ent.Header != nil {
			if sawHeader {
				return errors.New("invalid input: contains multiple headers")
			}
			if ent.Header.FormatVersion != datasetFormatVersion {
				return fmt.Errorf("format version %d, this build reads version %d", ent.Header.FormatVersion, datasetFormatVersion)
			}
			sawHeader = true
			ret.Fingerprint = fmt.Sprintf("%x", ent.Header.Fingerprint)
			ret.ScaleFactor = ent.Header.ScaleFactor
		}
		genes = append(genes, ent.Genes...)
		ret.Cells += len(ent.Barcodes)
		if chunk := ent.MatrixChunk; chunk != nil {
			ret.Nonzeros += int64(len(chunk.Rows))
			for _, row := range chunk.Rows {
				if need := 1 + int(row) - len(cellsPerGene); need > 0 {
					cellsPerGene = append(cellsPerGene, make([]int, need)...)
				}
				cellsPerGene[row]++
			}
		}
		qc = append(qc, ent.CellQC...)
		if ent.Metadata != nil {
			ret.MetadataColumns = ent.Metadata.Columns
		}
		if ent.VariableGenes != nil {
			ret.VariableGenes = len(ent.VariableGenes)
		}
		if ent.PCA != nil {
			ret.PCs = ent.PCA.PCs
			ret.JackstrawP = ent.PCA.JackstrawP
			for _, p := range ent.PCA.JackstrawP {
				if p < jackstrawAlpha {
					ret.SignificantPCs++
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	if !sawHeader {
		return errors.New("invalid input: no dataset header")
	}
	ret.Genes = len(genes)

	if len(qc) > 0 {
		counts := make([]float64, len(qc))
		ngenes := make([]float64, len(qc))
		pctmito := make([]float64, len(qc))
		for i, c := range qc {
			counts[i] = c.TotalCounts
			ngenes[i] = float64(c.DetectedGenes)
			pctmito[i] = c.PctMito
		}
		sort.Float64s(counts)
		sort.Float64s(ngenes)
		ret.MedianCountsPerCell = stat.Quantile(0.5, stat.Empirical, counts, nil)
		ret.MedianGenesPerCell = stat.Quantile(0.5, stat.Empirical, ngenes, nil)
		ret.MeanPctMito = stat.Mean(pctmito, nil)
		for i := 1; i <= 9; i++ {
			q := float64(i) / 10
			ret.GenesPerCellDeciles = append(ret.GenesPerCellDeciles, stat.Quantile(q, stat.Empirical, ngenes, nil))
			ret.CountsPerCellDeciles = append(ret.CountsPerCellDeciles, stat.Quantile(q, stat.Empirical, counts, nil))
		}
	}

	if cmd.debugUndetected {
		for i, g := range genes {
			if i >= len(cellsPerGene) || cellsPerGene[i] == 0 {
				ret.UndetectedGenes = append(ret.UndetectedGenes, fmt.Sprintf("%s %s", g.ID, g.Name))
			}
		}
	}

	return json.NewEncoder(output).Encode(ret)
}
