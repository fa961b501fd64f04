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
	log "github.com/sirupsen/logrus"
)

// dumpDataset writes a plain-text description of a dataset or cluster
// gob artifact, for debugging.
type dumpDataset struct{}

func (cmd *dumpDataset) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputFilename := flags.String("i", "-", "input `file` (dataset or cluster assignment)")
	outputFilename := flags.String("o", "-", "output `file`")
	kind := flags.String("kind", "dataset", "input `kind` (dataset or clusters)")
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

	if *kind != "dataset" && *kind != "clusters" {
		err = fmt.Errorf("unsupported -kind %q", *kind)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "scmark dump-dataset",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"dump-dataset", "-local=true", "-kind", *kind, "-i", *inputFilename, "-o", "/mnt/output/dump.txt"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/dump.txt")
		return 0
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriterSize(output, 8*1024*1024)

	if *kind == "clusters" {
		err = cmd.dumpClusters(*inputFilename, bufw)
	} else {
		err = cmd.dump(*inputFilename, bufw)
	}
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

func (cmd *dumpDataset) dump(fnm string, bufw io.Writer) error {
	input, err := open(fnm)
	if err != nil {
		return err
	}
	defer input.Close()

	var n, nGenes, nCells, nQC int
	var nnz int64
	err = DecodeDataset(input, isGz(fnm), func(ent DatasetEntry) error {
		n++
		if hdr := ent.Header; hdr != nil {
			fmt.Fprintf(bufw, "ent %d: Header, format %d, created %s, scale factor %g, fingerprint %x, command %q\n", n, hdr.FormatVersion, hdr.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), hdr.ScaleFactor, hdr.Fingerprint, hdr.CommandLine)
		}
		if len(ent.Genes) > 0 {
			nGenes += len(ent.Genes)
			fmt.Fprintf(bufw, "ent %d: Genes, len %d\n", n, len(ent.Genes))
		}
		if len(ent.Barcodes) > 0 {
			nCells += len(ent.Barcodes)
			fmt.Fprintf(bufw, "ent %d: Barcodes, len %d\n", n, len(ent.Barcodes))
		}
		if chunk := ent.MatrixChunk; chunk != nil {
			nnz += int64(len(chunk.Rows))
			fmt.Fprintf(bufw, "ent %d: MatrixChunk, start col %d, cols %d, nonzeros %d\n", n, chunk.StartCol, chunk.NCols, len(chunk.Rows))
		}
		if len(ent.CellQC) > 0 {
			nQC += len(ent.CellQC)
			fmt.Fprintf(bufw, "ent %d: CellQC, len %d\n", n, len(ent.CellQC))
		}
		if meta := ent.Metadata; meta != nil {
			fmt.Fprintf(bufw, "ent %d: Metadata, columns %v, rows %d\n", n, meta.Columns, len(meta.Rows))
		}
		if ent.VariableGenes != nil {
			fmt.Fprintf(bufw, "ent %d: VariableGenes, len %d\n", n, len(ent.VariableGenes))
		}
		if pca := ent.PCA; pca != nil {
			fmt.Fprintf(bufw, "ent %d: PCA, components %d, embeddings %d, variances %v, jackstraw %v\n", n, pca.PCs, len(pca.CellEmbeddings), pca.Variances, pca.JackstrawP)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(bufw, "total: ents %d, genes %d, cells %d, qc %d, nonzeros %d\n", n, nGenes, nCells, nQC, nnz)
	return err
}

func (cmd *dumpDataset) dumpClusters(fnm string, bufw io.Writer) error {
	cs, err := loadClusterSet(fnm)
	if err != nil {
		return err
	}
	fmt.Fprintf(bufw, "fingerprint %x\n", cs.Fingerprint)
	counts := map[string]int{}
	for _, label := range cs.Labels {
		counts[label]++
	}
	for _, level := range cs.levels() {
		fmt.Fprintf(bufw, "cluster %q: %d cells\n", level, counts[level])
	}
	_, err = fmt.Fprintf(bufw, "total: %d cells, %d clusters\n", len(cs.Barcodes), len(counts))
	return err
}
