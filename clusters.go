// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"encoding/gob"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// clusterImporter converts an externally computed cluster assignment
// (a TSV keyed by cell barcode) into a ClusterSet bound to a prepared
// dataset by fingerprint.
type clusterImporter struct{}

func (cmd *clusterImporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	datasetFile := flags.String("dataset", "", "prepared dataset `file` (dataset.gob.gz)")
	assignmentsFile := flags.String("assignments", "", "cluster assignment `file` (TSV)")
	barcodeColumn := flags.String("barcode-column", "barcode", "assignment `column` containing cell barcodes")
	clusterColumn := flags.String("cluster-column", "cluster", "assignment `column` containing cluster labels")
	outputFilename := flags.String("o", "-", "output `file`")
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

	if *datasetFile == "" || *assignmentsFile == "" {
		err = fmt.Errorf("-dataset and -assignments are required")
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = fmt.Errorf("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "scmark import-clusters",
			OutputName:  "cluster assignment",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       2,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		err = runner.TranslatePaths(datasetFile, assignmentsFile)
		if err != nil {
			return 1
		}
		runner.Args = []string{"import-clusters", "-local=true",
			"-dataset", *datasetFile,
			"-assignments", *assignmentsFile,
			"-barcode-column", *barcodeColumn,
			"-cluster-column", *clusterColumn,
			"-o", "/mnt/output/clusters.gob.gz",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/clusters.gob.gz")
		return 0
	}

	// The assignment only needs the dataset's identity and cell
	// order, so skip assembling the matrix chunks.
	var hdr *DatasetHeader
	var barcodes []string
	f, err := open(*datasetFile)
	if err != nil {
		return 1
	}
	err = DecodeDataset(f, isGz(*datasetFile), func(ent DatasetEntry) error {
		if ent.Header != nil {
			if ent.Header.FormatVersion != datasetFormatVersion {
				return fmt.Errorf("%s: format version %d, this build reads version %d", *datasetFile, ent.Header.FormatVersion, datasetFormatVersion)
			}
			hdr = ent.Header
		}
		barcodes = append(barcodes, ent.Barcodes...)
		return nil
	})
	f.Close()
	if err != nil {
		return 1
	}
	if hdr == nil {
		err = fmt.Errorf("%s: not a dataset file (no header entry)", *datasetFile)
		return 1
	}

	af, err := zopen(*assignmentsFile)
	if err != nil {
		return 1
	}
	assignments, err := loadCellMetadata(af, *assignmentsFile, *barcodeColumn)
	af.Close()
	if err != nil {
		return 1
	}
	err = assignments.reorder(barcodes)
	if err != nil {
		return 1
	}
	labels, err := assignments.column(*clusterColumn)
	if err != nil {
		return 1
	}
	for i, label := range labels {
		if label == "" {
			err = fmt.Errorf("%s: empty cluster label for barcode %q", *assignmentsFile, barcodes[i])
			return 1
		}
	}

	cs := &ClusterSet{
		Fingerprint: hdr.Fingerprint,
		Barcodes:    barcodes,
		Labels:      labels,
	}
	log.Printf("%d cells in %d clusters", len(cs.Barcodes), len(cs.levels()))
	if *outputFilename == "-" {
		err = gob.NewEncoder(stdout).Encode(cs)
	} else {
		err = cs.WriteFile(*outputFilename)
	}
	if err != nil {
		return 1
	}
	return 0
}
