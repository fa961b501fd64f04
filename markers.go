// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type markerscmd struct {
	test  markerTestConfig
	batch batchArgs
}

func (cmd *markerscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	pprofdir := flags.String("pprof-dir", "", "write Go profile data to `directory` periodically")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	preemptible := flags.Bool("preemptible", true, "request preemptible instance")
	threads := flags.Int("threads", runtime.NumCPU(), "number of worker threads")
	datasetFile := flags.String("dataset", "", "prepared dataset `file` (dataset.gob.gz)")
	clustersFile := flags.String("clusters", "", "cluster assignment `file` (clusters.gob.gz)")
	clusterName := flags.String("cluster", "", "only test `cluster` (default: all clusters)")
	conserveColumn := flags.String("conserve-column", "", "metadata `column` whose levels must each show the marker independently")
	contrastColumn := flags.String("contrast-column", "", "metadata `column` for a within-cluster contrast")
	contrastArg := flags.String("contrast", "", "comma-separated `pair` of contrast-column values (group A, group B)")
	annotationsFile := flags.String("annotations", "", "gene annotation `file` mapping gene names to stable IDs")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	cmd.test.Flags(flags)
	cmd.batch.Flags(flags)
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
	if *pprofdir != "" {
		go writeProfilesPeriodically(*pprofdir)
	}

	if *datasetFile == "" || *clustersFile == "" {
		err = fmt.Errorf("-dataset and -clusters are required")
		return 2
	}
	err = cmd.test.Validate()
	if err != nil {
		return 2
	}
	var contrast []string
	if *contrastArg != "" {
		contrast = strings.Split(*contrastArg, ",")
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "scmark markers",
			OutputName:  "conserved marker tables",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         32000000000,
			VCPUs:       16,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		err = runner.TranslatePaths(datasetFile, clustersFile, annotationsFile)
		if err != nil {
			return 1
		}
		baseargs := []string{"markers", "-local=true",
			"-dataset", *datasetFile,
			"-clusters", *clustersFile,
			"-cluster", *clusterName,
			"-conserve-column", *conserveColumn,
			"-contrast-column", *contrastColumn,
			"-contrast", *contrastArg,
			"-annotations", *annotationsFile,
			fmt.Sprintf("-threads=%d", runner.VCPUs),
			"-output-dir", "/mnt/output",
		}
		baseargs = append(baseargs, cmd.test.Args()...)
		runner.OutputName = fmt.Sprintf("%s (%s)", runner.OutputName, commandFingerprint(baseargs))
		var outputs []string
		outputs, err = cmd.batch.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
			runner := runner
			if cmd.batch.batches > 1 {
				runner.Name = fmt.Sprintf("%s (batch %d of %d)", runner.Name, batch, cmd.batch.batches)
			}
			runner.Args = append(append([]string(nil), baseargs...), cmd.batch.Args(batch)...)
			return runner.RunContext(ctx)
		})
		if err != nil {
			return 1
		}
		for _, output := range outputs {
			fmt.Fprintln(stdout, output)
		}
		return 0
	}

	ds, err := LoadDataset(*datasetFile)
	if err != nil {
		return 1
	}
	cs, err := loadClusterSet(*clustersFile)
	if err != nil {
		return 1
	}
	err = cs.verify(ds)
	if err != nil {
		return 1
	}

	var ann map[string]string
	if *annotationsFile != "" {
		ann, err = loadGeneAnnotations(*annotationsFile)
		if err != nil {
			return 1
		}
	}
	resolver := newGeneResolver(ds.Matrix.Genes, ann)

	clusters := cs.levels()
	if *clusterName != "" {
		found := false
		for _, c := range clusters {
			if c == *clusterName {
				found = true
				break
			}
		}
		if !found {
			err = fmt.Errorf("cluster %q not present in %s (have %v)", *clusterName, *clustersFile, clusters)
			return 1
		}
		clusters = []string{*clusterName}
	}
	clusters = cmd.batch.partition(clusters)

	norm := newNormalizer(ds.Matrix, ds.Header.ScaleFactor)
	for _, cluster := range clusters {
		err = cmd.runCluster(ds, cs, norm, resolver, cluster, *contrastColumn, contrast, *conserveColumn, *threads, *outputDir)
		if err != nil {
			return 1
		}
	}
	log.Print("done")
	return 0
}

// runCluster tests one cluster across all of its conservation levels
// and writes the marker and universe tables.
func (cmd *markerscmd) runCluster(ds *Dataset, cs *ClusterSet, norm *normalizer, resolver *geneResolver, cluster, contrastColumn string, contrast []string, conserveColumn string, threads int, outputDir string) error {
	comparisons, err := buildComparisons(cs, ds.Metadata, cluster, contrastColumn, contrast, conserveColumn)
	if err != nil {
		return err
	}
	var levels []levelResult
	for _, cmp := range comparisons {
		res, err := runMarkerTest(ds.Matrix, norm, cmp, &cmd.test, threads)
		if err != nil {
			return err
		}
		if res != nil {
			levels = append(levels, *res)
		}
	}
	recs := conservedMarkers(levels, cmd.test.MaxPAdj)
	universe := conservedUniverse(levels)
	log.Printf("cluster %q: %d levels tested, %d conserved markers, %d universe genes", cluster, len(levels), len(recs), len(universe))

	err = writeFileAtomic(fmt.Sprintf("%s/markers.%s.tsv.gz", outputDir, cluster), func(w io.Writer) error {
		return writeMarkerTable(w, cluster, recs, resolver)
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(fmt.Sprintf("%s/universe.%s.tsv.gz", outputDir, cluster), func(w io.Writer) error {
		return writeUniverse(w, cluster, universe, resolver)
	})
}

// writeFileAtomic writes to fnm+".partial", then renames into place,
// so an interrupted run never leaves a truncated table behind.
func writeFileAtomic(fnm string, write func(io.Writer) error) error {
	f, err := os.Create(fnm + ".partial")
	if err != nil {
		return err
	}
	err = write(f)
	if err != nil {
		f.Close()
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}
	return os.Rename(fnm+".partial", fnm)
}
