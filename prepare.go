// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type preparecmd struct {
	qc qcFilter
}

func (cmd *preparecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	matrixFile := flags.String("matrix", "", "sparse count matrix `file` (MatrixMarket coordinate format)")
	genesFile := flags.String("genes", "", "gene list `file` (TSV, no header: id, name)")
	barcodesFile := flags.String("barcodes", "", "cell barcode `file`, one per line (default: metadata row order)")
	metadataFile := flags.String("metadata", "", "cell metadata `file` (TSV keyed by the barcode column)")
	barcodeColumn := flags.String("barcode-column", "barcode", "metadata `column` containing cell barcodes")
	groupColumn := flags.String("group-column", "", "metadata `column` to group the cell-count audit table by")
	cellsFile := flags.String("cells", "", "`file` listing barcodes to keep (default: keep all)")
	blacklistFile := flags.String("blacklist", "", "`file` listing barcodes to drop")
	scaleFactor := flags.Float64("scale-factor", 10000, "normalization scale factor")
	nVariable := flags.Int("variable-genes", 2000, "number of variable genes to select")
	clip := flags.Float64("clip", 10, "clip scaled expression at ±`X`")
	pcs := flags.Int("pcs", 20, "number of principal components")
	jackstrawReps := flags.Int("jackstraw-reps", 100, "jackstraw replicates (0 to skip jackstraw)")
	jackstrawProp := flags.Float64("jackstraw-prop", 0.01, "fraction of genes permuted per jackstraw replicate")
	seed := flags.Int64("seed", 1, "pseudorandom seed for jackstraw")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	cmd.qc.Flags(flags)
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

	if *matrixFile == "" || *genesFile == "" || *metadataFile == "" {
		err = fmt.Errorf("-matrix, -genes, and -metadata are required")
		return 2
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "scmark prepare",
			OutputName:  "prepared dataset",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64000000000,
			VCPUs:       16,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		err = runner.TranslatePaths(matrixFile, genesFile, barcodesFile, metadataFile, cellsFile, blacklistFile)
		if err != nil {
			return 1
		}
		runner.Args = []string{"prepare", "-local=true",
			"-matrix", *matrixFile,
			"-genes", *genesFile,
			"-barcodes", *barcodesFile,
			"-metadata", *metadataFile,
			"-barcode-column", *barcodeColumn,
			"-group-column", *groupColumn,
			"-cells", *cellsFile,
			"-blacklist", *blacklistFile,
			fmt.Sprintf("-scale-factor=%g", *scaleFactor),
			fmt.Sprintf("-variable-genes=%d", *nVariable),
			fmt.Sprintf("-clip=%g", *clip),
			fmt.Sprintf("-pcs=%d", *pcs),
			fmt.Sprintf("-jackstraw-reps=%d", *jackstrawReps),
			fmt.Sprintf("-jackstraw-prop=%g", *jackstrawProp),
			fmt.Sprintf("-seed=%d", *seed),
			fmt.Sprintf("-threads=%d", runner.VCPUs),
			"-output-dir", "/mnt/output",
		}
		runner.Args = append(runner.Args, cmd.qc.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	ds, err := cmd.run(prog, args, matrixFile, genesFile, barcodesFile, metadataFile, barcodeColumn, groupColumn, cellsFile, blacklistFile, *scaleFactor, *outputDir)
	if err != nil {
		return 1
	}

	norm := newNormalizer(ds.Matrix, *scaleFactor)
	log.Printf("selecting %d variable genes", *nVariable)
	ds.VariableGenes = selectVariableGenes(ds.Matrix, norm, *nVariable)
	if len(ds.VariableGenes) == 0 {
		err = fmt.Errorf("no variable genes: every gene has zero mean or zero variance")
		return 1
	}
	log.Printf("selected %d variable genes", len(ds.VariableGenes))

	log.Print("scaling")
	scaled := scaleRows(ds.Matrix, norm, ds.VariableGenes, *clip)
	ds.PCA, err = fitPCA(scaled, *pcs)
	if err != nil {
		return 1
	}
	if *jackstrawReps > 0 {
		t0 := time.Now()
		log.Printf("jackstraw: %d replicates", *jackstrawReps)
		ds.PCA.JackstrawP, err = jackstraw(scaled, ds.PCA, *jackstrawReps, *jackstrawProp, *seed, *threads)
		if err != nil {
			return 1
		}
		significant := 0
		for _, p := range ds.PCA.JackstrawP {
			if p < jackstrawAlpha {
				significant++
			}
		}
		log.Printf("jackstraw done in %v: %d of %d components significant", time.Since(t0), significant, ds.PCA.PCs)
	}

	err = writePCANumpy(*outputDir+"/pca.npy", ds.PCA)
	if err != nil {
		return 1
	}

	fnm := *outputDir + "/dataset.gob.gz"
	log.Printf("writing %s", fnm)
	err = ds.WriteFile(fnm)
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}

// run loads the inputs, applies the cell and gene filters, writes the
// audit table, and returns the filtered dataset with QC metrics and
// fingerprint filled in.
func (cmd *preparecmd) run(prog string, args []string, matrixFile, genesFile, barcodesFile, metadataFile, barcodeColumn, groupColumn, cellsFile, blacklistFile *string, scaleFactor float64, outputDir string) (*Dataset, error) {
	f, err := zopen(*genesFile)
	if err != nil {
		return nil, err
	}
	genes, err := loadGeneList(f, *genesFile)
	f.Close()
	if err != nil {
		return nil, err
	}
	log.Printf("%s: %d genes", *genesFile, len(genes))

	f, err = zopen(*metadataFile)
	if err != nil {
		return nil, err
	}
	meta, err := loadCellMetadata(f, *metadataFile, *barcodeColumn)
	f.Close()
	if err != nil {
		return nil, err
	}
	log.Printf("%s: %d cells, %d metadata columns", *metadataFile, len(meta.Barcodes), len(meta.Columns))

	barcodes := meta.Barcodes
	if *barcodesFile != "" {
		f, err = zopen(*barcodesFile)
		if err != nil {
			return nil, err
		}
		barcodes, err = loadBarcodeList(f, *barcodesFile)
		f.Close()
		if err != nil {
			return nil, err
		}
		err = meta.reorder(barcodes)
		if err != nil {
			return nil, err
		}
	}

	f, err = zopen(*matrixFile)
	if err != nil {
		return nil, err
	}
	log.Printf("reading %s", *matrixFile)
	m, err := loadMatrixMarket(f, *matrixFile, genes, barcodes)
	f.Close()
	if err != nil {
		return nil, err
	}
	log.Printf("reading done, %d genes × %d cells, %d nonzero", m.nGenes(), m.nCells(), m.nnz())

	var whitelist, blacklist []string
	if *cellsFile != "" {
		f, err = zopen(*cellsFile)
		if err != nil {
			return nil, err
		}
		whitelist, err = loadBarcodeList(f, *cellsFile)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	if *blacklistFile != "" {
		f, err = zopen(*blacklistFile)
		if err != nil {
			return nil, err
		}
		blacklist, err = loadBarcodeList(f, *blacklistFile)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	keep, err := subsetFromLists(m.Barcodes, whitelist, blacklist)
	if err != nil {
		return nil, err
	}

	log.Print("computing cell QC metrics")
	qc := computeCellQC(m)
	keepCells := cmd.qc.applyCells(qc, keep)
	nKept := 0
	for _, k := range keepCells {
		if k {
			nKept++
		}
	}
	if nKept == 0 {
		return nil, fmt.Errorf("no cells pass the QC filters (min-genes=%d, max-pct-mito=%g)", cmd.qc.MinGenes, cmd.qc.MaxPctMito)
	}

	var groups []string
	if *groupColumn != "" {
		groups, err = meta.column(*groupColumn)
		if err != nil {
			return nil, err
		}
	}
	countsFnm := outputDir + "/cellcounts.tsv"
	cf, err := os.Create(countsFnm)
	if err != nil {
		return nil, err
	}
	err = writeCellCounts(cf, groups, keepCells)
	if err != nil {
		cf.Close()
		return nil, err
	}
	err = cf.Close()
	if err != nil {
		return nil, err
	}
	log.Printf("%s: %d of %d cells retained", countsFnm, nKept, m.nCells())

	filtered := m.subset(nil, keepCells)
	keptQC := make([]CellQC, 0, nKept)
	for j, k := range keepCells {
		if k {
			keptQC = append(keptQC, qc[j])
		}
	}
	keepGenes := cmd.qc.applyGenes(filtered)
	filtered = filtered.subset(keepGenes, nil)
	log.Printf("%d of %d genes retained", filtered.nGenes(), m.nGenes())
	if filtered.nGenes() == 0 {
		return nil, fmt.Errorf("no genes detected in at least %d cells", cmd.qc.MinCellsPerGene)
	}

	ds := &Dataset{
		Header: DatasetHeader{
			FormatVersion: datasetFormatVersion,
			CreatedAt:     time.Now(),
			CommandLine:   append([]string{prog}, args...),
			ScaleFactor:   scaleFactor,
			Fingerprint:   filtered.fingerprint(),
		},
		Matrix:   filtered,
		CellQC:   keptQC,
		Metadata: meta.subset(keepCells),
	}
	return ds, nil
}

// writePCANumpy writes the per-cell embeddings as a cells × PCs
// float64 numpy array.
func writePCANumpy(fnm string, pca *PCAResult) error {
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{len(pca.CellEmbeddings) / pca.PCs, pca.PCs}
	err = npw.WriteFloat64(pca.CellEmbeddings)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
