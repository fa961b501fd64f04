// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

const datasetFormatVersion = 1

// DatasetHeader is the first entry of every dataset stream.
// Fingerprint binds derived artifacts (cluster assignments) to the
// exact matrix they were computed from.
type DatasetHeader struct {
	FormatVersion int
	CreatedAt     time.Time
	CommandLine   []string
	ScaleFactor   float64
	Fingerprint   [blake2b.Size256]byte
}

// CellQC holds the per-cell quality metrics computed before
// filtering.
type CellQC struct {
	TotalCounts   float64
	DetectedGenes int
	PctMito       float64
}

// MatrixChunk carries a contiguous run of matrix columns. ColPtr is
// local to the chunk (ColPtr[0]==0); StartCol says where the run
// begins in the full matrix.
type MatrixChunk struct {
	StartCol int
	NCols    int
	ColPtr   []int64
	Rows     []int32
	Counts   []float64
}

// PCAResult holds the fitted principal components. CellEmbeddings is
// nCells × PCs row-major; GeneLoadings is row-major with one row per
// variable gene, aligned with Dataset.VariableGenes. JackstrawP has
// one empirical p-value per component, or is nil if jackstraw was not
// run.
type PCAResult struct {
	PCs            int
	CellEmbeddings []float64
	GeneLoadings   []float64
	Variances      []float64
	JackstrawP     []float64
}

// DatasetEntry is one element of a dataset gob stream. Every field is
// optional; large fields arrive chunked across consecutive entries.
type DatasetEntry struct {
	Header        *DatasetHeader
	Genes         []GeneInfo
	Barcodes      []string
	MatrixChunk   *MatrixChunk
	CellQC        []CellQC
	Metadata      *cellMetadata
	VariableGenes []int32
	PCA           *PCAResult
}

// Dataset is the in-memory form of a prepared dataset.
type Dataset struct {
	Header        DatasetHeader
	Matrix        *countMatrix
	CellQC        []CellQC
	Metadata      *cellMetadata
	VariableGenes []int32
	PCA           *PCAResult
}

// DecodeDataset reads a dataset gob stream, decompressing if gz, and
// calls f once per entry until EOF or error.
func DecodeDataset(rdr io.Reader, gz bool, f func(DatasetEntry) error) error {
	if gz {
		zr, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<22))
		if err != nil {
			return err
		}
		defer zr.Close()
		rdr = zr
	}
	dec := gob.NewDecoder(bufio.NewReaderSize(rdr, 1<<22))
	for {
		var ent DatasetEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		err = f(ent)
		if err != nil {
			return err
		}
	}
}

// LoadDataset reads and assembles a full dataset from the named file
// (gzip detected by a .gz suffix, keep: paths accepted).
func LoadDataset(fnm string) (*Dataset, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loadDatasetStream(f, isGz(fnm), fnm)
}

// loadDatasetStream assembles a full dataset from an entry stream. fnm
// appears in error messages only.
func loadDatasetStream(rdr io.Reader, gz bool, fnm string) (*Dataset, error) {
	ds := &Dataset{Matrix: &countMatrix{ColPtr: []int64{0}}}
	sawHeader := false
	err := DecodeDataset(rdr, gz, func(ent DatasetEntry) error {
		if ent.Header != nil {
			if sawHeader {
				return fmt.Errorf("%s: multiple header entries", fnm)
			}
			if ent.Header.FormatVersion != datasetFormatVersion {
				return fmt.Errorf("%s: format version %d, this build reads version %d", fnm, ent.Header.FormatVersion, datasetFormatVersion)
			}
			ds.Header = *ent.Header
			sawHeader = true
		}
		ds.Matrix.Genes = append(ds.Matrix.Genes, ent.Genes...)
		ds.Matrix.Barcodes = append(ds.Matrix.Barcodes, ent.Barcodes...)
		if chunk := ent.MatrixChunk; chunk != nil {
			if chunk.StartCol != len(ds.Matrix.ColPtr)-1 {
				return fmt.Errorf("%s: matrix chunk starts at column %d, expected %d", fnm, chunk.StartCol, len(ds.Matrix.ColPtr)-1)
			}
			base := int64(len(ds.Matrix.Rows))
			ds.Matrix.Rows = append(ds.Matrix.Rows, chunk.Rows...)
			ds.Matrix.Counts = append(ds.Matrix.Counts, chunk.Counts...)
			for _, p := range chunk.ColPtr[1:] {
				ds.Matrix.ColPtr = append(ds.Matrix.ColPtr, base+p)
			}
		}
		ds.CellQC = append(ds.CellQC, ent.CellQC...)
		if ent.Metadata != nil {
			ds.Metadata = ent.Metadata
		}
		if ent.VariableGenes != nil {
			ds.VariableGenes = ent.VariableGenes
		}
		if ent.PCA != nil {
			ds.PCA = ent.PCA
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, fmt.Errorf("%s: not a dataset file (no header entry)", fnm)
	}
	if len(ds.Matrix.ColPtr) != len(ds.Matrix.Barcodes)+1 {
		return nil, fmt.Errorf("%s: got %d matrix columns for %d barcodes", fnm, len(ds.Matrix.ColPtr)-1, len(ds.Matrix.Barcodes))
	}
	return ds, nil
}

const (
	chunkCells    = 100000
	chunkNonzeros = 1 << 22
)

// encode writes ds as a chunked gob stream.
func (ds *Dataset) encode(w io.Writer) error {
	enc := gob.NewEncoder(w)
	hdr := ds.Header
	err := enc.Encode(DatasetEntry{Header: &hdr})
	if err != nil {
		return err
	}
	err = enc.Encode(DatasetEntry{Genes: ds.Matrix.Genes})
	if err != nil {
		return err
	}
	for start := 0; start < len(ds.Matrix.Barcodes); start += chunkCells {
		end := start + chunkCells
		if end > len(ds.Matrix.Barcodes) {
			end = len(ds.Matrix.Barcodes)
		}
		err = enc.Encode(DatasetEntry{Barcodes: ds.Matrix.Barcodes[start:end]})
		if err != nil {
			return err
		}
	}
	for start := 0; start < ds.Matrix.nCells(); {
		end := start
		for end < ds.Matrix.nCells() &&
			(end == start || ds.Matrix.ColPtr[end+1]-ds.Matrix.ColPtr[start] <= chunkNonzeros) {
			end++
		}
		lo, hi := ds.Matrix.ColPtr[start], ds.Matrix.ColPtr[end]
		chunk := &MatrixChunk{
			StartCol: start,
			NCols:    end - start,
			ColPtr:   make([]int64, 0, end-start+1),
			Rows:     ds.Matrix.Rows[lo:hi],
			Counts:   ds.Matrix.Counts[lo:hi],
		}
		for j := start; j <= end; j++ {
			chunk.ColPtr = append(chunk.ColPtr, ds.Matrix.ColPtr[j]-lo)
		}
		err = enc.Encode(DatasetEntry{MatrixChunk: chunk})
		if err != nil {
			return err
		}
		start = end
	}
	for start := 0; start < len(ds.CellQC); start += chunkCells {
		end := start + chunkCells
		if end > len(ds.CellQC) {
			end = len(ds.CellQC)
		}
		err = enc.Encode(DatasetEntry{CellQC: ds.CellQC[start:end]})
		if err != nil {
			return err
		}
	}
	if ds.Metadata != nil {
		err = enc.Encode(DatasetEntry{Metadata: ds.Metadata})
		if err != nil {
			return err
		}
	}
	if ds.VariableGenes != nil {
		err = enc.Encode(DatasetEntry{VariableGenes: ds.VariableGenes})
		if err != nil {
			return err
		}
	}
	if ds.PCA != nil {
		err = enc.Encode(DatasetEntry{PCA: ds.PCA})
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes ds to the named file, gzipped if the name ends in
// .gz.
func (ds *Dataset) WriteFile(fnm string) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriterSize(f, 1<<22)
	var w io.Writer = bufw
	var zw *pgzip.Writer
	if isGz(fnm) {
		zw = pgzip.NewWriter(bufw)
		w = zw
	}
	err = ds.encode(w)
	if err != nil {
		return err
	}
	if zw != nil {
		err = zw.Close()
		if err != nil {
			return err
		}
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// ClusterSet is the serialized cluster/group assignment: one label
// per dataset cell, in dataset barcode order, bound to the producing
// dataset by its matrix fingerprint.
type ClusterSet struct {
	Fingerprint [blake2b.Size256]byte
	Barcodes    []string
	Labels      []string
}

// verify checks that cs was derived from ds.
func (cs *ClusterSet) verify(ds *Dataset) error {
	if cs.Fingerprint != ds.Header.Fingerprint {
		return fmt.Errorf("cluster assignment was built from a different dataset (fingerprint mismatch)")
	}
	if len(cs.Barcodes) != len(ds.Matrix.Barcodes) {
		return fmt.Errorf("cluster assignment has %d cells, dataset has %d", len(cs.Barcodes), len(ds.Matrix.Barcodes))
	}
	for i, b := range cs.Barcodes {
		if b != ds.Matrix.Barcodes[i] {
			return fmt.Errorf("cluster assignment barcode %d is %q, dataset has %q", i, b, ds.Matrix.Barcodes[i])
		}
	}
	return nil
}

// levels returns the distinct labels in first-seen order.
func (cs *ClusterSet) levels() []string {
	var levels []string
	seen := map[string]bool{}
	for _, label := range cs.Labels {
		if !seen[label] {
			seen[label] = true
			levels = append(levels, label)
		}
	}
	return levels
}

func loadClusterSet(fnm string) (*ClusterSet, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rdr io.Reader = bufio.NewReaderSize(f, 1<<20)
	if isGz(fnm) {
		zr, err := pgzip.NewReader(rdr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		defer zr.Close()
		rdr = zr
	}
	var cs ClusterSet
	err = gob.NewDecoder(rdr).Decode(&cs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(cs.Barcodes) != len(cs.Labels) {
		return nil, fmt.Errorf("%s: %d barcodes but %d labels", fnm, len(cs.Barcodes), len(cs.Labels))
	}
	return &cs, nil
}

func (cs *ClusterSet) WriteFile(fnm string) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriterSize(f, 1<<20)
	var w io.Writer = bufw
	var zw *pgzip.Writer
	if isGz(fnm) {
		zw = pgzip.NewWriter(bufw)
		w = zw
	}
	err = gob.NewEncoder(w).Encode(cs)
	if err != nil {
		return err
	}
	if zw != nil {
		err = zw.Close()
		if err != nil {
			return err
		}
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

func isGz(fnm string) bool {
	return strings.HasSuffix(fnm, ".gz")
}

// commandFingerprint hashes a command line, for naming derived
// container collections.
func commandFingerprint(args []string) string {
	var buf bytes.Buffer
	for _, arg := range args {
		fmt.Fprintf(&buf, "%q\n", arg)
	}
	sum := blake2b.Sum256(buf.Bytes())
	return fmt.Sprintf("%x", sum[:8])
}
