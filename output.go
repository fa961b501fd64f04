// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

const markerTableHeader = "cluster\tgene\tp.adj\tp_val\tavg_logFC\tpct.1\tpct.2\tgene_id\tcluster_mean\tother_mean\n"

// writeMarkerTable writes one cluster's marker table as gzipped TSV.
// The header row is written even when recs is empty. Rows keep their
// gene even when no stable ID resolves; gene_id is then blank.
func writeMarkerTable(w io.Writer, cluster string, recs []markerStats, resolve *geneResolver) error {
	zw := pgzip.NewWriter(w)
	_, err := zw.Write([]byte(markerTableHeader))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		id, _ := resolve.lookup(rec.Gene)
		_, err = fmt.Fprintf(zw, "%s\t%s\t%g\t%g\t%0.4f\t%0.4f\t%0.4f\t%s\t%0.4f\t%0.4f\n",
			cluster, rec.Gene, rec.PAdj, rec.P, rec.AvgLogFC, rec.Pct1, rec.Pct2, id, rec.ClusterMean, rec.OtherMean)
		if err != nil {
			return err
		}
	}
	return zw.Close()
}

// writeUniverse writes the background gene set as a one-column
// gzipped TSV of stable gene IDs. Genes with no resolvable ID are
// dropped from the universe; the dropped count is logged.
func writeUniverse(w io.Writer, cluster string, genes []string, resolve *geneResolver) error {
	zw := pgzip.NewWriter(w)
	_, err := zw.Write([]byte("gene_id\n"))
	if err != nil {
		return err
	}
	dropped := 0
	for _, gene := range genes {
		id, ok := resolve.lookup(gene)
		if !ok {
			dropped++
			continue
		}
		_, err = fmt.Fprintf(zw, "%s\n", id)
		if err != nil {
			return err
		}
	}
	if dropped > 0 {
		log.Warnf("cluster %q: dropped %d of %d universe genes with no gene_id in dataset or annotations", cluster, dropped, len(genes))
	}
	return zw.Close()
}
