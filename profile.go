// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmark

import (
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

func writeProfilesPeriodically(outdir string) {
	for range time.NewTicker(time.Minute).C {
		writeProfile(outdir+"/mem.prof", func(f *os.File) error {
			runtime.GC()
			return pprof.WriteHeapProfile(f)
		})
		writeProfile(outdir+"/cpu.prof", func(f *os.File) error {
			runtime.GC()
			if err := pprof.StartCPUProfile(f); err != nil {
				return err
			}
			time.Sleep(time.Second)
			pprof.StopCPUProfile()
			return nil
		})
	}
}

// writeProfile fills fnm~ and renames it over fnm, so readers never
// see a partially written profile.
func writeProfile(fnm string, fill func(*os.File) error) {
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	if err := fill(f); err != nil {
		log.Print(err)
		return
	}
	if err := f.Close(); err != nil {
		log.Print(err)
		return
	}
	if err := os.Rename(fnm+"~", fnm); err != nil {
		log.Print(err)
	}
}
