// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// stackwalk symbolicates a single minidump and prints the report.
//
//	stackwalk -config crashmill.cfg -dump crash.dmp -format text
//
// Without a config file it runs with a throwaway cache and no symbol
// sources, producing an address-only report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crashmill/crashmill/pkg/log"
	"github.com/crashmill/crashmill/pkg/processor"
	"github.com/google/uuid"
)

var (
	flagConfig = flag.String("config", "", "configuration file")
	flagDump   = flag.String("dump", "", "minidump file to process")
	flagFormat = flag.String("format", "text", "output format (json/text)")
)

func main() {
	flag.Parse()
	// Recent log output is folded into the error on processing failure.
	log.EnableLogCaching(1000, 1<<20)
	if *flagDump == "" {
		fmt.Fprintf(os.Stderr, "usage: stackwalk -dump crash.dmp [-config crashmill.cfg] [-format json|text]\n")
		os.Exit(1)
	}
	var cfg *processor.Config
	if *flagConfig != "" {
		var err error
		cfg, err = processor.LoadConfig(*flagConfig)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		cfg = &processor.Config{CacheDir: filepath.Join(os.TempDir(), "crashmill-symcache")}
	}
	proc, err := processor.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer proc.Close()

	data, err := os.ReadFile(*flagDump)
	if err != nil {
		log.Fatal(err)
	}
	rep, err := proc.Process(context.Background(), uuid.Nil, data)
	if err != nil {
		log.Fatalf("processing failed: %v\n%v", err, log.CachedLogOutput())
	}
	switch *flagFormat {
	case "json":
		data, err := rep.JSON()
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(data)
	case "text":
		os.Stdout.Write(rep.Text())
	default:
		log.Fatalf("unknown format %q", *flagFormat)
	}
}
