package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/export"
	"github.com/23skdu/longbow-bodkin/internal/imatrix"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// bodkin merges imatrix snapshots collected by engine runs, prints a
// per-tensor summary and optionally pushes the importance vectors to a
// Longbow server. Collection itself happens inside the engine process
// through the driver package; this binary only handles the snapshots.

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

var (
	outFile     = flag.String("o", "imatrix.dat", "Path to write the merged snapshot")
	pushAddr    = flag.String("push", "", "Longbow Flight address to push importance vectors to")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
	summary     = flag.Bool("summary", false, "Print a per-tensor summary of the merged data")
	lim         = flag.Bool("lim", false, "Print LIM scores (only meaningful for live-collected data)")
)

func main() {
	var inFiles fileList
	flag.Var(&inFiles, "in-file", "imatrix snapshot to merge (repeatable)")
	flag.Parse()

	logger.Setup(*logLevel, *logFormat)

	if len(inFiles) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one --in-file is required")
		flag.Usage()
		os.Exit(1)
	}

	// Start Metrics Server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("metrics serving", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Log.Warn("metrics server error", "error", err.Error())
		}
	}()

	// Signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	cfg.OutFile = *outFile
	cfg.InFiles = inFiles
	cfg.SourceDescription = "merged:" + inFiles.String()
	if err := cfg.Validate(); err != nil {
		logger.Log.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	col := imatrix.NewCollector(cfg.OutputFrequency, cfg.SaveFrequency, cfg.SourceDescription)
	for _, path := range inFiles {
		logger.Log.Info("loading imatrix", "path", path)
		if err := col.LoadFile(path); err != nil {
			logger.Log.Fatal("failed to load imatrix", "path", path, "error", err.Error())
		}
	}

	if err := col.SaveFile(cfg.OutFile, 0); err != nil {
		logger.Log.Error("failed to save merged imatrix", "error", err.Error())
		os.Exit(1)
	}
	logger.Log.Info("saved merged imatrix", "path", cfg.OutFile, "entries", col.Len())

	if *summary {
		for _, e := range col.ExportEntries() {
			fmt.Printf("%-48s ncall=%-6d nval=%d\n", e.Name, e.NCall, len(e.Values))
		}
	}
	if *lim {
		col.ComputeLIM(os.Stdout)
	}

	if *pushAddr != "" {
		pushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		client, err := export.NewFlightClient(*pushAddr)
		if err != nil {
			logger.Log.Error("failed to connect to Longbow", "addr", *pushAddr, "error", err.Error())
			os.Exit(1)
		}
		defer client.Close()
		if err := client.Push(pushCtx, col.ExportEntries()); err != nil {
			logger.Log.Error("push failed", "error", err.Error())
			os.Exit(1)
		}
	}
}
