// Command reconcile runs a one-shot reconciliation of the FIFO
// valuation against a warehouse extract file and writes the report to
// stdout or a file. Meant for scheduled month-end runs outside the API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/stocklens/stocklens/internal/config"
	"github.com/stocklens/stocklens/pkg/valuation"
	"github.com/stocklens/stocklens/pkg/valuation/storage"
)

func main() {
	var (
		company     = flag.String("company", "", "company identifier to reconcile")
		extractPath = flag.String("extract", "", "path to the tab-separated ground-truth extract")
		outPath     = flag.String("out", "", "output file (default stdout)")
		dateStr     = flag.String("date", "", "extract date as YYYY-MM-DD (default today)")
		format      = flag.String("format", "json", "output format: json or tsv")
		timeout     = flag.Duration("timeout", 5*time.Minute, "overall run timeout")
	)
	flag.Parse()

	if *company == "" || *extractPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *format != "json" && *format != "tsv" {
		log.Fatalf("unknown format: %s", *format)
	}

	date := time.Now().UTC()
	if *dateStr != "" {
		parsed, err := time.Parse("2006-01-02", *dateStr)
		if err != nil {
			log.Fatal("failed to parse date:", err)
		}
		date = parsed
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	text, err := os.ReadFile(*extractPath)
	if err != nil {
		logger.Fatal("failed to read extract file", zap.Error(err))
	}
	rows, err := valuation.ParseExtract(string(text))
	if err != nil {
		logger.Fatal("failed to parse extract", zap.Error(err))
	}

	readers, err := storage.NewPostgresReaders(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer readers.Close()

	engine := valuation.NewEngine(readers, readers, nil, logger, nil, &valuation.Config{
		PosTimeout:     cfg.Valuation.PosTimeout,
		MaxConcurrency: cfg.Valuation.MaxConcurrency,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := engine.RunComparison(ctx, *company, rows, date)
	if err != nil {
		logger.Fatal("reconciliation failed", zap.Error(err))
	}

	var output []byte
	if *format == "tsv" {
		output = []byte(engine.GenerateReport(report))
	} else {
		output, err = json.MarshalIndent(report, "", "  ")
		if err != nil {
			logger.Fatal("failed to encode report", zap.Error(err))
		}
		output = append(output, '\n')
	}

	if *outPath == "" {
		os.Stdout.Write(output)
	} else if err := os.WriteFile(*outPath, output, 0o644); err != nil {
		logger.Fatal("failed to write report file", zap.Error(err))
	}

	logger.Info("reconciliation complete",
		zap.String("company", *company),
		zap.String("run_id", report.RunID),
		zap.Int("matched", report.Summary.MatchedCount),
		zap.Int("internal_only", report.Summary.InternalOnlyCount),
		zap.Int("external_only", report.Summary.ExternalOnlyCount),
	)
}
