package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.uber.org/zap"

	"github.com/receipty/receipty/internal/app"
	"github.com/receipty/receipty/internal/common"
	"github.com/receipty/receipty/internal/export"
	"github.com/receipty/receipty/internal/ingest"
	"github.com/receipty/receipty/internal/logger"
	"github.com/receipty/receipty/internal/pipeline"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	fs := ff.NewFlagSet("receipt-batch")
	var (
		sqlitePath = fs.StringLong("sqlite", "", "use this SQLite file instead of DB_DRIVER/DB_URL")
		dir        = fs.StringLong("ingest", "", "directory of OCR text files to add as pending receipts first (optional)")
		userStr    = fs.StringLong("user", "", "user id for ingested receipts (required with -ingest)")
		out        = fs.StringLong("out", "", "write an XLSX export of processed receipts here (optional)")
		fromStr    = fs.StringLong("from", "", "export from date YYYY-MM-DD")
		toStr      = fs.StringLong("to", "", "export to date YYYY-MM-DD")
		asJSON     = fs.BoolLong("json", "print the run summary as JSON")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("RECEIPTY")); err != nil {
		printError("%s\n", ffhelp.Flags(fs))
		printError("error: %v\n", err)
		os.Exit(1)
	}

	var userID uuid.UUID
	if *dir != "" {
		id, err := uuid.Parse(*userStr)
		if err != nil {
			printError("Error: --user must be a UUID when --ingest is set\n")
			os.Exit(1)
		}
		userID = id
	}
	from, err := parseDate(*fromStr)
	if err != nil {
		printError("Error: invalid --from date format, use YYYY-MM-DD: %v\n", err)
		os.Exit(1)
	}
	to, err := parseDate(*toStr)
	if err != nil {
		printError("Error: invalid --to date format, use YYYY-MM-DD: %v\n", err)
		os.Exit(1)
	}

	cfg := common.LoadConfig()
	if *sqlitePath != "" {
		cfg.Database.Driver = common.DriverSQLite
		cfg.Database.DSN = *sqlitePath
		cfg.Database.AutoMigrate = true
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		printError("logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	extractor, err := app.NewExtractor(ctx, cfg.LLM, log)
	if err != nil {
		log.Fatal("failed to build extractor", zap.Error(err))
	}
	pipe, err := app.NewPipeline(store, extractor, cfg.Batch, log)
	if err != nil {
		log.Fatal("failed to build pipeline", zap.Error(err))
	}

	if *dir != "" {
		_, stats, err := ingest.NewIngestor(pipe.Receipts, log).IngestDirectory(ctx, userID, *dir, true)
		if err != nil {
			log.Fatal("failed to ingest directory", zap.String("dir", *dir), zap.Error(err))
		}
		fmt.Printf("Ingested %d of %d text files (%d failed)\n", stats.Succeeded, stats.Matched, stats.Failed)
	}

	runCtx := ctx
	if cfg.Batch.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Batch.RunTimeout)
		defer cancel()
	}
	summary, runErr := pipe.Orchestrator.Run(runCtx)
	printSummary(summary, *asJSON)

	if *out != "" {
		xlsx, err := export.NewService(pipe.Receipts, log).ExportXLSX(ctx, export.Filter{From: from, To: to})
		if err != nil {
			log.Fatal("failed to export receipts", zap.Error(err))
		}
		if err := os.WriteFile(*out, xlsx, 0644); err != nil {
			log.Fatal("failed to write output file", zap.String("out", *out), zap.Error(err))
		}
		fmt.Printf("- Output: %s\n", *out)
	}

	if runErr != nil {
		printError("batch aborted: %v\n", runErr)
		os.Exit(2)
	}
}

func printSummary(s pipeline.Summary, asJSON bool) {
	if asJSON {
		b, _ := json.MarshalIndent(s, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("Batch %s complete!\n", s.RunID)
	fmt.Printf("- Attempted: %d\n", s.Attempted)
	fmt.Printf("- Succeeded: %d\n", s.Succeeded)
	fmt.Printf("- Failed: %d\n", s.Failed())
	if s.Skipped > 0 {
		fmt.Printf("- Skipped (claimed elsewhere): %d\n", s.Skipped)
	}
	for _, f := range s.Failures {
		fmt.Printf("  %s [%s] %s\n", f.ReceiptID, f.Stage, f.Message)
	}
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
