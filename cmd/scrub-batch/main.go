package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pii"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"github.com/mkarlsen/ticketscrub/internal/source"
	"github.com/mkarlsen/ticketscrub/internal/store"
)

func main() {
	var (
		inputFile   = flag.String("input", "", "Input export file (CSV, JSON/JSONL, or Parquet)")
		outputFile  = flag.String("output", "", "Output JSONL file (default: stdout)")
		mappingSpec = flag.String("mapping", "", "Field mapping as target=column pairs, comma separated (default: columns matching target field names)")
		minLength   = flag.Int("min-length", 0, "Filter out messages shorter than this many bytes")
		minChars    = flag.Int("min-chars", 0, "Filter out messages with fewer letters and digits than this")
		statusValue = flag.String("resolved-status", "", "Keep only rows whose status equals this value")
		roleField   = flag.String("role-field", "", "Column identifying the sender role when no sender_role mapping exists")
		agentValue  = flag.String("agent-value", "agent", "Role value that marks agent messages")
		noDetect    = flag.Bool("no-deidentify", false, "Skip PII de-identification entirely")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *inputFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input export.csv --output clean.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input export.parquet --mapping message_content=body,sender_role=author_type\n", os.Args[0])
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling...")
		cancel()
	}()

	if err := run(ctx, *inputFile, *outputFile, *mappingSpec, &pipeline.ProcessingConfig{
		DeIdentificationEnabled: !*noDetect,
		DetectNames:             true,
		DetectEmails:            true,
		DetectPhones:            true,
		DetectCompanies:         true,
		DetectAddresses:         true,
		MinMessageLength:        *minLength,
		MinCharacterCount:       *minChars,
		ResolvedStatusValue:     *statusValue,
		RoleIdentifierField:     *roleField,
		AgentRoleValue:          *agentValue,
	}, log); err != nil {
		log.Fatal("Batch processing failed", zap.Error(err))
	}
}

func run(ctx context.Context, inputFile, outputFile, mappingSpec string, cfg *pipeline.ProcessingConfig, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	reader := source.NewReader(log.WithComponent("source"))
	rows, err := reader.ReadFile(inputFile)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("input file contains no rows")
	}

	mapping, err := buildMapping(mappingSpec, rows[0])
	if err != nil {
		return err
	}
	if mapping[pipeline.TargetMessageContent] == "" {
		return fmt.Errorf("no column mapped to %s; use --mapping", pipeline.TargetMessageContent)
	}

	log.Info("Processing export",
		zap.String("file", inputFile),
		zap.Int("rows", len(rows)),
		zap.Int("mapped_fields", len(mapping)),
	)

	// The offline tool runs the same orchestrator as the API server, against
	// an in-memory store seeded with one project and one source.
	mem := store.NewMemory()
	mem.AddProject(1)
	mem.SetConfig(1, cfg)
	mem.AddSource(&pipeline.Source{ID: 1, ProjectID: 1, Name: inputFile, Mapping: mapping}, rows)

	detector := pii.NewDetector(log.WithComponent("pii"))
	orch := pipeline.NewOrchestrator(mem, mem, mem, mem, detector, pipeline.Config{}, log.WithComponent("pipeline"))

	// The background row loop runs on the orchestrator's internal context,
	// not ctx; Shutdown with the already-cancelled ctx stops it immediately.
	go func() {
		<-ctx.Done()
		orch.Shutdown(ctx)
	}()

	run, err := orch.Trigger(ctx, 1, 0)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	orch.Wait()

	final, err := orch.GetRun(ctx, 1, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load run result: %w", err)
	}

	log.Info("Processing completed",
		zap.String("status", string(final.Status)),
		zap.Int("processed", final.ProcessedRecords),
		zap.Int("filtered", final.FilteredRecords),
		zap.Int("errors", final.ErrorRecords),
	)

	if final.Status != pipeline.StatusCompleted {
		return fmt.Errorf("run finished with status %s: %s", final.Status, final.ErrorMessage)
	}

	if final.Statistics != nil {
		c := final.Statistics.PIICounts
		log.Info("PII detected",
			zap.Int("names", c.Names),
			zap.Int("emails", c.Emails),
			zap.Int("phones", c.Phones),
			zap.Int("companies", c.Companies),
			zap.Int("addresses", c.Addresses),
		)
		for _, rowErr := range final.Statistics.Errors {
			log.Warn("Row error", zap.Int("row", rowErr.Row), zap.String("error", rowErr.Message))
		}
	}

	var out io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := orch.Export(ctx, 1, run.ID, 0, out); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if outputFile != "" {
		log.Info("Output written", zap.String("file", outputFile))
	}
	return nil
}

// buildMapping parses --mapping target=column pairs. When no spec is given,
// every known target field that matches a column name maps to itself.
func buildMapping(spec string, sample pipeline.Row) (pipeline.Mapping, error) {
	mapping := make(pipeline.Mapping)
	if spec == "" {
		for _, target := range pipeline.TargetFields() {
			if _, ok := sample[target]; ok {
				mapping[target] = target
			}
		}
		return mapping, nil
	}

	for _, pair := range strings.Split(spec, ",") {
		target, column, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || target == "" || column == "" {
			return nil, fmt.Errorf("invalid mapping pair %q", pair)
		}
		mapping[target] = column
	}
	return mapping, nil
}
