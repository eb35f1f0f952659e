package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/StricklySoft/stricklysoft-pipelines/internal/demo"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/orchestrator"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// sampleTranscript is the input of a run without --input.
const sampleTranscript = `Alice: Thanks for joining. The launch moves to Friday.
Bob: Great news, the team is happy with the new date.
Alice: Send the notes to carol@example.com or call 555-010-4477.`

var (
	runFile      string
	runInput     string
	runInputFile string
	runTenant    string
	runWatch     bool
	runFlaky     map[string]int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline against the demo providers",
	Long: `Run executes a pipeline and prints its execution record as JSON.

Without --file the built-in meeting-notes pipeline runs. --watch streams
the execution's events to stderr while it runs. --flaky makes a provider
fail its first N calls, which shows the fallback chain at work:

  pipelinectl run --watch --flaky whisper-demo=5`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "pipeline YAML spec")
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "pipeline input text")
	runCmd.Flags().StringVar(&runInputFile, "input-file", "", "read the pipeline input from a file")
	runCmd.Flags().StringVarP(&runTenant, "tenant", "t", "demo", "tenant billed for the run")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "stream events to stderr")
	runCmd.Flags().StringToIntVar(&runFlaky, "flaky", nil, "provider=n pairs; each provider fails its first n calls")
}

func runRun(cmd *cobra.Command, _ []string) error {
	def, err := loadDefinition(runFile)
	if err != nil {
		return err
	}
	input, err := readInput(runInput, runInputFile)
	if err != nil {
		return err
	}

	a := newApp(appConfig, logger, runFlaky)
	return a.run(cmd.Context(), func(ctx context.Context, orch *orchestrator.Orchestrator) error {
		rec, err := execute(ctx, orch, def, input, runTenant, watchWriter(cmd))
		if err != nil {
			return err
		}
		if err := printRecord(cmd.OutOrStdout(), rec); err != nil {
			return err
		}
		printSummary(cmd.ErrOrStderr(), rec)
		if rec.Status == models.ExecutionStatusFailed || rec.Status == models.ExecutionStatusCancelled {
			return sserr.Newf(sserr.CodeInternal, "execution %s %s", rec.ID, rec.Status)
		}
		return nil
	})
}

// execute registers def, submits it and waits for the terminal record.
// Events are written to watch as JSON lines when watch is non-nil.
func execute(ctx context.Context, orch *orchestrator.Orchestrator, def *pipeline.Definition, input any, tenant string, watch io.Writer) (*models.ExecutionRecord, error) {
	if err := orch.RegisterPipeline(def); err != nil {
		return nil, err
	}
	id, err := orch.Execute(ctx, def.Name(), input, tenant)
	if err != nil {
		return nil, err
	}
	if watch != nil {
		stream, err := orch.SubscribeEvents(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := writeEvents(watch, stream); err != nil {
			return nil, err
		}
	}
	return orch.Wait(ctx, id)
}

func writeEvents(w io.Writer, stream <-chan events.Event) error {
	enc := json.NewEncoder(w)
	for e := range stream {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func watchWriter(cmd *cobra.Command) io.Writer {
	if !runWatch {
		return nil
	}
	return cmd.ErrOrStderr()
}

// loadDefinition parses path, or builds the demo pipeline when path is
// empty.
func loadDefinition(path string) (*pipeline.Definition, error) {
	if path == "" {
		return demo.MeetingNotes(logger)
	}
	return pipeline.LoadSpecFile(path, demo.Compensators(logger))
}

func readInput(text, path string) (string, error) {
	switch {
	case text != "" && path != "":
		return "", sserr.New(sserr.CodeValidation, "--input and --input-file are mutually exclusive")
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", sserr.Wrapf(err, sserr.CodeValidation, "failed to read input file %s", path)
		}
		return string(data), nil
	case text != "":
		return text, nil
	default:
		return sampleTranscript, nil
	}
}

func printRecord(w io.Writer, rec *models.ExecutionRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// printSummary writes a one-line colored outcome.
func printSummary(w io.Writer, rec *models.ExecutionRecord) {
	attr := color.FgGreen
	symbol := "✓"
	switch rec.Status {
	case models.ExecutionStatusPartiallySucceeded:
		attr, symbol = color.FgYellow, "!"
	case models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
		attr, symbol = color.FgRed, "✗"
	}
	fmt.Fprintf(w, "%s %s %s in %s, cost %s\n",
		color.New(attr).Sprint(symbol), rec.ID, rec.Status, rec.Duration(), rec.TotalCost.StringFixed(4))
}
