package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/config"
	"github.com/nugget/dietbot/internal/estimate"
	"github.com/nugget/dietbot/internal/ledger"
)

// printGateway writes outbound messages to a terminal instead of
// WhatsApp.
type printGateway struct {
	w io.Writer
}

func (g printGateway) SendText(_ context.Context, _, text string) (string, error) {
	fmt.Fprintln(g.w, text)
	return "cli", nil
}

func (g printGateway) SendImage(_ context.Context, _, imageURL, caption string) (string, error) {
	if caption != "" {
		fmt.Fprintln(g.w, caption)
	}
	fmt.Fprintln(g.w, imageURL)
	return "cli", nil
}

// cliApp loads the config and opens the shared stores for a one-shot
// subcommand. Logs go to stderr so stdout carries only the result.
func cliApp(ctx context.Context, stderr io.Writer, configPath string) (*app, *slog.Logger, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if level == "" || level == "info" {
		level = "warn"
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

// runAsk runs one user_message turn against the configured ledger and
// models, printing whatever the assistant sends back. The message is
// stored like any other.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, text string) error {
	a, _, err := cliApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	orch := a.newOrchestrator(printGateway{w: stdout}, a.newRegistry(nil))
	res, err := orch.HandleEvent(ctx, agent.Event{
		UserID:  a.cfg.UserID,
		Trigger: agent.TriggerUserMessage,
		Type:    ledger.TypeText,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if res.Status == agent.StatusSilent {
		fmt.Fprintln(stderr, "(no reply)")
	}
	return nil
}

// runEstimate prints the estimation service's answer for a description
// without touching the ledger.
func runEstimate(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt, text string) error {
	a, _, err := cliApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	foods := a.estimator.Estimate(ctx, estimate.Input{Text: text})
	if outputFmt == "json" {
		return writeJSON(stdout, foods)
	}
	return printFoods(stdout, foods)
}

func printFoods(w io.Writer, foods []ledger.Food) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOOD\tGRAMS\tKCAL\tPROTEIN\tCARBS\tFAT")
	var total float64
	for _, f := range foods {
		total += f.Calories
		fmt.Fprintf(tw, "%s\t%.0f\t%.0f\t%.1f\t%.1f\t%.1f\n",
			f.Name, f.EstimatedGrams, f.Calories, f.Macros.ProteinG, f.Macros.CarbsG, f.Macros.FatG)
	}
	fmt.Fprintf(tw, "total\t\t%.0f\t\t\t\n", total)
	return tw.Flush()
}
