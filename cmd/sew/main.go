package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"sew/cli"
	"sew/internal/tui"
	"sew/internal/ui"
	"sew/model"
	"sew/sew"
)

func main() {
	cfg, err := cli.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app, err := sew.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// History maintenance flags never need the TUI.
	if cfg.Undo || cfg.Redo || cfg.History || cfg.Prune {
		if err := runMaintenance(app, cfg); err != nil {
			ui.Error("Error: %v", err)
			os.Exit(1)
		}
		return
	}

	if cfg.NoAnimation {
		if err := runPlain(app, cfg); err != nil {
			ui.Error("Error: %v", err)
			os.Exit(1)
		}
		return
	}

	m := tui.New(app, cfg)
	p := tea.NewProgram(m)
	m.SetProgram(p)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}

// runMaintenance handles undo, redo, history listing and pruning.
func runMaintenance(app *sew.App, cfg *cli.Config) error {
	ctx := context.Background()
	switch {
	case cfg.Undo:
		batch, err := app.Undo(ctx)
		if err != nil {
			return err
		}
		ui.Header("--- Undoing last batch ---")
		ui.PrintBatchSummary(batch)
	case cfg.Redo:
		batch, err := app.Redo(ctx)
		if err != nil {
			return err
		}
		ui.Header("--- Redoing last undone batch ---")
		ui.PrintBatchSummary(batch)
	case cfg.History:
		records := app.Records()
		if len(records) == 0 {
			ui.Info("No recorded batches.")
			return nil
		}
		for _, rec := range records {
			status := ""
			if rec.Undone {
				status = " (undone)"
			}
			ui.Header("%s  %s  %s%s", rec.Timestamp.Local().Format("2006-01-02 15:04:05"), rec.Kind, rec.BatchID[:8], status)
			for _, op := range rec.Ops {
				if op.Success {
					ui.Path("%s %s", op.Action, op.Path)
				} else {
					ui.Warning("  %s %s: %s", op.Action, op.Path, op.Message)
				}
			}
		}
	case cfg.Prune:
		removed, err := app.Prune()
		if err != nil {
			return err
		}
		ui.Info("Pruned %d backup snapshot(s).", removed)
	}
	return nil
}

// runPlain is the non-interactive path: parse, optionally preview, apply.
func runPlain(app *sew.App, cfg *cli.Config) error {
	content, err := app.Load()
	if err != nil {
		return err
	}
	if content == "" {
		ui.Warning("Source is empty. Nothing to process.")
		return nil
	}

	parsed := app.Parse(content)
	ui.PrintParseErrors(parsed.Errors)
	if len(parsed.Directives) == 0 {
		ui.Warning("No valid directives found.")
		return nil
	}

	if cfg.Preview {
		ui.PrintPreviews(app.Plan(parsed.Directives))
		return nil
	}

	bar := ui.NewProgressBar(len(parsed.Directives), "Applying")
	app.SetProgressCallback(func(done, total int, latest model.OperationResult) {
		bar.Increment()
	})
	batch, err := app.Apply(context.Background(), parsed.Directives)
	bar.Finish()
	if err != nil {
		return err
	}
	ui.PrintBatchSummary(batch)
	return nil
}
