package cli

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Config holds all the command-line flag values.
type Config struct {
	Preview     bool
	Yes         bool
	Undo        bool
	Redo        bool
	History     bool
	Prune       bool
	NoAnimation bool
	Workspace   string
	Workers     int
	Threshold   float64
	Extensions  []string
}

// ParseFlags defines and parses command-line flags using pflag.
func ParseFlags() (*Config, error) {
	cfg := &Config{}

	pflag.BoolVarP(&cfg.Preview, "preview", "p", false, "Show the diffs a patch description would produce without writing anything.")
	pflag.BoolVarP(&cfg.Yes, "yes", "y", false, "Apply without the interactive preview confirmation.")
	pflag.BoolVar(&cfg.NoAnimation, "no-animation", false, "Disable the TUI; print plain output.")
	pflag.StringVarP(&cfg.Workspace, "workspace", "C", "", "Workspace root (default: git root, then current directory).")
	pflag.IntVarP(&cfg.Workers, "workers", "w", 0, "Apply directives for distinct files concurrently with this many workers.")
	pflag.Float64Var(&cfg.Threshold, "threshold", 0, "Fuzzy match acceptance threshold (0,1]; overrides config.")
	pflag.StringSliceVarP(&cfg.Extensions, "extension", "e", []string{}, "Only apply directives whose target has one of these extensions (e.g. 'go', 'py').")

	// Mutually exclusive history group
	pflag.BoolVarP(&cfg.Undo, "undo", "u", false, "Undo the last applied batch.")
	pflag.BoolVarP(&cfg.Redo, "redo", "r", false, "Redo the last undone batch.")
	pflag.BoolVar(&cfg.History, "history", false, "List recorded batches.")
	pflag.BoolVar(&cfg.Prune, "prune", false, "Prune old batches and their backups per retention settings.")

	pflag.Usage = func() {
		fmt.Println("Usage: sew [flags]")
		fmt.Println("\nParse a patch description from stdin (pipe) or clipboard and stitch the edits into the workspace.")
		fmt.Println("\nExample: pbpaste | sew -e go")
		fmt.Println("\nFlags:")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	exclusive := 0
	for _, b := range []bool{cfg.Undo, cfg.Redo, cfg.History, cfg.Prune} {
		if b {
			exclusive++
		}
	}
	if exclusive > 1 {
		return nil, fmt.Errorf("error: --undo, --redo, --history and --prune are mutually exclusive")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("error: --threshold must be in (0,1]")
	}

	// Normalize extensions
	for i, ext := range cfg.Extensions {
		if len(ext) > 0 && ext[0] != '.' {
			cfg.Extensions[i] = "." + ext
		}
	}

	return cfg, nil
}
