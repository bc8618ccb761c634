package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/dietbot/examples"
)

// runInit writes an example config and the data directory into dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing DietBot in %s\n", dir)

	for _, sub := range []string{"db", filepath.Join("db", "objects")} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, kept)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then create the profile with:")
	fmt.Fprintln(w, "  dietbot profile set name=... age=... height_cm=... weight_kg=... goal_weight_kg=... activity_level=... timezone=...")
	return nil
}

// writeIfMissing writes content to path only if the file does not exist.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
