package evolution

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/uke16/Helix-sub001/internal/dataflow"
)

// ValidateCommands are run in the test environment by Validate. Empty
// commands are skipped.
type ValidateCommands struct {
	Syntax string `koanf:"syntax" yaml:"syntax,omitempty" json:"syntax,omitempty"`
	Unit   string `koanf:"unit" yaml:"unit,omitempty" json:"unit,omitempty"`
	E2E    string `koanf:"e2e" yaml:"e2e,omitempty" json:"e2e,omitempty"`
}

// Environment pairs a test tree with the production tree it mirrors.
type Environment struct {
	TestDir     string           `koanf:"test_dir" yaml:"test_dir" json:"test_dir"`
	ProdDir     string           `koanf:"prod_dir" yaml:"prod_dir" json:"prod_dir"`
	TestService ServiceConfig    `koanf:"test_service" yaml:"test_service" json:"test_service"`
	ProdService ServiceConfig    `koanf:"prod_service" yaml:"prod_service" json:"prod_service"`
	Validate    ValidateCommands `koanf:"validate" yaml:"validate" json:"validate"`
	// Timeout bounds each validation command.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// clearDir removes everything inside dir, creating dir if needed.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// replaceTree makes dst an exact copy of src.
func replaceTree(src, dst string) error {
	if err := clearDir(dst); err != nil {
		return fmt.Errorf("clear %s: %w", dst, err)
	}
	if err := os.MkdirAll(src, 0o755); err != nil {
		return err
	}
	return dataflow.CopyTree(src, dst)
}

// copyFiles copies rel paths from src into dst.
func copyFiles(src, dst string, rel []string) error {
	for _, r := range rel {
		from := filepath.Join(src, filepath.FromSlash(r))
		to := filepath.Join(dst, filepath.FromSlash(r))
		if err := dataflow.CopyFile(from, to); err != nil {
			return fmt.Errorf("copy %s: %w", r, err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
