package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"firestige.xyz/vtrace/internal/config"
)

// Write encodes s to w in the given output format.
func Write(w io.Writer, format string, s *Summary) error {
	switch format {
	case config.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case config.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	case config.FormatText, "":
		_, err := io.WriteString(w, Text(w, s))
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// WriteFile writes s to path, or to stdout when path is empty.
func WriteFile(path, format string, s *Summary) error {
	if path == "" {
		return Write(os.Stdout, format, s)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Write(f, format, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
