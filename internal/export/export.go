// Package export writes the task collection in portable formats and reads
// it back from JSON Lines.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/taskify/tasksync/internal/store"
	"github.com/taskify/tasksync/internal/task"
)

// Format is an output encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
)

// Formats lists the supported formats.
var Formats = []Format{FormatJSON, FormatJSONL, FormatYAML, FormatTOML}

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unknown format %q (want json, jsonl, yaml or toml)", s)
}

// document is the top-level shape of the YAML and TOML outputs.
type document struct {
	Tasks []task.Task `json:"tasks" yaml:"tasks" toml:"tasks"`
}

// Write encodes tasks to w. Device-local fields are dropped.
func Write(w io.Writer, f Format, tasks []task.Task) error {
	out := make([]task.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
		out[i].NotificationID = ""
	}

	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, t := range out {
			if err := enc.Encode(t); err != nil {
				return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
			}
		}
		return nil

	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(document{Tasks: out}); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()

	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(document{Tasks: out}); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown format %q", f)
	}
}

// WriteFile writes tasks to path atomically via a temp file.
func WriteFile(path string, f Format, tasks []task.Task) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := Write(file, f, tasks); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read    int
	Added   int
	Updated int
	Skipped int
	Errors  []string
}

// ReadJSONL parses one task per line. Blank lines are ignored. Lines that do
// not decode or validate are reported in the result and skipped; missing
// defaults are filled in with now. Ownership and reminder handles are
// cleared, since they belong to the exporting device.
func ReadJSONL(r io.Reader, now time.Time) ([]task.Task, *ImportResult, error) {
	result := &ImportResult{}
	var tasks []task.Task

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		result.Read++

		var t task.Task
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}

		t.OwnerID = ""
		t.NotificationID = ""
		t.SetDefaults(now)
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = now
		}
		if err := t.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		tasks = append(tasks, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return tasks, result, nil
}

// Import stores tasks in repo. New ids are added; existing ids are
// overwritten only by a strictly newer copy. With dryRun nothing is written
// and the counts describe what would happen.
func Import(ctx context.Context, repo *store.Repository, tasks []task.Task, result *ImportResult, dryRun bool) error {
	if result == nil {
		result = &ImportResult{}
	}
	for _, t := range tasks {
		cur, exists := repo.Get(t.ID)

		if dryRun {
			switch {
			case !exists:
				result.Added++
			case t.NewerThan(cur):
				result.Updated++
			default:
				result.Skipped++
			}
			continue
		}

		if !exists {
			if _, err := repo.Add(ctx, t); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					result.Skipped++
					continue
				}
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", t.ID, err))
				continue
			}
			result.Added++
			continue
		}

		// Keep ownership of the local copy so the task stays ours.
		t.OwnerID = cur.OwnerID
		applied, err := repo.ReplaceIfNewer(ctx, t)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", t.ID, err))
			continue
		}
		if applied {
			result.Updated++
		} else {
			result.Skipped++
		}
	}
	return repo.PersistErr()
}
