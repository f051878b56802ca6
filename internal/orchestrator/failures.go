package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"
)

// FailedDownloads is the on-disk list of files that can be retried later.
type FailedDownloads struct {
	SessionID string                    `json:"session_id,omitempty"`
	URL       string                    `json:"url,omitempty"`
	Retryable []models.ReplayDescriptor `json:"retryable"`
	Permanent []models.ReplayDescriptor `json:"permanent"`
}

func (f FailedDownloads) All() []models.ReplayDescriptor {
	out := make([]models.ReplayDescriptor, 0, len(f.Retryable)+len(f.Permanent))
	out = append(out, f.Retryable...)
	return append(out, f.Permanent...)
}

// SaveFailures writes f to path, replacing any earlier list. An empty list removes the file.
func SaveFailures(path string, f FailedDownloads) error {
	if len(f.Retryable) == 0 && len(f.Permanent) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		return nil
	}
	if !helpers.CheckAndMakeDir(filepath.Dir(path)) {
		return fmt.Errorf("creating directory for %s", path)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling failed downloads: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func LoadFailures(path string) (FailedDownloads, error) {
	var f FailedDownloads
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decoding %s: %w", path, err)
	}
	return f, nil
}
