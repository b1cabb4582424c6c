package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"voxpipe/internal/domain"
)

const manifestName = "manifest.json"

// Manifest is the durable per-session record written into meta/.
type Manifest struct {
	JobID       string           `json:"job_id"`
	RecordingID string           `json:"recording_id"`
	Status      domain.JobStatus `json:"status"`
	Recording   domain.Recording `json:"recording"`
	Options     domain.Options   `json:"options"`
	Stages      []domain.Stage   `json:"stages"`
	Artifacts   domain.Artifacts `json:"artifacts"`
	CreatedAt   string           `json:"created_at"`
	FinishedAt  string           `json:"finished_at,omitempty"`
}

// WriteManifest writes the manifest atomically (temp file + rename).
func WriteManifest(metaDir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(metaDir, manifestName+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(metaDir, manifestName))
}

// ReadManifest loads the manifest from meta/.
func ReadManifest(metaDir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(metaDir, manifestName))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}
