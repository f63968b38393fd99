package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"shadegate/internal/models"
)

// DeviceFile keeps the device records as a single JSON document keyed by
// chip id. Writes go to a temporary file that is renamed over the target.
type DeviceFile struct {
	path string
}

func NewDeviceFile(path string) *DeviceFile {
	return &DeviceFile{path: path}
}

var _ DeviceStore = (*DeviceFile)(nil)

// Load reads the snapshot. A missing file is an empty store; a corrupt one
// is reported so the caller can decide to start empty.
func (r *DeviceFile) Load(_ context.Context) ([]models.DeviceRecord, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read device snapshot %q: %w", r.path, err)
	}

	var byID map[string]models.DeviceRecord
	if err := json.Unmarshal(b, &byID); err != nil {
		return nil, fmt.Errorf("decode device snapshot %q: %w", r.path, err)
	}

	out := make([]models.DeviceRecord, 0, len(byID))
	for id, d := range byID {
		d.ChipID = id
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChipID < out[j].ChipID })
	return out, nil
}

// Save overwrites the snapshot with records.
func (r *DeviceFile) Save(_ context.Context, records []models.DeviceRecord) error {
	byID := make(map[string]models.DeviceRecord, len(records))
	for _, d := range records {
		byID[d.ChipID] = d
	}
	b, err := json.MarshalIndent(byID, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device snapshot: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot in %q: %w", dir, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace device snapshot %q: %w", r.path, err)
	}
	return nil
}
