package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shadegate/internal/models"
)

func TestDeviceFile_MissingFileIsEmpty(t *testing.T) {
	store := NewDeviceFile(filepath.Join(t.TempDir(), "devices.json"))
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}

func TestDeviceFile_CorruptFileIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDeviceFile(path).Load(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestDeviceFile_SaveOverwritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	store := NewDeviceFile(path)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	first := []models.DeviceRecord{
		{ChipID: "42", Name: "Shade 42", RawPosition: 850, CurrentPercent: 85, Online: true, FirstSeen: now, LastSeen: now},
		{ChipID: "7", Name: "Shade 7", FirstSeen: now, LastSeen: now},
	}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := []models.DeviceRecord{first[0]}
	second[0].Online = false
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].ChipID != "42" || got[0].Online {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if !got[0].FirstSeen.Equal(now) {
		t.Fatalf("first_seen lost: %v", got[0].FirstSeen)
	}

	// no temp files left behind
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot file, found %d entries", len(entries))
	}
}
