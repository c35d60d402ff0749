package backup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/hpungsan/grimbot/internal/errors"
)

// ExportOutput contains the result of an export.
type ExportOutput struct {
	Path       string         `json:"path"`
	Count      int            `json:"count"`
	Kinds      map[string]int `json:"kinds"`
	ExportedAt int64          `json:"exported_at"`
}

// Export writes every entity of tables to path, or to a timestamped file in
// dir when path is empty. The file is written to a temp name and renamed
// into place, so an existing export survives a failed run.
func Export(ctx context.Context, tables []Table, dir, path string, now time.Time) (*ExportOutput, error) {
	exportPath := ResolvePath(path, dir)
	if exportPath == "" {
		exportPath = DefaultExportPath(dir, now)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}
	if err := ValidatePath(exportPath, PathCheckWrite, dir); err != nil {
		return nil, err
	}

	// Snapshot everything first; a failed dump writes nothing.
	kinds := make(map[string]int, len(tables))
	var records []Record
	for _, t := range tables {
		entries, err := t.Dump(ctx)
		if err != nil {
			return nil, err
		}
		kinds[t.Kind()] = len(entries)
		for key, value := range entries {
			records = append(records, Record{Kind: t.Kind(), Key: key, Value: value})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Kind != records[j].Kind {
			return records[i].Kind < records[j].Kind
		}
		return records[i].Key < records[j].Key
	})

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	header := Header{GrimbotExport: true, SchemaVersion: SchemaVersion, ExportedAt: now.Unix()}
	if err := enc.Encode(header); err != nil {
		return nil, errors.NewInternal(err)
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := enc.Encode(rec); err != nil {
			return nil, errors.NewInternal(err)
		}
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	// Close before rename (required on Windows).
	if err := file.Close(); err != nil {
		file = nil
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlink planted since validation.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewParse(errors.ParseMalformed, "export path is a symlink")
	}

	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewAlreadyExists("export", exportPath)
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	return &ExportOutput{
		Path:       exportPath,
		Count:      len(records),
		Kinds:      kinds,
		ExportedAt: now.Unix(),
	}, nil
}

// DefaultExportPath returns dir/grimbot-<timestamp>.jsonl.
func DefaultExportPath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("grimbot-%s.jsonl", now.UTC().Format("2006-01-02T150405")))
}
