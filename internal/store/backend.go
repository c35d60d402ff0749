package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hpungsan/grimbot/internal/db"
	"github.com/hpungsan/grimbot/internal/errors"
)

// Backend persists one entity kind as a whole mapping of key to raw JSON.
// Load reports a missing mapping as empty. Save replaces the mapping
// all-or-nothing.
type Backend interface {
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	Save(ctx context.Context, entries map[string]json.RawMessage) error
	Close() error
}

var errBlankFile = stderrors.New("file is empty")

// FileBackend stores a kind in a single JSON file.
type FileBackend struct {
	Path string
}

// NewFileBackend returns a backend writing dir/<kind>.json.
func NewFileBackend(dir, kind string) *FileBackend {
	return &FileBackend{Path: filepath.Join(dir, kind+".json")}
}

func (b *FileBackend) name() string {
	return filepath.Base(b.Path)
}

// Load reads the file. Only a missing file is an empty mapping; a file
// that is present but unreadable, blank or truncated is CORRUPT_DATA.
func (b *FileBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.Path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, errors.NewCorruptData(b.name(), err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.NewCorruptData(b.name(), errBlankFile)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.NewCorruptData(b.name(), err)
	}
	if entries == nil {
		entries = map[string]json.RawMessage{}
	}
	return entries, nil
}

// Save writes to a temp file in the same directory, syncs it, then renames
// it over the previous file.
func (b *FileBackend) Save(ctx context.Context, entries map[string]json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.NewInternal(fmt.Errorf("encode %s: %w", b.name(), err))
	}
	data = append(data, '\n')

	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.NewStoreIO(b.name(), err)
	}

	file, err := os.CreateTemp(dir, b.name()+".*.tmp")
	if err != nil {
		return errors.NewStoreIO(b.name(), err)
	}
	tempPath := file.Name()

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := file.Write(data); err != nil {
		return errors.NewStoreIO(b.name(), err)
	}
	if err := file.Sync(); err != nil {
		return errors.NewStoreIO(b.name(), err)
	}
	if err := file.Close(); err != nil {
		file = nil
		return errors.NewStoreIO(b.name(), err)
	}
	file = nil

	if err := os.Rename(tempPath, b.Path); err != nil {
		return errors.NewStoreIO(b.name(), err)
	}
	success = true
	return nil
}

// Close is a no-op; the file is only open during Load and Save.
func (b *FileBackend) Close() error {
	return nil
}

// SQLiteBackend stores a kind as rows of the entities table. The database
// handle is shared between kinds and is not closed by the backend.
type SQLiteBackend struct {
	DB   *sql.DB
	Kind string
}

// NewSQLiteBackend returns a backend for kind on database.
func NewSQLiteBackend(database *sql.DB, kind string) *SQLiteBackend {
	return &SQLiteBackend{DB: database, Kind: kind}
}

func (b *SQLiteBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	entries, err := db.LoadEntities(ctx, b.DB, b.Kind)
	if err != nil {
		return nil, errors.NewStoreIO(b.Kind, err)
	}
	for key, raw := range entries {
		if !json.Valid(raw) {
			return nil, errors.NewCorruptData(b.Kind, fmt.Errorf("row %q is not valid JSON", key))
		}
	}
	return entries, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, entries map[string]json.RawMessage) error {
	if err := db.ReplaceEntities(ctx, b.DB, b.Kind, entries); err != nil {
		return errors.NewStoreIO(b.Kind, err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return nil
}
