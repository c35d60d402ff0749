// Package backup writes entity stores to JSON Lines files and reads them
// back.
//
// An export starts with a header line followed by one record per entity,
// ordered by kind and key:
//
//	{"_grimbot_export":true,"schema_version":"1","exported_at":1700000000}
//	{"kind":"characters","key":"zara","value":{"user":1,"name":"Zara",...}}
//
// Files are only read from and written to a single configured directory.
package backup

import (
	"context"
	"encoding/json"

	"github.com/hpungsan/grimbot/internal/store"
)

// SchemaVersion is written to every export header.
const SchemaVersion = "1"

// Table is one entity kind that can be dumped and restored.
// *store.Store satisfies it.
type Table interface {
	Kind() string
	Dump(ctx context.Context) (map[string]json.RawMessage, error)
	Restore(ctx context.Context, entries map[string]json.RawMessage, conflict store.Conflict) (written, skipped []string, err error)
}

// Header is the first line of an export file.
type Header struct {
	GrimbotExport bool   `json:"_grimbot_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
}

// Record is one exported entity.
type Record struct {
	Kind  string          `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func tableMap(tables []Table) map[string]Table {
	m := make(map[string]Table, len(tables))
	for _, t := range tables {
		m[t.Kind()] = t
	}
	return m
}
