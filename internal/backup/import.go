package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/store"
)

// maxLineBytes bounds a single export line.
const maxLineBytes = 4 << 20

// ImportOutput contains the result of an import.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes a record that was not imported.
type ImportError struct {
	Line    int    `json:"line,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Key     string `json:"key,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type lineRecord struct {
	Record
	line int
}

// Import reads an export file from dir into tables.
//
// With store.ConflictFail nothing is written if any line is bad or any key
// is already stored; the problems are listed in the output. With
// ConflictReplace or ConflictSkip bad lines are listed and the rest is
// imported. Each kind is restored with one save.
func Import(ctx context.Context, tables []Table, dir, path string, conflict store.Conflict) (*ImportOutput, error) {
	switch conflict {
	case "":
		conflict = store.ConflictFail
	case store.ConflictFail, store.ConflictReplace, store.ConflictSkip:
	default:
		return nil, errors.NewParse(errors.ParseUnknownMode, "mode must be one of: error, replace, skip")
	}

	importPath := ResolvePath(path, dir)
	if err := ValidatePath(importPath, PathCheckRead, dir); err != nil {
		return nil, err
	}

	file, err := openFileNoFollowRead(importPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	byKind := tableMap(tables)
	records, lineErrors, err := parseExport(file, byKind)
	if err != nil {
		return nil, err
	}

	out := &ImportOutput{Errors: lineErrors}
	if out.Errors == nil {
		out.Errors = []ImportError{}
	}

	if conflict == store.ConflictFail {
		if len(lineErrors) > 0 {
			return out, nil
		}
		collisions, err := findCollisions(ctx, byKind, records)
		if err != nil {
			return nil, err
		}
		if len(collisions) > 0 {
			out.Errors = collisions
			return out, nil
		}
	}

	grouped := make(map[string]map[string]json.RawMessage)
	for _, rec := range records {
		if grouped[rec.Kind] == nil {
			grouped[rec.Kind] = make(map[string]json.RawMessage)
		}
		grouped[rec.Kind][rec.Key] = rec.Value
	}

	kinds := make([]string, 0, len(grouped))
	for kind := range grouped {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		written, skipped, err := byKind[kind].Restore(ctx, grouped[kind], conflict)
		if err != nil {
			return nil, err
		}
		out.Imported += len(written)
		out.Skipped += len(skipped)
	}
	return out, nil
}

// parseExport reads the header and every record. Bad records become line
// errors; a missing or foreign header fails the whole file.
func parseExport(r io.Reader, byKind map[string]Table) ([]lineRecord, []ImportError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		records    []lineRecord
		lineErrors []ImportError
		seen       = make(map[string]int)
		headerSeen bool
		lineNum    int
	)

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if !headerSeen {
			var h Header
			if err := json.Unmarshal(line, &h); err != nil || !h.GrimbotExport {
				return nil, nil, errors.NewParse(errors.ParseMalformed, "file is not a grimbot export")
			}
			if h.SchemaVersion != SchemaVersion {
				return nil, nil, errors.NewParse(errors.ParseMalformed,
					fmt.Sprintf("unsupported export schema %q", h.SchemaVersion))
			}
			headerSeen = true
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			lineErrors = append(lineErrors, ImportError{
				Line:    lineNum,
				Code:    string(errors.ErrParse),
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}

		bad := func(code errors.ErrorCode, msg string) {
			lineErrors = append(lineErrors, ImportError{
				Line: lineNum, Kind: rec.Kind, Key: rec.Key, Code: string(code), Message: msg,
			})
		}
		switch {
		case byKind[rec.Kind] == nil:
			bad(errors.ErrNotFound, fmt.Sprintf("unknown kind %q", rec.Kind))
		case rec.Key == "":
			bad(errors.ErrParse, "missing key")
		case len(rec.Value) == 0 || !json.Valid(rec.Value):
			bad(errors.ErrParse, "missing value")
		default:
			id := rec.Kind + "\x00" + rec.Key
			if first, dup := seen[id]; dup {
				bad(errors.ErrAlreadyExists, fmt.Sprintf("duplicate of line %d", first))
				continue
			}
			seen[id] = lineNum
			records = append(records, lineRecord{Record: rec, line: lineNum})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.NewParse(errors.ParseMalformed, fmt.Sprintf("failed to read file: %v", err))
	}
	if !headerSeen {
		return nil, nil, errors.NewParse(errors.ParseMalformed, "file is not a grimbot export")
	}
	return records, lineErrors, nil
}

// findCollisions lists records whose key is already stored.
func findCollisions(ctx context.Context, byKind map[string]Table, records []lineRecord) ([]ImportError, error) {
	existing := make(map[string]map[string]json.RawMessage)
	var collisions []ImportError
	for _, rec := range records {
		current, ok := existing[rec.Kind]
		if !ok {
			dump, err := byKind[rec.Kind].Dump(ctx)
			if err != nil {
				return nil, err
			}
			existing[rec.Kind] = dump
			current = dump
		}
		if _, taken := current[rec.Key]; taken {
			collisions = append(collisions, ImportError{
				Line:    rec.line,
				Kind:    rec.Kind,
				Key:     rec.Key,
				Code:    string(errors.ErrAlreadyExists),
				Message: fmt.Sprintf("%s %q already exists", rec.Kind, rec.Key),
			})
		}
	}
	return collisions, nil
}
