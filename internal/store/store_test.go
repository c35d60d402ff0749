package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/grimbot/internal/db"
	"github.com/hpungsan/grimbot/internal/errors"
)

type sheet struct {
	Name  string            `json:"name"`
	Stats map[string]uint32 `json:"stats,omitempty"`
}

func (s sheet) Clone() sheet {
	out := s
	if s.Stats != nil {
		out.Stats = make(map[string]uint32, len(s.Stats))
		for k, v := range s.Stats {
			out.Stats[k] = v
		}
	}
	return out
}

func newFileStore(t *testing.T, dir string) *Store[sheet] {
	t.Helper()
	return New[sheet]("characters", NewFileBackend(dir, "characters"), WithRetryDelay(0))
}

func TestStore_MissingFileIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t, t.TempDir())

	_, ok, err := s.Get(ctx, "Zara")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_UpsertPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newFileStore(t, dir)
	require.NoError(t, s.Upsert(ctx, "Zara", sheet{Name: "Zara", Stats: map[string]uint32{"grit": 3}}))

	reopened := newFileStore(t, dir)
	got, ok, err := reopened.Get(ctx, "Zara")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), got.Stats["grit"])

	// Only the final file remains; no temp files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "characters.json", entries[0].Name())
}

func TestStore_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t, t.TempDir())

	require.NoError(t, s.Upsert(ctx, "Zara", sheet{Name: "first"}))
	require.NoError(t, s.Upsert(ctx, "Zara", sheet{Name: "second"}))

	got, _, err := s.Get(ctx, "Zara")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}

func TestStore_EmptyKey(t *testing.T) {
	s := newFileStore(t, t.TempDir())
	err := s.Upsert(context.Background(), "", sheet{})
	assert.True(t, errors.Is(err, errors.ErrParse))
}

func TestStore_ConcurrentDistinctKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newFileStore(t, dir)

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("c%02d", i)
			assert.NoError(t, s.Upsert(ctx, name, sheet{Name: name}))
		}(i)
	}
	wg.Wait()

	reopened := newFileStore(t, dir)
	keys, err := reopened.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 40)
	assert.Equal(t, "c00", keys[0])
}

func TestStore_CorruptFilePoisons(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "characters.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0600))

	s := newFileStore(t, dir)

	_, _, err := s.Get(ctx, "Zara")
	assert.True(t, errors.Is(err, errors.ErrCorruptData), "Get error = %v", err)

	err = s.Upsert(ctx, "Zara", sheet{Name: "Zara"})
	assert.True(t, errors.Is(err, errors.ErrCorruptData), "Upsert error = %v", err)

	// The corrupt file is left for the operator.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{not json`, string(data))
}

func TestStore_CorruptEntryPoisons(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "characters.json"), []byte(`{"Zara": "not a sheet"}`), 0600))

	s := newFileStore(t, dir)
	_, err := s.Keys(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCorruptData))
}

func TestStore_Create(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t, t.TempDir())

	require.NoError(t, s.Create(ctx, "Zara", sheet{Name: "Zara"}))
	err := s.Create(ctx, "Zara", sheet{Name: "other"})
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

	got, _, err := s.Get(ctx, "Zara")
	require.NoError(t, err)
	assert.Equal(t, "Zara", got.Name)
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t, t.TempDir())
	require.NoError(t, s.Upsert(ctx, "Zara", sheet{Name: "Zara", Stats: map[string]uint32{"grit": 1}}))

	got, err := s.Update(ctx, "Zara", func(cur sheet, exists bool) (sheet, error) {
		require.True(t, exists)
		cur.Stats["grit"] = 4
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got.Stats["grit"])

	_, err = s.Update(ctx, "Zara", func(cur sheet, _ bool) (sheet, error) {
		cur.Stats["grit"] = 99
		return cur, fmt.Errorf("refused")
	})
	require.Error(t, err)

	stored, _, err := s.Get(ctx, "Zara")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), stored.Stats["grit"], "aborted update must not leak")
}

func TestStore_KeyFoldKeepsStoredKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New[sheet]("characters", NewFileBackend(dir, "characters"), WithKeyFold(strings.ToLower))

	require.NoError(t, s.Create(ctx, "Zara", sheet{Name: "Zara"}))
	err := s.Create(ctx, "ZARA", sheet{Name: "ZARA"})
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

	got, ok, err := s.Get(ctx, "zara")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Zara", got.Name)

	_, err = s.Update(ctx, "zArA", func(cur sheet, exists bool) (sheet, error) {
		require.True(t, exists)
		cur.Stats = map[string]uint32{"grit": 2}
		return cur, nil
	})
	require.NoError(t, err)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Zara"}, keys)

	data, err := os.ReadFile(filepath.Join(dir, "characters.json"))
	require.NoError(t, err)
	var onDisk map[string]sheet
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, map[string]sheet{"Zara": {Name: "Zara", Stats: map[string]uint32{"grit": 2}}}, onDisk)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t, t.TempDir())
	require.NoError(t, s.Upsert(ctx, "Zara", sheet{Name: "Zara", Stats: map[string]uint32{"grit": 1}}))

	got, _, err := s.Get(ctx, "Zara")
	require.NoError(t, err)
	got.Stats["grit"] = 50

	again, _, err := s.Get(ctx, "Zara")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), again.Stats["grit"])
}

func TestStore_All(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t, t.TempDir())
	require.NoError(t, s.Upsert(ctx, "a", sheet{Name: "a"}))
	require.NoError(t, s.Upsert(ctx, "b", sheet{Name: "b"}))

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "b", all["b"].Name)
}

func TestStore_Dump(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t, t.TempDir())
	require.NoError(t, s.Upsert(ctx, "zara", sheet{Name: "Zara", Stats: map[string]uint32{"grit": 3}}))

	raw, err := s.Dump(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Zara","stats":{"grit":3}}`, string(raw["zara"]))
}

func TestStore_Restore(t *testing.T) {
	ctx := context.Background()
	entries := map[string]json.RawMessage{
		"kell": json.RawMessage(`{"name":"Kell"}`),
		"zara": json.RawMessage(`{"name":"Zara","stats":{"grit":9}}`),
	}

	tests := []struct {
		name        string
		conflict    Conflict
		wantWritten []string
		wantSkipped []string
		wantGrit    uint32
		wantCode    errors.ErrorCode
	}{
		{"skip keeps existing", ConflictSkip, []string{"kell"}, []string{"zara"}, 3, ""},
		{"replace overwrites", ConflictReplace, []string{"kell", "zara"}, nil, 9, ""},
		{"fail aborts", ConflictFail, nil, nil, 3, errors.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s := newFileStore(t, dir)
			require.NoError(t, s.Upsert(ctx, "zara", sheet{Name: "Zara", Stats: map[string]uint32{"grit": 3}}))

			written, skipped, err := s.Restore(ctx, entries, tt.conflict)
			if tt.wantCode != "" {
				assert.True(t, errors.Is(err, tt.wantCode), "err = %v", err)
				keys, err := s.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"zara"}, keys)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantWritten, written)
			assert.Equal(t, tt.wantSkipped, skipped)

			reopened := newFileStore(t, dir)
			zara, ok, err := reopened.Get(ctx, "zara")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.wantGrit, zara.Stats["grit"])
			_, ok, err = reopened.Get(ctx, "kell")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_RestoreRejectsBadEntry(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{}
	s := New[sheet]("characters", backend, WithRetryDelay(0))

	_, _, err := s.Restore(ctx, map[string]json.RawMessage{
		"good": json.RawMessage(`{"name":"Good"}`),
		"bad":  json.RawMessage(`"not a sheet"`),
	}, ConflictReplace)
	assert.True(t, errors.Is(err, errors.ErrParse))
	assert.Equal(t, 0, backend.saves)
}

// flakyBackend fails the first saveFailures saves and loadFailures loads
// with STORE_IO.
type flakyBackend struct {
	mu           sync.Mutex
	saved        map[string]json.RawMessage
	saveFailures int
	loadFailures int
	saves        int
}

func (b *flakyBackend) Load(context.Context) (map[string]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadFailures > 0 {
		b.loadFailures--
		return nil, errors.NewStoreIO("flaky", io.ErrUnexpectedEOF)
	}
	return map[string]json.RawMessage{}, nil
}

func (b *flakyBackend) Save(_ context.Context, entries map[string]json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	if b.saveFailures > 0 {
		b.saveFailures--
		return errors.NewStoreIO("flaky", io.ErrShortWrite)
	}
	b.saved = entries
	return nil
}

func (b *flakyBackend) Close() error { return nil }

func TestStore_SaveRetriedOnce(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{saveFailures: 1}
	s := New[sheet]("characters", backend, WithRetryDelay(0))

	require.NoError(t, s.Upsert(ctx, "Zara", sheet{Name: "Zara"}))
	assert.Equal(t, 2, backend.saves)
	assert.Contains(t, backend.saved, "Zara")
}

func TestStore_SaveFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{saveFailures: 2}
	s := New[sheet]("characters", backend, WithRetryDelay(0))

	err := s.Upsert(ctx, "Zara", sheet{Name: "Zara"})
	assert.True(t, errors.Is(err, errors.ErrStoreIO))

	_, ok, err := s.Get(ctx, "Zara")
	require.NoError(t, err)
	assert.False(t, ok, "failed save must not change the in-memory mapping")
}

func TestStore_LoadFailurePoisons(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{loadFailures: 1}
	s := New[sheet]("characters", backend, WithRetryDelay(0))

	_, _, err := s.Get(ctx, "Zara")
	assert.True(t, errors.Is(err, errors.ErrCorruptData), "err = %v", err)

	// The backend would now load fine, but the store stays poisoned.
	_, _, err = s.Get(ctx, "Zara")
	assert.True(t, errors.Is(err, errors.ErrCorruptData))
	err = s.Upsert(ctx, "Zara", sheet{Name: "Zara"})
	assert.True(t, errors.Is(err, errors.ErrCorruptData))
	assert.Equal(t, 0, backend.saves)
}

func TestStore_LoadCancelledIsRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newFileStore(t, t.TempDir())

	_, _, err := s.Get(ctx, "Zara")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrCorruptData))

	_, ok, err := s.Get(context.Background(), "Zara")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	s := New[sheet]("characters", NewSQLiteBackend(database, "characters"))
	require.NoError(t, s.Upsert(ctx, "Zara", sheet{Name: "Zara", Stats: map[string]uint32{"grit": 2}}))
	require.NoError(t, s.Upsert(ctx, "Kell", sheet{Name: "Kell"}))
	require.NoError(t, s.Close())

	reopened := New[sheet]("characters", NewSQLiteBackend(database, "characters"))
	keys, err := reopened.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Kell", "Zara"}, keys)

	got, ok, err := reopened.Get(ctx, "Zara")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), got.Stats["grit"])
}

func TestFileBackend_UnreadableFileIsCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "characters.json"), 0700))

	_, err := NewFileBackend(dir, "characters").Load(ctx)
	assert.True(t, errors.Is(err, errors.ErrCorruptData), "err = %v", err)

	s := newFileStore(t, dir)
	_, err = s.Keys(ctx)
	assert.True(t, errors.Is(err, errors.ErrCorruptData))
	err = s.Upsert(ctx, "Zara", sheet{Name: "Zara"})
	assert.True(t, errors.Is(err, errors.ErrCorruptData))
}

func TestFileBackend_BlankFileIsCorrupt(t *testing.T) {
	for _, body := range []string{"", "\n  \n"} {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "groups.json"), []byte(body), 0600))

		_, err := NewFileBackend(dir, "groups").Load(context.Background())
		assert.True(t, errors.Is(err, errors.ErrCorruptData), "body %q: err = %v", body, err)
	}
}

func TestStore_TruncatedFileIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "characters.json")

	s := newFileStore(t, dir)
	require.NoError(t, s.Upsert(ctx, "alice", sheet{Name: "Alice"}))
	require.NoError(t, os.Truncate(path, 0))

	reopened := newFileStore(t, dir)
	err := reopened.Upsert(ctx, "bob", sheet{Name: "Bob"})
	assert.True(t, errors.Is(err, errors.ErrCorruptData), "err = %v", err)

	// Nothing was written over the truncated file.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
