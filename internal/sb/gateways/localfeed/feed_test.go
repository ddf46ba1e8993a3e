package localfeed

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/sbguard/internal/sb/domain"
)

const malware = "goog-malware-shavar"

var (
	evilRoot  = domain.HashExpression("evil.example/")
	otherHash = domain.HashExpression("other.example/")
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func fixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "malware-1.yaml", `
list: goog-malware-shavar
number: 1
type: add
entries:
  - url: http://evil.example/
  - full_hash: "`+otherHash.String()+`"
  - prefix: "0a0b0c0d"
`)
	writeFile(t, dir, "malware-2.json", `{
  "list": "goog-malware-shavar",
  "number": 2,
  "type": "add",
  "entries": [{"prefix": "`+otherHash.Prefix().String()+`", "full_hash": "`+otherHash.String()+`"}]
}`)
	writeFile(t, dir, "malware-sub-1.toml", `
list = "goog-malware-shavar"
number = 1
type = "sub"

[[entries]]
prefix = "`+otherHash.Prefix().String()+`"
add_chunk = 2
`)
	writeFile(t, dir, "README.md", "not a chunk file")
	return dir
}

func TestNew_LoadsAllFormats(t *testing.T) {
	f, err := New(Options{Dir: fixtureDir(t)})
	require.NoError(t, err)

	batch, err := f.PollChunkUpdates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, batch.Chunks, 3)
	assert.Empty(t, batch.Deletes)

	add1 := batch.Chunks[0]
	assert.Equal(t, domain.ChunkAdd, add1.Type)
	assert.Equal(t, uint32(1), add1.Number)
	require.Len(t, add1.Entries, 3)
	assert.Equal(t, evilRoot, add1.Entries[0].FullHash)
	assert.Equal(t, evilRoot.Prefix(), add1.Entries[0].Prefix)
	assert.Equal(t, otherHash.Prefix(), add1.Entries[1].Prefix)
	assert.Equal(t, domain.Prefix(0x0a0b0c0d), add1.Entries[2].Prefix)
	assert.True(t, add1.Entries[2].FullHash.IsZero())

	assert.Equal(t, uint32(2), batch.Chunks[1].Number)
	sub := batch.Chunks[2]
	assert.Equal(t, domain.ChunkSub, sub.Type)
	assert.Equal(t, uint32(2), sub.Entries[0].AddChunk)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Dir: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	tests := map[string]string{
		"bad-type.yaml":   "list: l\nnumber: 1\ntype: mod\n",
		"no-number.yaml":  "list: l\ntype: add\n",
		"empty-entry.yml": "list: l\nnumber: 1\ntype: add\nentries:\n  - add_chunk: 1\n",
		"bad-prefix.yaml": "list: l\nnumber: 1\ntype: add\nentries:\n  - prefix: \"xyz\"\n",
		"sub-no-add.yaml": "list: l\nnumber: 1\ntype: sub\nentries:\n  - prefix: \"00000001\"\n",
		"mismatch.yaml":   "list: l\nnumber: 1\ntype: add\nentries:\n  - prefix: \"00000001\"\n    full_hash: \"" + evilRoot.String() + "\"\n",
		"broken.json":     "{",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, name, content)
			_, err := New(Options{Dir: dir})
			assert.Error(t, err)
		})
	}
}

func TestNew_DuplicateChunk(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "list: l\nnumber: 1\ntype: add\n")
	writeFile(t, dir, "b.json", `{"list":"l","number":1,"type":"add"}`)
	_, err := New(Options{Dir: dir})
	assert.ErrorContains(t, err, "defined twice")
}

func TestPollChunkUpdates_OnlyMissingAndStale(t *testing.T) {
	dir := fixtureDir(t)
	f, err := New(Options{Dir: dir, PollInterval: 5 * time.Minute})
	require.NoError(t, err)

	held := []domain.ListDescriptor{{
		Name: malware,
		Adds: []domain.ChunkRange{{Start: 1, End: 1}, {Start: 3, End: 4}},
		Subs: []domain.ChunkRange{{Start: 1, End: 1}},
	}, {
		Name: "removed-list",
		Adds: []domain.ChunkRange{{Start: 1, End: 2}},
	}}
	batch, err := f.PollChunkUpdates(context.Background(), held)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, batch.NextPoll)
	require.Len(t, batch.Chunks, 1)
	assert.Equal(t, uint32(2), batch.Chunks[0].Number)
	assert.Equal(t, []domain.ChunkDelete{
		{ListName: malware, Type: domain.ChunkAdd, Ranges: []domain.ChunkRange{{Start: 3, End: 4}}},
		{ListName: "removed-list", Type: domain.ChunkAdd, Ranges: []domain.ChunkRange{{Start: 1, End: 2}}},
	}, batch.Deletes)
}

func TestPollChunkUpdates_ReloadFailureKeepsPrevious(t *testing.T) {
	dir := fixtureDir(t)
	f, err := New(Options{Dir: dir})
	require.NoError(t, err)

	writeFile(t, dir, "broken.yaml", "list: [")
	_, err = f.PollChunkUpdates(context.Background(), nil)
	require.Error(t, err)

	hashes, _, err := f.FetchFullHash(context.Background(), []domain.Prefix{evilRoot.Prefix()})
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestFetchFullHash(t *testing.T) {
	f, err := New(Options{Dir: fixtureDir(t)})
	require.NoError(t, err)

	hashes, cacheable, err := f.FetchFullHash(context.Background(), []domain.Prefix{evilRoot.Prefix(), 0x0a0b0c0d})
	require.NoError(t, err)
	assert.True(t, cacheable)
	assert.Equal(t, []domain.FullHash{{ListName: malware, Hash: evilRoot}}, hashes)

	// chunk 1 still lists other.example; chunk 2's copy is cancelled by the sub
	hashes, _, err = f.FetchFullHash(context.Background(), []domain.Prefix{otherHash.Prefix()})
	require.NoError(t, err)
	assert.Equal(t, []domain.FullHash{{ListName: malware, Hash: otherHash}}, hashes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = f.FetchFullHash(ctx, []domain.Prefix{1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatch_TriggersOnChange(t *testing.T) {
	dir := fixtureDir(t)
	f, err := New(Options{Dir: dir, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var changes atomic.Int32
	require.NoError(t, f.Watch(ctx, func() { changes.Add(1) }))

	writeFile(t, dir, "phish-1.yaml", "list: goog-phish-shavar\nnumber: 1\ntype: add\n")
	writeFile(t, dir, "notes.txt", "ignored")
	require.Eventually(t, func() bool { return changes.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}
