// Package localfeed serves threat lists from a directory of chunk files, for
// air-gapped deployments and tests. It implements the same UpdateFeed contract
// as the HTTP feed.
package localfeed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/haukened/sbguard/internal/sb/common/log"
	"github.com/haukened/sbguard/internal/sb/domain"
	"github.com/haukened/sbguard/internal/sb/services/coordinator"
)

const defaultDebounce = 200 * time.Millisecond

// Options configures a Feed.
type Options struct {
	Dir          string
	PollInterval time.Duration // asked of the coordinator after each poll; zero keeps its default
	Debounce     time.Duration
	Logger       log.Logger
}

type chunkID struct {
	list   string
	typ    domain.ChunkType
	number uint32
}

// Feed is a directory-backed coordinator.UpdateFeed.
type Feed struct {
	dir      string
	interval time.Duration
	debounce time.Duration
	logger   log.Logger
	validate *validator.Validate

	mu     sync.RWMutex
	chunks map[chunkID]domain.Chunk
}

// New loads every chunk file under opts.Dir.
func New(opts Options) (*Feed, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("local feed directory is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	f := &Feed{
		dir:      opts.Dir,
		interval: opts.PollInterval,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the directory. On any error the previously loaded chunks stay.
func (f *Feed) Reload() error {
	chunks := make(map[chunkID]domain.Chunk)
	var errs error
	err := filepath.WalkDir(f.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || parserFor(path) == nil {
			return err
		}
		ch, err := loadChunkFile(path, f.validate)
		if err != nil {
			errs = multierr.Append(errs, err)
			return nil
		}
		id := chunkID{list: ch.ListName, typ: ch.Type, number: ch.Number}
		if _, dup := chunks[id]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%s: %s %s chunk %d defined twice", path, ch.ListName, ch.Type, ch.Number))
			return nil
		}
		chunks[id] = ch
		return nil
	})
	if err = multierr.Append(err, errs); err != nil {
		return err
	}
	f.mu.Lock()
	f.chunks = chunks
	f.mu.Unlock()
	f.logger.Debug(map[string]any{"dir": f.dir, "chunks": len(chunks)}, "Local feed loaded")
	return nil
}

// PollChunkUpdates reloads the directory and returns the chunks missing from
// lists, plus deletes for chunks the caller holds that no longer exist.
func (f *Feed) PollChunkUpdates(ctx context.Context, lists []domain.ListDescriptor) (domain.UpdateBatch, error) {
	if err := ctx.Err(); err != nil {
		return domain.UpdateBatch{}, err
	}
	if err := f.Reload(); err != nil {
		return domain.UpdateBatch{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	held := make(map[string]domain.ListDescriptor, len(lists))
	for _, l := range lists {
		held[l.Name] = l
	}

	batch := domain.UpdateBatch{NextPoll: f.interval}
	for _, ch := range f.chunks {
		l := held[ch.ListName]
		ranges := l.Adds
		if ch.Type == domain.ChunkSub {
			ranges = l.Subs
		}
		if !domain.RangesContain(ranges, ch.Number) {
			batch.Chunks = append(batch.Chunks, ch)
		}
	}
	sort.Slice(batch.Chunks, func(i, j int) bool {
		a, b := batch.Chunks[i], batch.Chunks[j]
		if a.ListName != b.ListName {
			return a.ListName < b.ListName
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Number < b.Number
	})

	for _, l := range lists {
		batch.Deletes = append(batch.Deletes, f.stale(l.Name, domain.ChunkAdd, l.Adds)...)
		batch.Deletes = append(batch.Deletes, f.stale(l.Name, domain.ChunkSub, l.Subs)...)
	}
	return batch, nil
}

// stale returns deletes for held chunk numbers no longer present on disk.
func (f *Feed) stale(list string, typ domain.ChunkType, ranges []domain.ChunkRange) []domain.ChunkDelete {
	var gone []uint32
	for _, r := range ranges {
		for n := r.Start; ; n++ {
			if _, ok := f.chunks[chunkID{list: list, typ: typ, number: n}]; !ok {
				gone = append(gone, n)
			}
			if n == r.End {
				break
			}
		}
	}
	if len(gone) == 0 {
		return nil
	}
	return []domain.ChunkDelete{{ListName: list, Type: typ, Ranges: domain.RangesFromNumbers(gone)}}
}

// FetchFullHash answers from the loaded add chunks, leaving out entries
// cancelled by a sub chunk. Answers are always cacheable.
func (f *Feed) FetchFullHash(ctx context.Context, prefixes []domain.Prefix) ([]domain.FullHash, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	want := make(map[domain.Prefix]struct{}, len(prefixes))
	for _, p := range prefixes {
		want[p] = struct{}{}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	type subKey struct {
		list     string
		prefix   domain.Prefix
		addChunk uint32
	}
	subbed := make(map[subKey]struct{})
	for id, ch := range f.chunks {
		if id.typ != domain.ChunkSub {
			continue
		}
		for _, e := range ch.Entries {
			subbed[subKey{list: ch.ListName, prefix: e.Prefix, addChunk: e.AddChunk}] = struct{}{}
		}
	}

	seen := make(map[domain.FullHash]struct{})
	var out []domain.FullHash
	for id, ch := range f.chunks {
		if id.typ != domain.ChunkAdd {
			continue
		}
		for _, e := range ch.Entries {
			if _, ok := want[e.Prefix]; !ok || e.FullHash.IsZero() {
				continue
			}
			if _, ok := subbed[subKey{list: ch.ListName, prefix: e.Prefix, addChunk: ch.Number}]; ok {
				continue
			}
			fh := domain.FullHash{ListName: ch.ListName, Hash: e.FullHash}
			if _, ok := seen[fh]; ok {
				continue
			}
			seen[fh] = struct{}{}
			out = append(out, fh)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ListName != out[j].ListName {
			return out[i].ListName < out[j].ListName
		}
		return out[i].Hash.String() < out[j].Hash.String()
	})
	return out, true, nil
}

// Watch calls onChange, debounced, whenever a chunk file under the directory is
// written, created, removed, or renamed. It returns once the watch is in place
// and stops when ctx ends.
func (f *Feed) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	err = filepath.WalkDir(f.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("watching directory: %w", err)
	}
	go f.processEvents(ctx, w, onChange)
	return nil
}

func (f *Feed) processEvents(ctx context.Context, w *fsnotify.Watcher, onChange func()) {
	defer w.Close()
	var pending bool
	var last time.Time
	ticker := time.NewTicker(f.debounce / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.Add(event.Name)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 && parserFor(event.Name) != nil {
				pending, last = true, time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn(map[string]any{"dir": f.dir, "error": err}, "Local feed watcher error")
		case <-ticker.C:
			if pending && time.Since(last) >= f.debounce {
				pending = false
				f.logger.Info(map[string]any{"dir": f.dir}, "Local feed changed")
				onChange()
			}
		}
	}
}

var _ coordinator.UpdateFeed = (*Feed)(nil)
