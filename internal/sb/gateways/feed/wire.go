package feed

import (
	"fmt"
	"time"

	"github.com/haukened/sbguard/internal/sb/domain"
)

// JSON bodies exchanged with the feed server.

type listState struct {
	Name string `json:"name"`
	Adds string `json:"adds,omitempty"`
	Subs string `json:"subs,omitempty"`
}

type downloadsRequest struct {
	Lists []listState `json:"lists"`
}

type wireEntry struct {
	Prefix   string `json:"prefix"`
	FullHash string `json:"full_hash,omitempty"`
	AddChunk uint32 `json:"add_chunk,omitempty"`
}

type wireChunk struct {
	List    string      `json:"list"`
	Number  uint32      `json:"number"`
	Type    string      `json:"type"`
	Entries []wireEntry `json:"entries"`
}

type wireDelete struct {
	List   string `json:"list"`
	Type   string `json:"type"`
	Ranges string `json:"ranges"`
}

type downloadsResponse struct {
	NextPollSeconds int          `json:"next_poll_seconds"`
	Reset           bool         `json:"reset"`
	Chunks          []wireChunk  `json:"chunks"`
	Deletes         []wireDelete `json:"deletes"`
}

type gethashRequest struct {
	Prefixes []string `json:"prefixes"`
}

type wireHash struct {
	List string `json:"list"`
	Hash string `json:"hash"`
}

type gethashResponse struct {
	Cacheable bool       `json:"cacheable"`
	Hashes    []wireHash `json:"hashes"`
}

func toListStates(lists []domain.ListDescriptor) []listState {
	out := make([]listState, 0, len(lists))
	for _, l := range lists {
		out = append(out, listState{
			Name: l.Name,
			Adds: domain.FormatRanges(l.Adds),
			Subs: domain.FormatRanges(l.Subs),
		})
	}
	return out
}

// toBatch converts and validates a downloads response.
func (r downloadsResponse) toBatch() (domain.UpdateBatch, error) {
	batch := domain.UpdateBatch{
		Reset:    r.Reset,
		NextPoll: time.Duration(r.NextPollSeconds) * time.Second,
	}
	for _, d := range r.Deletes {
		typ, err := domain.ParseChunkType(d.Type)
		if err != nil {
			return domain.UpdateBatch{}, err
		}
		ranges, err := domain.ParseRanges(d.Ranges)
		if err != nil {
			return domain.UpdateBatch{}, err
		}
		batch.Deletes = append(batch.Deletes, domain.ChunkDelete{ListName: d.List, Type: typ, Ranges: ranges})
	}
	for _, wc := range r.Chunks {
		ch, err := wc.toChunk()
		if err != nil {
			return domain.UpdateBatch{}, err
		}
		batch.Chunks = append(batch.Chunks, ch)
	}
	return batch, nil
}

func (wc wireChunk) toChunk() (domain.Chunk, error) {
	typ, err := domain.ParseChunkType(wc.Type)
	if err != nil {
		return domain.Chunk{}, err
	}
	ch := domain.Chunk{ListName: wc.List, Number: wc.Number, Type: typ}
	for _, we := range wc.Entries {
		e := domain.ChunkEntry{AddChunk: we.AddChunk}
		if e.Prefix, err = domain.ParsePrefix(we.Prefix); err != nil {
			return domain.Chunk{}, err
		}
		if we.FullHash != "" {
			if e.FullHash, err = domain.ParseHash256(we.FullHash); err != nil {
				return domain.Chunk{}, err
			}
		}
		ch.Entries = append(ch.Entries, e)
	}
	if err := ch.Validate(); err != nil {
		return domain.Chunk{}, fmt.Errorf("%s chunk %d: %w", wc.List, wc.Number, err)
	}
	return ch, nil
}

func (r gethashResponse) toFullHashes() ([]domain.FullHash, error) {
	out := make([]domain.FullHash, 0, len(r.Hashes))
	for _, h := range r.Hashes {
		hash, err := domain.ParseHash256(h.Hash)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.FullHash{ListName: h.List, Hash: hash})
	}
	return out, nil
}
