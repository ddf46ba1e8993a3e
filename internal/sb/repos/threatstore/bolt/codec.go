package bolt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/haukened/sbguard/internal/sb/domain"
)

const (
	entryHeaderSize = 4 + 4 + 1 // prefix | add chunk | has hash
	hashSize        = len(domain.Hash256{})
)

// chunkKey encodes a chunk number so bbolt keeps chunks in numeric order.
func chunkKey(n uint32) []byte { return binary.BigEndian.AppendUint32(nil, n) }

// encodeEntries packs chunk entries as prefix | add chunk | flag | [full hash].
func encodeEntries(entries []domain.ChunkEntry) []byte {
	buf := make([]byte, 0, len(entries)*entryHeaderSize)
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint32(buf, uint32(e.Prefix))
		buf = binary.BigEndian.AppendUint32(buf, e.AddChunk)
		if e.FullHash.IsZero() {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = append(buf, e.FullHash[:]...)
	}
	return buf
}

func decodeEntries(data []byte) ([]domain.ChunkEntry, error) {
	var out []domain.ChunkEntry
	for len(data) > 0 {
		if len(data) < entryHeaderSize {
			return nil, fmt.Errorf("corrupt chunk: %d trailing bytes", len(data))
		}
		e := domain.ChunkEntry{
			Prefix:   domain.Prefix(binary.BigEndian.Uint32(data[0:4])),
			AddChunk: binary.BigEndian.Uint32(data[4:8]),
		}
		hasHash := data[8]
		data = data[entryHeaderSize:]
		if hasHash == 1 {
			if len(data) < hashSize {
				return nil, fmt.Errorf("corrupt chunk: truncated full hash")
			}
			copy(e.FullHash[:], data[:hashSize])
			data = data[hashSize:]
		}
		out = append(out, e)
	}
	return out, nil
}

// prefixKey lays out prefix | list | 0x00 | add chunk | [full hash] so that a
// cursor seek on the first four bytes finds every list entry for a prefix.
func prefixKey(p domain.Prefix, list string, addChunk uint32, h domain.Hash256) []byte {
	k := make([]byte, 0, 4+len(list)+1+4+hashSize)
	k = append(k, p.Bytes()...)
	k = append(k, list...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint32(k, addChunk)
	if !h.IsZero() {
		k = append(k, h[:]...)
	}
	return k
}

type prefixEntry struct {
	prefix   domain.Prefix
	list     string
	addChunk uint32
	hash     domain.Hash256
}

func parsePrefixKey(k []byte) (prefixEntry, error) {
	if len(k) < 4+1+4 {
		return prefixEntry{}, fmt.Errorf("corrupt prefix key of %d bytes", len(k))
	}
	e := prefixEntry{prefix: domain.Prefix(binary.BigEndian.Uint32(k[:4]))}
	rest := k[4:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 || len(rest) < i+1+4 {
		return prefixEntry{}, fmt.Errorf("corrupt prefix key %x", k)
	}
	e.list = string(rest[:i])
	rest = rest[i+1:]
	e.addChunk = binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	switch len(rest) {
	case 0:
	case hashSize:
		copy(e.hash[:], rest)
	default:
		return prefixEntry{}, fmt.Errorf("corrupt prefix key %x", k)
	}
	return e, nil
}
