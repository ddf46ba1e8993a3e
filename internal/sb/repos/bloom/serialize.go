package bloom

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/haukened/sbguard/internal/sb/domain"
)

// Serialized layout, big endian:
//
//	magic "SBBF" | version u8 | numKeys u8 | reserved u16 | numBits u32 | keys [numKeys]u32 | words [ceil(numBits/64)]u64
const (
	formatVersion = 1
	headerSize    = 12
)

var magic = [4]byte{'S', 'B', 'B', 'F'}

// Serialize encodes the filter and freezes it.
func (f *Filter) Serialize() []byte {
	f.Freeze()
	words := f.bits.Bytes()
	nWords := wordCount(f.numBits)

	buf := make([]byte, headerSize+4*len(f.hashKeys)+8*nWords)
	copy(buf[0:4], magic[:])
	buf[4] = formatVersion
	buf[5] = byte(len(f.hashKeys))
	binary.BigEndian.PutUint32(buf[8:12], f.numBits)

	off := headerSize
	for _, k := range f.hashKeys {
		binary.BigEndian.PutUint32(buf[off:], k)
		off += 4
	}
	for i := 0; i < nWords; i++ {
		var w uint64
		if i < len(words) {
			w = words[i]
		}
		binary.BigEndian.PutUint64(buf[off:], w)
		off += 8
	}
	return buf
}

// Deserialize decodes data produced by Serialize. The returned filter is frozen.
// Any inconsistency between the header and the payload yields an error wrapping
// domain.ErrMalformedBloomFilter and no filter.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", domain.ErrMalformedBloomFilter, len(data))
	}
	if [4]byte(data[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", domain.ErrMalformedBloomFilter, data[0:4])
	}
	if data[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrMalformedBloomFilter, data[4])
	}
	numKeys := int(data[5])
	if numKeys == 0 || numKeys > MaxHashKeys {
		return nil, fmt.Errorf("%w: hash key count %d out of range", domain.ErrMalformedBloomFilter, numKeys)
	}
	if reserved := binary.BigEndian.Uint16(data[6:8]); reserved != 0 {
		return nil, fmt.Errorf("%w: reserved header bytes set (%#04x)", domain.ErrMalformedBloomFilter, reserved)
	}
	numBits := binary.BigEndian.Uint32(data[8:12])
	if numBits == 0 {
		return nil, fmt.Errorf("%w: zero-sized bit array", domain.ErrMalformedBloomFilter)
	}
	nWords := wordCount(numBits)
	want := headerSize + 4*numKeys + 8*nWords
	if len(data) != want {
		return nil, fmt.Errorf("%w: length %d does not match header (want %d)", domain.ErrMalformedBloomFilter, len(data), want)
	}

	off := headerSize
	keys := make([]uint32, numKeys)
	for i := range keys {
		keys[i] = binary.BigEndian.Uint32(data[off:])
		off += 4
	}
	words := make([]uint64, nWords)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(data[off:])
		off += 8
	}
	if tail := uint(numBits) % 64; tail != 0 && words[nWords-1]>>tail != 0 {
		return nil, fmt.Errorf("%w: bits set beyond declared size", domain.ErrMalformedBloomFilter)
	}

	return &Filter{
		bits:     bitset.From(words),
		numBits:  numBits,
		hashKeys: keys,
		frozen:   true,
	}, nil
}

func wordCount(numBits uint32) int {
	return int((uint64(numBits) + 63) / 64)
}
