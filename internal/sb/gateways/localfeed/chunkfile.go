package localfeed

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/sbguard/internal/sb/common/urlutil"
	"github.com/haukened/sbguard/internal/sb/domain"
)

// chunkFile is the on-disk form of one chunk.
type chunkFile struct {
	List    string      `koanf:"list" validate:"required,excludesall=0x00"`
	Number  uint32      `koanf:"number" validate:"required"`
	Type    string      `koanf:"type" validate:"required,oneof=add sub"`
	Entries []fileEntry `koanf:"entries" validate:"dive"`
}

// fileEntry names a listed expression either as a URL, hashed locally, or as
// a hex prefix and/or full hash.
type fileEntry struct {
	URL      string `koanf:"url" validate:"required_without_all=Prefix FullHash"`
	Prefix   string `koanf:"prefix" validate:"omitempty,hexadecimal,len=8"`
	FullHash string `koanf:"full_hash" validate:"omitempty,hexadecimal,len=64"`
	AddChunk uint32 `koanf:"add_chunk"`
}

// parserFor picks the koanf parser by file extension; nil means not a chunk file.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	case ".json":
		return json.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return nil
	}
}

// loadChunkFile parses and validates a single chunk file.
func loadChunkFile(path string, v *validator.Validate) (domain.Chunk, error) {
	parser := parserFor(path)
	if parser == nil {
		return domain.Chunk{}, fmt.Errorf("unsupported chunk file %s", path)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return domain.Chunk{}, fmt.Errorf("failed to load chunk file %s: %w", path, err)
	}
	var cf chunkFile
	if err := k.UnmarshalWithConf("", &cf, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return domain.Chunk{}, fmt.Errorf("failed to decode chunk file %s: %w", path, err)
	}
	if err := v.Struct(cf); err != nil {
		return domain.Chunk{}, fmt.Errorf("invalid chunk file %s: %w", path, err)
	}
	ch, err := cf.toChunk()
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("invalid chunk file %s: %w", path, err)
	}
	return ch, nil
}

func (cf chunkFile) toChunk() (domain.Chunk, error) {
	typ, err := domain.ParseChunkType(cf.Type)
	if err != nil {
		return domain.Chunk{}, err
	}
	ch := domain.Chunk{ListName: strings.TrimSpace(cf.List), Number: cf.Number, Type: typ}
	for i, fe := range cf.Entries {
		e, err := fe.toEntry()
		if err != nil {
			return domain.Chunk{}, fmt.Errorf("entry %d: %w", i, err)
		}
		ch.Entries = append(ch.Entries, e)
	}
	return ch, ch.Validate()
}

// toEntry resolves an entry. A URL yields the full hash of its most specific
// expression; a full hash alone implies its prefix.
func (fe fileEntry) toEntry() (domain.ChunkEntry, error) {
	e := domain.ChunkEntry{AddChunk: fe.AddChunk}
	if fe.URL != "" {
		exprs, err := urlutil.Expressions(fe.URL)
		if err != nil {
			return e, err
		}
		e.FullHash = domain.HashExpression(exprs[0])
		e.Prefix = e.FullHash.Prefix()
		return e, nil
	}
	if fe.FullHash != "" {
		h, err := domain.ParseHash256(fe.FullHash)
		if err != nil {
			return e, err
		}
		e.FullHash = h
		e.Prefix = h.Prefix()
	}
	if fe.Prefix != "" {
		p, err := domain.ParsePrefix(fe.Prefix)
		if err != nil {
			return e, err
		}
		e.Prefix = p
	}
	return e, nil
}
