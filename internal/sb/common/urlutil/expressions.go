package urlutil

import (
	"net"
	"strings"

	"github.com/haukened/sbguard/internal/sb/domain"
)

const (
	maxHostComponents = 5
	maxPathComponents = 4
)

// Expressions returns the host-suffix/path-prefix combinations of raw, most specific first.
func Expressions(raw string) ([]string, error) {
	c, err := Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	hosts := hostSuffixes(c.Host)
	paths := pathPrefixes(c.Path, c.Query, c.HasQ)
	out := make([]string, 0, len(hosts)*len(paths))
	for _, h := range hosts {
		for _, p := range paths {
			out = append(out, h+p)
		}
	}
	return out, nil
}

// Hashes returns the SHA-256 hash of every expression of raw.
func Hashes(raw string) ([]domain.Hash256, error) {
	exprs, err := Expressions(raw)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Hash256, len(exprs))
	for i, e := range exprs {
		out[i] = domain.HashExpression(e)
	}
	return out, nil
}

// Prefixes returns the distinct prefixes of hashes, in first-seen order.
func Prefixes(hashes []domain.Hash256) []domain.Prefix {
	seen := make(map[domain.Prefix]struct{}, len(hashes))
	out := make([]domain.Prefix, 0, len(hashes))
	for _, h := range hashes {
		p := h.Prefix()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// hostSuffixes returns the exact host plus up to four suffixes built from the
// last five components, never the bare TLD. IP hosts are used as-is.
func hostSuffixes(host string) []string {
	if net.ParseIP(host) != nil {
		return []string{host}
	}
	out := []string{host}
	labels := strings.Split(host, ".")
	start := len(labels) - maxHostComponents
	if start < 1 {
		start = 1
	}
	for i := start; i <= len(labels)-2; i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}

// pathPrefixes returns the full path with and without query, the root, and
// successive directory prefixes.
func pathPrefixes(path, query string, hasQuery bool) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if hasQuery {
		add(path + "?" + query)
	}
	add(path)
	add("/")

	dirs := strings.Split(strings.Trim(path, "/"), "/")
	if !strings.HasSuffix(path, "/") {
		dirs = dirs[:len(dirs)-1]
	}
	prefix := "/"
	for i, d := range dirs {
		if d == "" || i >= maxPathComponents-1 {
			break
		}
		prefix += d + "/"
		add(prefix)
	}
	return out
}
