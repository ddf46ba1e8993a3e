// Package urlutil turns raw URLs into the canonical host/path expressions whose
// SHA-256 hashes are looked up in the threat lists.
package urlutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// maxUnescapeRounds bounds repeated percent-decoding of hostile input.
const maxUnescapeRounds = 1024

// ErrEmptyHost is returned for URLs without a usable host.
var ErrEmptyHost = errors.New("url has no host")

// Canonical is a URL reduced to the parts that participate in hashing.
type Canonical struct {
	Scheme string
	Host   string
	Path   string
	Query  string
	HasQ   bool
}

// String renders the canonical URL.
func (c Canonical) String() string {
	s := c.Scheme + "://" + c.Host + c.Path
	if c.HasQ {
		s += "?" + c.Query
	}
	return s
}

// IsCheckableScheme reports whether raw uses a scheme the threat lists cover.
func IsCheckableScheme(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}

// Canonicalize normalizes raw the way list providers do before hashing:
// control characters are stripped, the fragment dropped, host and path fully
// percent-decoded, dot segments resolved and the result re-escaped.
func Canonicalize(raw string) (Canonical, error) {
	raw = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Canonical{}, fmt.Errorf("parse url: %w", err)
	}
	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return Canonical{}, err
	}

	rawPath := u.EscapedPath()
	if rawPath == "" {
		rawPath = "/"
	}
	return Canonical{
		Scheme: strings.ToLower(u.Scheme),
		Host:   host,
		Path:   escape(cleanPath(unescapeAll(rawPath))),
		Query:  u.RawQuery,
		HasQ:   u.ForceQuery || u.RawQuery != "",
	}, nil
}

// CanonicalHost returns just the canonical host of raw, or "" if it has none.
func CanonicalHost(raw string) string {
	c, err := Canonicalize(raw)
	if err != nil {
		return ""
	}
	return c.Host
}

// ApexDomain returns the registrable domain (eTLD+1) of host, falling back to host itself.
func ApexDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return apex
}

func canonicalHost(h string) (string, error) {
	h = unescapeAll(h)
	h = strings.ToLower(strings.Trim(h, "."))
	for strings.Contains(h, "..") {
		h = strings.ReplaceAll(h, "..", ".")
	}
	if h == "" {
		return "", ErrEmptyHost
	}
	if ip := net.ParseIP(h); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return ip.String(), nil
	}
	if ascii, err := idna.Lookup.ToASCII(h); err == nil && ascii != "" {
		h = ascii
	}
	return escape(h), nil
}

// cleanPath resolves "." and ".." segments and collapses repeated slashes,
// keeping a trailing slash when the input had one.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	var stack []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}
	out := "/" + strings.Join(stack, "/")
	trailing := strings.HasSuffix(p, "/") || strings.HasSuffix(p, "/.") || strings.HasSuffix(p, "/..")
	if trailing && out != "/" {
		out += "/"
	}
	return out
}

func unescapeAll(s string) string {
	for i := 0; i < maxUnescapeRounds; i++ {
		next := unescapeOnce(s)
		if next == s {
			return s
		}
		s = next
	}
	return s
}

// unescapeOnce decodes valid %XX sequences and leaves malformed ones as they are.
func unescapeOnce(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func escape(s string) string {
	const hexdigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c >= 0x7f || c == '#' || c == '%' {
			b.WriteByte('%')
			b.WriteByte(hexdigits[c>>4])
			b.WriteByte(hexdigits[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
