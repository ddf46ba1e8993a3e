package urlutil

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://www.GOOgle.com/", "http://www.google.com/"},
		{"http://www.google.com", "http://www.google.com/"},
		{"http://host/%25%32%35", "http://host/%25"},
		{"http://host/%25%32%35%25%32%35", "http://host/%25%25"},
		{"http://www.google.com/blah/..", "http://www.google.com/"},
		{"http://www.google.com/a/./b/../c", "http://www.google.com/a/c"},
		{"http://www.google.com/a//b/", "http://www.google.com/a/b/"},
		{"http://www.google.com/q?r?s", "http://www.google.com/q?r?s"},
		{"http://www.google.com/q?", "http://www.google.com/q?"},
		{"http://www.evil.com/blah#frag", "http://www.evil.com/blah"},
		{"http://...www.google.com.../", "http://www.google.com/"},
		{"www.google.com/", "http://www.google.com/"},
		{"http://www.google.com/foo\tbar\rbaz\n2", "http://www.google.com/foobarbaz2"},
		{"http://1.2.3.4/", "http://1.2.3.4/"},
		{"http://www.google.com/a b", "http://www.google.com/a%20b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.String())
		})
	}
}

func TestCanonicalize_IDN(t *testing.T) {
	c, err := Canonicalize("http://bücher.example/")
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", c.Host)
}

func TestCanonicalize_EmptyHost(t *testing.T) {
	_, err := Canonicalize("http:///path")
	assert.True(t, errors.Is(err, ErrEmptyHost))
	assert.Equal(t, "", CanonicalHost("http:///path"))
}

func TestIsCheckableScheme(t *testing.T) {
	assert.True(t, IsCheckableScheme("http://example.com/"))
	assert.True(t, IsCheckableScheme("HTTPS://example.com/"))
	assert.False(t, IsCheckableScheme("ftp://example.com/"))
	assert.False(t, IsCheckableScheme("chrome://settings"))
	assert.False(t, IsCheckableScheme("::nope"))
}

func TestApexDomain(t *testing.T) {
	cases := map[string]string{
		"www.example.com":          "example.com",
		"Example.COM.":             "example.com",
		"www.example.co.uk":        "example.co.uk",
		"subdomain.user.github.io": "user.github.io",
		"localhost":                "localhost",
		"10.0.0.1":                 "10.0.0.1",
	}
	for in, want := range cases {
		assert.Equal(t, want, ApexDomain(in), in)
	}
}
