package domain

import "testing"

func TestHashExpression_Prefix(t *testing.T) {
	h := HashExpression("abc")
	// sha256("abc") = ba7816bf...
	if got := h.Prefix(); got != Prefix(0xba7816bf) {
		t.Fatalf("Prefix() = %s, want ba7816bf", got)
	}
	if h.IsZero() {
		t.Fatalf("hash should not be zero")
	}
	parsed, err := ParseHash256(h.String())
	if err != nil || parsed != h {
		t.Fatalf("ParseHash256 round trip failed: %v", err)
	}
}

func TestParsePrefix(t *testing.T) {
	p, err := ParsePrefix("0000002a")
	if err != nil || p != 42 {
		t.Fatalf("ParsePrefix = %v, %v; want 42", p, err)
	}
	if _, err := ParsePrefix("2a"); err == nil {
		t.Fatalf("expected length error")
	}
	if _, err := ParsePrefix("zzzzzzzz"); err == nil {
		t.Fatalf("expected hex error")
	}
	if got := Prefix(42).Bytes(); len(got) != 4 || got[3] != 42 {
		t.Fatalf("Bytes() = %v", got)
	}
}

func TestParseHash256_Invalid(t *testing.T) {
	if _, err := ParseHash256("abcd"); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestMatchFullHashesAndVerdict(t *testing.T) {
	a := HashExpression("evil.example/")
	b := HashExpression("phish.example/")
	c := HashExpression("other.example/")
	hashes := []FullHash{
		{ListName: "goog-phish-shavar", Hash: b},
		{ListName: "goog-malware-shavar", Hash: a},
		{ListName: "goog-malware-shavar", Hash: c},
	}

	hits := MatchFullHashes([]Hash256{a, b}, hashes)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if v := VerdictForHits(hits); v != VerdictMalware {
		t.Fatalf("malware should outrank phishing, got %v", v)
	}
	if v := VerdictForHits(MatchFullHashes([]Hash256{b}, hashes)); v != VerdictPhishing {
		t.Fatalf("want phishing, got %v", v)
	}
	if hits := MatchFullHashes(nil, hashes); hits != nil {
		t.Fatalf("no candidates should give no hits")
	}
	if v := VerdictForHits(nil); v != VerdictSafe {
		t.Fatalf("no hits should be safe")
	}
}
