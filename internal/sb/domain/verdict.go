package domain

import (
	"fmt"
	"strings"
)

// Verdict is the outcome of checking a URL against the threat lists.
type Verdict uint8

const (
	// VerdictSafe means the URL is not on any list, or the check failed open.
	VerdictSafe Verdict = iota
	// VerdictPhishing means the URL matched a phishing list.
	VerdictPhishing
	// VerdictMalware means the URL matched a malware list.
	VerdictMalware
)

// String returns a stable string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "safe"
	case VerdictPhishing:
		return "phishing"
	case VerdictMalware:
		return "malware"
	default:
		return fmt.Sprintf("Verdict(%d)", v)
	}
}

// IsThreat reports whether the verdict should produce a warning.
func (v Verdict) IsThreat() bool { return v == VerdictPhishing || v == VerdictMalware }

// ParseVerdict converts a string into a Verdict.
// Accepts: "safe", "phishing", "malware" (case-insensitive).
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return VerdictSafe, nil
	case "phishing":
		return VerdictPhishing, nil
	case "malware":
		return VerdictMalware, nil
	default:
		return VerdictSafe, fmt.Errorf("unsupported verdict: %q", s)
	}
}

// VerdictForList maps a threat list name onto the verdict it produces.
// Unknown lists map to VerdictSafe so that a foreign list never blocks browsing.
func VerdictForList(listName string) Verdict {
	name := strings.ToLower(listName)
	switch {
	case strings.Contains(name, "malware"):
		return VerdictMalware
	case strings.Contains(name, "phish"):
		return VerdictPhishing
	default:
		return VerdictSafe
	}
}
