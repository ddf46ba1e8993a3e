package domain

import "strings"

// WhitelistEntry records that the user proceeded past a warning in a view.
// It lives as long as the view and is never persisted.
type WhitelistEntry struct {
	ViewID  string
	Domain  string
	Verdict Verdict
}

// NewWhitelistEntry builds an entry with a normalized domain.
func NewWhitelistEntry(viewID, domain string, v Verdict) WhitelistEntry {
	return WhitelistEntry{
		ViewID:  viewID,
		Domain:  strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), "."),
		Verdict: v,
	}
}
