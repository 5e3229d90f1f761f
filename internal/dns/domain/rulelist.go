package domain

import (
	"net/url"
	"strings"
)

// RuleListEntry is one configured rule-list source.
type RuleListEntry struct {
	Title    string
	Location string
	Policy   Policy
}

// SourceKind classifies where an entry's hostnames come from.
type SourceKind uint8

const (
	// SourceHost is a single literal hostname; the location has no '/'.
	SourceHost SourceKind = iota
	// SourceHTTP is an http or https URL downloaded into the rule cache.
	SourceHTTP
	// SourceContent is a file:// content URI read in place.
	SourceContent
	// SourceUnknown is anything else; it cannot be fetched or read.
	SourceUnknown
)

// Kind returns the source kind of the entry's location.
func (e RuleListEntry) Kind() SourceKind {
	if !strings.Contains(e.Location, "/") {
		return SourceHost
	}
	u, err := url.Parse(e.Location)
	if err != nil {
		return SourceUnknown
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return SourceHTTP
	case "file":
		return SourceContent
	default:
		return SourceUnknown
	}
}

// IsFetchable reports whether the updater has anything to refresh for the entry.
func (e RuleListEntry) IsFetchable() bool {
	if e.Policy == PolicyIgnore {
		return false
	}
	k := e.Kind()
	return k == SourceHTTP || k == SourceContent
}

// ContentPath returns the local filesystem path of a file:// location.
func (e RuleListEntry) ContentPath() (string, bool) {
	if e.Kind() != SourceContent {
		return "", false
	}
	u, err := url.Parse(e.Location)
	if err != nil || u.Path == "" {
		return "", false
	}
	return u.Path, true
}
