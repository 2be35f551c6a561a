package catalog

import "strings"

// VideoKind tells whether an item's video must go through the resolution chain.
type VideoKind string

const (
	// VideoResolvable is hosted by the catalog and needs manifest -> stream resolution.
	VideoResolvable VideoKind = "resolvable"
	// VideoExternal lives on a third-party host (vimeo) and is never fetched.
	VideoExternal VideoKind = "external"
)

// ScheduleItem is one lecture from today's schedule. Fetched fresh every cycle.
type ScheduleItem struct {
	ID        string
	Title     string
	BatchID   string
	Documents []Document
	Video     *VideoRef // nil when the item carries no video
}

type Document struct {
	BaseURL string
	Key     string
	Name    string
	Title   string
}

// Location is BaseURL+Key, falling back to BaseURL+Name.
// ok is false when neither composes a usable location.
func (d Document) Location() (string, bool) {
	base := strings.TrimSpace(d.BaseURL)
	if base == "" {
		return "", false
	}
	if k := strings.TrimSpace(d.Key); k != "" {
		return base + k, true
	}
	if n := strings.TrimSpace(d.Name); n != "" {
		return base + n, true
	}
	return "", false
}

type VideoRef struct {
	Kind    VideoKind
	URLType string
}

// BatchDetails is the subset of the batch-details response the bot needs.
type BatchDetails struct {
	ID   string
	Name string
}
