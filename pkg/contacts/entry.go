package contacts

import (
	"context"
	"strings"

	"github.com/birddigital/signalwire-callcard/pkg/calls"
)

// UnknownLocation is shown when no location could be resolved
const UnknownLocation = "Unknown"

// unknownCaller is the display name for a call without any identifier
const unknownCaller = "Unknown"

// Image is a contact photo
type Image struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// ContactCacheEntry holds resolved caller facts
type ContactCacheEntry struct {
	Name      string `json:"name"`
	Number    string `json:"number"`
	Label     string `json:"label,omitempty"`
	Location  string `json:"location"`
	Photo     *Image `json:"photo,omitempty"`
	PersonURI string `json:"person_uri,omitempty"`
}

// DisplayName falls back to the number when the contact has no name
func (e ContactCacheEntry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Number != "" {
		return e.Number
	}
	return unknownCaller
}

// LocationLine is the secondary card line: "label location" or just the location
func (e ContactCacheEntry) LocationLine() string {
	loc := e.Location
	if loc == "" {
		loc = UnknownLocation
	}
	if e.Label == "" {
		return loc
	}
	return e.Label + " " + loc
}

// DetailLine is the notification text: "number label location" when labelled
func (e ContactCacheEntry) DetailLine() string {
	if e.Label == "" {
		return e.LocationLine()
	}
	return strings.TrimSpace(e.Number + " " + e.LocationLine())
}

// Phase identifies one of the two resolution stages
type Phase int

const (
	PhaseText Phase = iota
	PhasePhoto
)

func (p Phase) String() string {
	switch p {
	case PhaseText:
		return "text"
	case PhasePhoto:
		return "photo"
	default:
		return "unknown"
	}
}

// Event is one staged resolution result
type Event struct {
	Phase  Phase
	CallID int
	Entry  ContactCacheEntry
}

// ============================================
// CONTACT INFO CACHE CONTRACT
// ============================================

// InfoCallback receives the two lookup stages for a call id
type InfoCallback interface {
	OnContactInfoComplete(callID int, entry ContactCacheEntry)
	OnImageLoadComplete(callID int, entry ContactCacheEntry)
}

// InfoCache looks up caller facts asynchronously. Callbacks run on the
// cache's own goroutines.
type InfoCache interface {
	FindInfo(ctx context.Context, ident calls.CallIdentification, allowDirectoryLookup bool, cb InfoCallback) error
}

// DirectoryNotifier is told when a directory-backed contact was displayed
type DirectoryNotifier interface {
	SendViewNotification(ctx context.Context, personURI string) error
}
