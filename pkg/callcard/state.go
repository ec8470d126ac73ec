package callcard

import (
	"errors"

	"github.com/birddigital/signalwire-callcard/pkg/contacts"
)

// DispositionState is the lifecycle of one presented call
type DispositionState int

const (
	StatePresented DispositionState = iota
	StateAnswering
	StateIgnoring
	StateRejecting
	StateDismissed
)

func (s DispositionState) String() string {
	switch s {
	case StatePresented:
		return "presented"
	case StateAnswering:
		return "answering"
	case StateIgnoring:
		return "ignoring"
	case StateRejecting:
		return "rejecting"
	case StateDismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state has consumed the user's disposition
func (s DispositionState) Terminal() bool {
	return s == StateAnswering || s == StateIgnoring || s == StateRejecting
}

// Intent is a user input to the card
type Intent int

const (
	IntentAnswer Intent = iota
	IntentIgnore
	IntentReject
	IntentBack
)

func (i Intent) String() string {
	switch i {
	case IntentAnswer:
		return "answer"
	case IntentIgnore:
		return "ignore"
	case IntentReject:
		return "reject"
	case IntentBack:
		return "back"
	default:
		return "unknown"
	}
}

// ParseIntent maps a wire name to an Intent
func ParseIntent(name string) (Intent, error) {
	switch name {
	case "answer":
		return IntentAnswer, nil
	case "ignore":
		return IntentIgnore, nil
	case "reject":
		return IntentReject, nil
	case "back":
		return IntentBack, nil
	default:
		return 0, ErrUnknownIntent
	}
}

// ReleaseReason tells the display why presentation ended
type ReleaseReason int

const (
	ReleaseAnswered ReleaseReason = iota
	ReleaseIgnored
	ReleaseRejected
	ReleaseDismissed
)

func (r ReleaseReason) String() string {
	switch r {
	case ReleaseAnswered:
		return "answered"
	case ReleaseIgnored:
		return "ignored"
	case ReleaseRejected:
		return "rejected"
	default:
		return "dismissed"
	}
}

// Display is the card surface. All methods are called from the controller
// goroutine only.
type Display interface {
	SetName(name string)
	SetLocation(line string)
	SetPhoto(img *contacts.Image)
	CrossFadePhoto(from, to *contacts.Image)
	Release(reason ReleaseReason)
}

var (
	// ErrDismissed is returned for inputs sent after teardown
	ErrDismissed = errors.New("call card dismissed")

	// ErrUnknownIntent is returned by ParseIntent
	ErrUnknownIntent = errors.New("unknown intent")
)
