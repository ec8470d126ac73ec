package calls

import (
	"context"
	"errors"
	"fmt"
)

// ============================================
// CALL REFERENCES
// Shared between the card, the fallback notification and the backend
// ============================================

// Presentation describes how the network presented the caller number
type Presentation int

const (
	PresentationAllowed Presentation = iota
	PresentationRestricted
	PresentationUnknown
	PresentationPayphone
)

// CallIdentification is the caller-identification token carried by a call
type CallIdentification struct {
	CallID       int          `json:"call_id"`
	Number       string       `json:"number"`
	Presentation Presentation `json:"presentation"`
	CNAPName     string       `json:"cnap_name,omitempty"`
}

// Call is a non-owning reference to a call held by the call registry
type Call struct {
	ID             int                `json:"id"`
	Identification CallIdentification `json:"identification"`
}

// NewCall builds a call whose identification carries the same call id
func NewCall(id int, number string) *Call {
	return &Call{
		ID: id,
		Identification: CallIdentification{
			CallID:       id,
			Number:       number,
			Presentation: PresentationAllowed,
		},
	}
}

func (c *Call) String() string {
	if c == nil {
		return "call(<nil>)"
	}
	return fmt.Sprintf("call(%d)", c.ID)
}

// ============================================
// COLLABORATORS
// ============================================

// CallControlClient issues call-control commands to the telephony stack.
// Implementations must tolerate repeated commands for the same call id.
type CallControlClient interface {
	AnswerCall(ctx context.Context, callID int) error
	RejectCall(ctx context.Context, call *Call, rejectWithMessage bool, message string) error
	SetIgnoreCallState(ctx context.Context, ignored bool) error
	SetSystemBarNavigationEnabled(ctx context.Context, enabled bool) error
}

// TelephonyService exposes ringer control. Callers treat it as best-effort.
type TelephonyService interface {
	SilenceRinger(ctx context.Context) error
}

var (
	// ErrAlreadyDisposed is returned for a second terminal command on a call id
	ErrAlreadyDisposed = errors.New("call already disposed")

	// ErrUnknownCall is returned for a call id the registry does not track
	ErrUnknownCall = errors.New("unknown call")
)
