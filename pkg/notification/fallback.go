package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/birddigital/signalwire-callcard/pkg/calls"
	"github.com/birddigital/signalwire-callcard/pkg/contacts"
)

// ============================================
// IGNORED CALL FALLBACK
// One persistent notification that can still answer or reject an ignored call
// ============================================

// IgnoredSlot is the fixed notification slot for ignored calls
const IgnoredSlot = 2

const (
	ActionAnswer = "answer"
	ActionReject = "reject"
	ActionOpen   = "open"
)

var (
	// ErrStaleAction is returned for an action whose call is no longer in the slot
	ErrStaleAction = errors.New("stale fallback action")

	// ErrInvalidAction is returned for a token that fails verification
	ErrInvalidAction = errors.New("invalid fallback action")
)

// Priority mirrors the host notification priority levels
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
)

// Action is a named quick action embedded in a notification
type Action struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Token string `json:"token,omitempty"`
}

// Notification is what gets posted into a slot
type Notification struct {
	Slot       int       `json:"slot"`
	CallID     int       `json:"call_id"`
	Generation uuid.UUID `json:"generation"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	Icon       string    `json:"icon"`
	Ongoing    bool      `json:"ongoing"`
	Priority   Priority  `json:"priority"`
	Content    *Action   `json:"content,omitempty"`
	Actions    []Action  `json:"actions"`
}

// Poster is the host notification subsystem
type Poster interface {
	Post(ctx context.Context, slot int, n Notification) error
	Cancel(ctx context.Context, slot int) error
}

type ignoredCall struct {
	call *calls.Call
	gen  uuid.UUID
}

// Fallback owns the ignored-call slot
type Fallback struct {
	poster  Poster
	control calls.CallControlClient
	signer  *ActionSigner

	// mu serializes every slot mutation; actions arrive from HTTP handlers
	// and device sockets concurrently with Activate
	mu     sync.Mutex
	active *ignoredCall

	staleActions atomic.Int64
}

// NewFallback creates the fallback over a poster and a call-control backend
func NewFallback(poster Poster, control calls.CallControlClient, signer *ActionSigner) *Fallback {
	return &Fallback{
		poster:  poster,
		control: control,
		signer:  signer,
	}
}

// Activate posts the ignored-call notification, replacing any previous one.
// The returned generation tags the embedded actions.
func (f *Fallback) Activate(ctx context.Context, call *calls.Call, snapshot contacts.ContactCacheEntry) (uuid.UUID, error) {
	if call == nil {
		return uuid.Nil, fmt.Errorf("activate fallback: %w", calls.ErrUnknownCall)
	}

	gen := uuid.New()
	n, err := f.build(call, gen, snapshot)
	if err != nil {
		return uuid.Nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active != nil {
		log.Printf("[Fallback] Replacing ignored call %d with call %d", f.active.call.ID, call.ID)
	}

	log.Printf("[Fallback] Notifying slot %d for ignored call %d", IgnoredSlot, call.ID)
	if err := f.poster.Post(ctx, IgnoredSlot, n); err != nil {
		// The older call is superseded either way; nothing dispatchable is left behind
		if clearErr := f.clearLocked(ctx); clearErr != nil {
			log.Printf("[Fallback] %v", clearErr)
		}
		return uuid.Nil, fmt.Errorf("failed to post ignored call notification: %w", err)
	}
	f.active = &ignoredCall{call: call, gen: gen}
	return gen, nil
}

// Deactivate cancels the notification if one is present
func (f *Fallback) Deactivate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clearLocked(ctx)
}

// DeactivateCall cancels the notification only if it belongs to callID
func (f *Fallback) DeactivateCall(ctx context.Context, callID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil || f.active.call.ID != callID {
		return nil
	}
	return f.clearLocked(ctx)
}

// Active reports the call currently held by the slot
func (f *Fallback) Active() (callID int, gen uuid.UUID, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return 0, uuid.Nil, false
	}
	return f.active.call.ID, f.active.gen, true
}

// StaleActions counts actions that arrived for a replaced or consumed slot
func (f *Fallback) StaleActions() int64 {
	return f.staleActions.Load()
}

// AnswerIgnored answers the ignored call held by generation gen
func (f *Fallback) AnswerIgnored(ctx context.Context, callID int, gen uuid.UUID) error {
	return f.dispatch(ctx, ActionAnswer, callID, gen, func(call *calls.Call) error {
		return f.control.AnswerCall(ctx, call.ID)
	})
}

// RejectIgnored rejects the ignored call held by generation gen
func (f *Fallback) RejectIgnored(ctx context.Context, callID int, gen uuid.UUID) error {
	return f.dispatch(ctx, ActionReject, callID, gen, func(call *calls.Call) error {
		return f.control.RejectCall(ctx, call, false, "")
	})
}

// HandleAction verifies a quick-action token and dispatches it
func (f *Fallback) HandleAction(ctx context.Context, token string) error {
	if f.signer == nil {
		return fmt.Errorf("%w: signing disabled", ErrInvalidAction)
	}
	claims, err := f.signer.Verify(token)
	if err != nil {
		return err
	}
	gen := uuid.MustParse(claims.Generation)

	switch claims.Action {
	case ActionAnswer:
		return f.AnswerIgnored(ctx, claims.CallID, gen)
	case ActionReject:
		return f.RejectIgnored(ctx, claims.CallID, gen)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAction, claims.Action)
	}
}

// dispatch claims the slot for (callID, gen), runs the command, then cancels
func (f *Fallback) dispatch(ctx context.Context, action string, callID int, gen uuid.UUID, command func(*calls.Call) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active == nil || f.active.call.ID != callID || f.active.gen != gen {
		f.staleActions.Add(1)
		log.Printf("[Fallback] Ignoring stale %s action for call %d", action, callID)
		return ErrStaleAction
	}

	call := f.active.call
	if err := command(call); err != nil {
		if !errors.Is(err, calls.ErrAlreadyDisposed) && !errors.Is(err, calls.ErrUnknownCall) {
			// Slot kept so the user can retry
			return fmt.Errorf("%s ignored call %d: %w", action, callID, err)
		}
		log.Printf("[Fallback] Backend refused %s for call %d: %v", action, callID, err)
		if clearErr := f.clearLocked(ctx); clearErr != nil {
			log.Printf("[Fallback] %v", clearErr)
		}
		return err
	}

	log.Printf("[Fallback] Dispatched %s for ignored call %d", action, callID)
	return f.clearLocked(ctx)
}

func (f *Fallback) clearLocked(ctx context.Context) error {
	if f.active == nil {
		return nil
	}
	f.active = nil
	if err := f.poster.Cancel(ctx, IgnoredSlot); err != nil {
		return fmt.Errorf("failed to cancel ignored call notification: %w", err)
	}
	return nil
}

// build assembles the notification for an ignored call
func (f *Fallback) build(call *calls.Call, gen uuid.UUID, snapshot contacts.ContactCacheEntry) (Notification, error) {
	if snapshot.Number == "" {
		snapshot.Number = call.Identification.Number
	}

	n := Notification{
		Slot:       IgnoredSlot,
		CallID:     call.ID,
		Generation: gen,
		Title:      snapshot.DisplayName(),
		Text:       snapshot.DetailLine(),
		Icon:       "ic_block_contact",
		Ongoing:    true,
		Priority:   PriorityHigh,
		Content:    &Action{Name: ActionOpen, Label: "Return to call"},
	}

	for _, a := range []struct{ name, label string }{
		{ActionReject, "Decline"},
		{ActionAnswer, "Answer"},
	} {
		action := Action{Name: a.name, Label: a.label}
		if f.signer != nil {
			token, err := f.signer.Sign(a.name, call.ID, gen)
			if err != nil {
				return Notification{}, err
			}
			action.Token = token
		}
		n.Actions = append(n.Actions, action)
	}

	return n, nil
}
