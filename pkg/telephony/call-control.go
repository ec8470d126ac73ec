package telephony

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/birddigital/signalwire-callcard/pkg/calls"
	"github.com/birddigital/signalwire-callcard/pkg/signalwire"
)

// ============================================
// CALL CONTROL BACKEND
// Terminal commands for held inbound calls, at most one per call id
// ============================================

// CallBackend is the SignalWire surface used to act on a live call
type CallBackend interface {
	RedirectCall(ctx context.Context, callSID, lamlURL string) (*signalwire.Call, error)
	HangupCall(ctx context.Context, callSID string) error
}

// RejectMessenger texts the caller after a reject with message
type RejectMessenger interface {
	SendRejectMessage(ctx context.Context, to, message string) (*signalwire.Message, error)
}

// CallControl implements calls.CallControlClient on top of SignalWire
type CallControl struct {
	registry  *CallRegistry
	backend   CallBackend
	messenger RejectMessenger
	answerURL string

	// call id -> disposition, reserved before the backend is called
	disposed sync.Map

	ignoreState       atomic.Bool
	navigationEnabled atomic.Bool
}

// NewCallControl creates the backend. answerURL is the LaML endpoint that
// connects an answered call to the handset; messenger may be nil.
func NewCallControl(registry *CallRegistry, backend CallBackend, messenger RejectMessenger, answerURL string) *CallControl {
	cc := &CallControl{
		registry:  registry,
		backend:   backend,
		messenger: messenger,
		answerURL: answerURL,
	}
	cc.navigationEnabled.Store(true)
	return cc
}

// AnswerCall connects a held inbound call to the handset
func (cc *CallControl) AnswerCall(ctx context.Context, callID int) error {
	ic, err := cc.reserve(callID, "answer")
	if err != nil {
		return err
	}

	if _, err := cc.backend.RedirectCall(ctx, ic.SID(), cc.answerTarget(callID)); err != nil {
		cc.release(callID)
		return fmt.Errorf("failed to answer call %d: %w", callID, err)
	}

	if err := cc.registry.MarkState(ctx, callID, StateAnswering); err != nil {
		log.Printf("[CallControl] Failed to mark call %d answering: %v", callID, err)
	}
	log.Printf("[CallControl] Answered call %d (sid: %s)", callID, ic.SID())
	return nil
}

// RejectCall hangs up a held inbound call, optionally texting the caller
func (cc *CallControl) RejectCall(ctx context.Context, call *calls.Call, rejectWithMessage bool, message string) error {
	if call == nil {
		return fmt.Errorf("reject: %w", calls.ErrUnknownCall)
	}
	ic, err := cc.reserve(call.ID, "reject")
	if err != nil {
		return err
	}

	if err := cc.backend.HangupCall(ctx, ic.SID()); err != nil {
		cc.release(call.ID)
		return fmt.Errorf("failed to reject call %d: %w", call.ID, err)
	}

	if err := cc.registry.MarkState(ctx, call.ID, StateRejected); err != nil {
		log.Printf("[CallControl] Failed to mark call %d rejected: %v", call.ID, err)
	}
	log.Printf("[CallControl] Rejected call %d (sid: %s)", call.ID, ic.SID())

	if rejectWithMessage && cc.messenger != nil {
		// The call is already gone; a failed text does not undo the reject
		if _, err := cc.messenger.SendRejectMessage(ctx, call.Identification.Number, message); err != nil {
			log.Printf("[CallControl] Reject message for call %d failed: %v", call.ID, err)
		}
	}
	return nil
}

// SetIgnoreCallState records that the current call was ignored
func (cc *CallControl) SetIgnoreCallState(ctx context.Context, ignored bool) error {
	cc.ignoreState.Store(ignored)
	if ignored {
		if c, err := cc.registry.IncomingCall(); err == nil {
			if err := cc.registry.MarkState(ctx, c.ID, StateIgnored); err != nil {
				log.Printf("[CallControl] Failed to mark call %d ignored: %v", c.ID, err)
			}
		}
	}
	return nil
}

// SetSystemBarNavigationEnabled records whether handset navigation is allowed
func (cc *CallControl) SetSystemBarNavigationEnabled(_ context.Context, enabled bool) error {
	cc.navigationEnabled.Store(enabled)
	return nil
}

// IgnoreCallState reports the last value set by SetIgnoreCallState
func (cc *CallControl) IgnoreCallState() bool {
	return cc.ignoreState.Load()
}

// NavigationEnabled reports the last value set by SetSystemBarNavigationEnabled
func (cc *CallControl) NavigationEnabled() bool {
	return cc.navigationEnabled.Load()
}

// Disposition returns the terminal command taken for a call, if any
func (cc *CallControl) Disposition(callID int) (string, bool) {
	v, ok := cc.disposed.Load(callID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Forget drops dedupe state for a call that has ended
func (cc *CallControl) Forget(callID int) {
	cc.disposed.Delete(callID)
}

// reserve claims the single terminal command for callID
func (cc *CallControl) reserve(callID int, what string) (*IncomingCall, error) {
	ic, ok := cc.registry.Lookup(callID)
	if !ok {
		return nil, fmt.Errorf("call %d: %w", callID, calls.ErrUnknownCall)
	}
	if ic.Record().State.Ended() {
		return nil, fmt.Errorf("call %d ended: %w", callID, calls.ErrAlreadyDisposed)
	}
	if prev, loaded := cc.disposed.LoadOrStore(callID, what); loaded {
		log.Printf("[CallControl] Refusing %s for call %d, already %s", what, callID, prev)
		return nil, fmt.Errorf("call %d: %w", callID, calls.ErrAlreadyDisposed)
	}
	return ic, nil
}

// release gives back a reservation after a transient backend failure
func (cc *CallControl) release(callID int) {
	cc.disposed.Delete(callID)
}

func (cc *CallControl) answerTarget(callID int) string {
	u, err := url.Parse(cc.answerURL)
	if err != nil {
		return cc.answerURL
	}
	q := u.Query()
	q.Set("call_id", strconv.Itoa(callID))
	u.RawQuery = q.Encode()
	return u.String()
}

// IsTransient reports whether a control error may succeed on retry
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, calls.ErrAlreadyDisposed) && !errors.Is(err, calls.ErrUnknownCall)
}
