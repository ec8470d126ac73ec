package telephony

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/birddigital/signalwire-callcard/pkg/calls"
)

// ============================================
// INCOMING CALL REGISTRY
// Tracks inbound SignalWire calls and hands out call references
// ============================================

// DB is the subset of pgxpool.Pool the registry uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CallState represents the current state of a call
type CallState string

const (
	StateRinging    CallState = "ringing"
	StateAnswering  CallState = "answering"
	StateInProgress CallState = "in_progress"
	StateIgnored    CallState = "ignored"
	StateRejected   CallState = "rejected"
	StateCompleted  CallState = "completed"
	StateFailed     CallState = "failed"
	StateNoAnswer   CallState = "no_answer"
	StateBusy       CallState = "busy"
	StateCancelled  CallState = "cancelled"
)

// Ended reports whether the call is gone from the network
func (s CallState) Ended() bool {
	switch s {
	case StateCompleted, StateFailed, StateNoAnswer, StateBusy, StateCancelled, StateRejected:
		return true
	}
	return false
}

// StateFromStatus maps a SignalWire CallStatus value to a CallState
func StateFromStatus(status string) (CallState, bool) {
	switch status {
	case "queued", "initiated", "ringing":
		return StateRinging, true
	case "in-progress", "answered":
		return StateInProgress, true
	case "completed":
		return StateCompleted, true
	case "failed", "error":
		return StateFailed, true
	case "no-answer":
		return StateNoAnswer, true
	case "busy":
		return StateBusy, true
	case "canceled":
		return StateCancelled, true
	}
	return StateFailed, false
}

// CallRecord is the persisted view of an inbound call
type CallRecord struct {
	ID         int        `json:"id"`
	SID        string     `json:"signalwire_call_sid"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	CallerName string     `json:"caller_name,omitempty"`
	State      CallState  `json:"state"`
	ReceivedAt time.Time  `json:"received_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// IncomingCall is one inbound call as seen by the registry
type IncomingCall struct {
	mu  sync.Mutex
	rec CallRecord
}

// ID returns the local call id
func (ic *IncomingCall) ID() int {
	return ic.rec.ID
}

// SID returns the SignalWire call SID
func (ic *IncomingCall) SID() string {
	return ic.rec.SID
}

// Record copies the call state under the call lock
func (ic *IncomingCall) Record() CallRecord {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.rec
}

// Reference builds the call reference handed to the card and the fallback
func (ic *IncomingCall) Reference() *calls.Call {
	rec := ic.Record()

	presentation, number := presentationOf(rec.From)
	return &calls.Call{
		ID: rec.ID,
		Identification: calls.CallIdentification{
			CallID:       rec.ID,
			Number:       number,
			Presentation: presentation,
			CNAPName:     rec.CallerName,
		},
	}
}

// presentationOf interprets the From value SignalWire puts on withheld numbers
func presentationOf(from string) (calls.Presentation, string) {
	switch strings.ToLower(strings.TrimSpace(from)) {
	case "", "unknown":
		return calls.PresentationUnknown, ""
	case "anonymous", "restricted", "private":
		return calls.PresentationRestricted, ""
	case "payphone":
		return calls.PresentationPayphone, ""
	}
	return calls.PresentationAllowed, from
}

// CallRegistry tracks inbound calls by local id and SignalWire SID
type CallRegistry struct {
	db DB

	nextID atomic.Int64
	calls  sync.Map // id -> *IncomingCall
	bySID  sync.Map // callSID -> id

	// guards registration and the latest ringing call
	mu     sync.RWMutex
	latest int
}

// NewCallRegistry creates a registry; db may be nil for memory-only tracking
func NewCallRegistry(db DB) *CallRegistry {
	return &CallRegistry{db: db}
}

// EnsureSchema creates the incoming_calls table
func (r *CallRegistry) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS incoming_calls (
			signalwire_call_sid TEXT PRIMARY KEY,
			local_id            INTEGER NOT NULL,
			from_number         TEXT NOT NULL DEFAULT '',
			to_number           TEXT NOT NULL DEFAULT '',
			caller_name         TEXT NOT NULL DEFAULT '',
			call_state          TEXT NOT NULL,
			received_at         TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL,
			ended_at            TIMESTAMPTZ
		)`)
	if err != nil {
		return fmt.Errorf("failed to create incoming_calls: %w", err)
	}
	return nil
}

// Register records a ringing inbound call. SignalWire may retry the
// webhook, so a SID that is already known returns the existing call.
func (r *CallRegistry) Register(ctx context.Context, callSID, from, to, callerName string) (*IncomingCall, error) {
	if callSID == "" {
		return nil, fmt.Errorf("call sid is required")
	}
	r.mu.Lock()
	if id, ok := r.bySID.Load(callSID); ok {
		r.mu.Unlock()
		if ic, ok := r.Lookup(id.(int)); ok {
			return ic, nil
		}
		return nil, fmt.Errorf("call %s: %w", callSID, calls.ErrUnknownCall)
	}

	now := time.Now()
	ic := &IncomingCall{rec: CallRecord{
		ID:         int(r.nextID.Add(1)),
		SID:        callSID,
		From:       from,
		To:         to,
		CallerName: callerName,
		State:      StateRinging,
		ReceivedAt: now,
		UpdatedAt:  now,
	}}
	r.calls.Store(ic.ID(), ic)
	r.bySID.Store(callSID, ic.ID())
	r.latest = ic.ID()
	r.mu.Unlock()

	if err := r.insertCall(ctx, ic); err != nil {
		log.Printf("[CallRegistry] Failed to persist call %s: %v", callSID, err)
	}

	log.Printf("[CallRegistry] Registered call %d (sid: %s, from: %s)", ic.ID(), callSID, from)
	return ic, nil
}

// IncomingCall returns the most recent call that is still ringing
func (r *CallRegistry) IncomingCall() (*calls.Call, error) {
	r.mu.RLock()
	id := r.latest
	r.mu.RUnlock()

	ic, ok := r.Lookup(id)
	if !ok {
		return nil, calls.ErrUnknownCall
	}
	if ic.Record().State != StateRinging {
		return nil, calls.ErrUnknownCall
	}
	return ic.Reference(), nil
}

// Lookup finds a call by local id
func (r *CallRegistry) Lookup(id int) (*IncomingCall, bool) {
	v, ok := r.calls.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*IncomingCall), true
}

// LookupSID finds a call by SignalWire SID
func (r *CallRegistry) LookupSID(callSID string) (*IncomingCall, bool) {
	id, ok := r.bySID.Load(callSID)
	if !ok {
		return nil, false
	}
	return r.Lookup(id.(int))
}

// UpdateCallState moves a call to newState and persists it
func (r *CallRegistry) UpdateCallState(ctx context.Context, callSID string, newState CallState) (*IncomingCall, error) {
	ic, ok := r.LookupSID(callSID)
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callSID, calls.ErrUnknownCall)
	}
	r.setState(ctx, ic, newState)
	return ic, nil
}

// MarkState moves a call, addressed by local id, to newState
func (r *CallRegistry) MarkState(ctx context.Context, id int, newState CallState) error {
	ic, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("call %d: %w", id, calls.ErrUnknownCall)
	}
	r.setState(ctx, ic, newState)
	return nil
}

func (r *CallRegistry) setState(ctx context.Context, ic *IncomingCall, newState CallState) {
	ic.mu.Lock()
	now := time.Now()
	ic.rec.State = newState
	ic.rec.UpdatedAt = now
	if newState.Ended() && ic.rec.EndedAt == nil {
		ic.rec.EndedAt = &now
	}
	rec := ic.rec
	ic.mu.Unlock()

	if err := r.updateCall(ctx, rec); err != nil {
		log.Printf("[CallRegistry] Failed to update call %s: %v", rec.SID, err)
	}
}

// Active lists tracked calls, newest first
func (r *CallRegistry) Active() []CallRecord {
	var out []CallRecord
	r.calls.Range(func(_, value any) bool {
		out = append(out, value.(*IncomingCall).Record())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// CleanupEndedCalls removes ended calls from memory
func (r *CallRegistry) CleanupEndedCalls() int {
	removed := 0
	r.calls.Range(func(key, value any) bool {
		ic := value.(*IncomingCall)
		if ic.Record().State.Ended() {
			r.calls.Delete(key)
			r.bySID.Delete(ic.SID())
			removed++
		}
		return true
	})
	return removed
}

// RunCleanup drops ended calls every interval until ctx is done
func (r *CallRegistry) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.CleanupEndedCalls(); n > 0 {
				log.Printf("[CallRegistry] Cleaned up %d ended calls", n)
			}
		}
	}
}

// ============================================
// DATABASE OPERATIONS
// ============================================

func (r *CallRegistry) insertCall(ctx context.Context, ic *IncomingCall) error {
	if r.db == nil {
		return nil
	}
	s := ic.Record()
	_, err := r.db.Exec(ctx, `
		INSERT INTO incoming_calls (
			signalwire_call_sid, local_id, from_number, to_number,
			caller_name, call_state, received_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (signalwire_call_sid) DO NOTHING`,
		s.SID, s.ID, s.From, s.To, s.CallerName, string(s.State), s.ReceivedAt, s.UpdatedAt,
	)
	return err
}

func (r *CallRegistry) updateCall(ctx context.Context, s CallRecord) error {
	if r.db == nil {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE incoming_calls SET
			call_state = $1,
			updated_at = $2,
			ended_at = $3
		WHERE signalwire_call_sid = $4`,
		string(s.State), s.UpdatedAt, s.EndedAt, s.SID,
	)
	return err
}

// History loads the persisted state of a call that is no longer in memory
func (r *CallRegistry) History(ctx context.Context, callSID string) (CallRecord, error) {
	if ic, ok := r.LookupSID(callSID); ok {
		return ic.Record(), nil
	}
	if r.db == nil {
		return CallRecord{}, fmt.Errorf("call %s: %w", callSID, calls.ErrUnknownCall)
	}

	var s CallRecord
	var state string
	err := r.db.QueryRow(ctx, `
		SELECT signalwire_call_sid, local_id, from_number, to_number,
		       caller_name, call_state, received_at, updated_at, ended_at
		FROM incoming_calls
		WHERE signalwire_call_sid = $1`, callSID,
	).Scan(&s.SID, &s.ID, &s.From, &s.To, &s.CallerName, &state, &s.ReceivedAt, &s.UpdatedAt, &s.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("call %s: %w", callSID, calls.ErrUnknownCall)
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("failed to load call %s: %w", callSID, err)
	}
	s.State = CallState(state)
	return s, nil
}
