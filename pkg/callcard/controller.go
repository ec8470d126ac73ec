package callcard

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/birddigital/signalwire-callcard/pkg/calls"
	"github.com/birddigital/signalwire-callcard/pkg/contacts"
)

// ============================================
// CALL DISPOSITION CONTROLLER
// One actor per presented call: intents, resolution events and teardown
// are messages processed in order on a single goroutine
// ============================================

// DefaultCommandTimeout bounds each call-control command
const DefaultCommandTimeout = 10 * time.Second

// FallbackActivator hands an ignored call to the persistent notification
type FallbackActivator interface {
	Activate(ctx context.Context, call *calls.Call, snapshot contacts.ContactCacheEntry) (uuid.UUID, error)
}

// Config wires a controller to its collaborators
type Config struct {
	Call      *calls.Call
	Display   Display
	Resolver  *contacts.Resolver
	Control   calls.CallControlClient
	Telephony calls.TelephonyService
	Fallback  FallbackActivator

	// Placeholder is shown until the contact photo arrives
	Placeholder          *contacts.Image
	AllowDirectoryLookup bool
	CommandTimeout       time.Duration
}

// Stats are diagnostics counters
type Stats struct {
	StaleEvents int64
}

// Snapshot is the controller's view of the card
type Snapshot struct {
	State   DispositionState
	Contact contacts.ContactCacheEntry
	HasText bool
	Photo   *contacts.Image
}

type intentMsg struct {
	intent Intent

	// withMessage asks a reject to text the caller
	withMessage bool
	message     string

	reply    chan error
	accepted chan struct{}
}

type resolvedMsg struct {
	token uint64
	event contacts.Event
}

type teardownMsg struct{}

type snapshotMsg struct {
	reply chan Snapshot
}

// Controller is the disposition state machine for one call
type Controller struct {
	cfg Config

	inbox     chan any
	done      chan struct{}
	startOnce sync.Once

	stateMirror atomic.Int32
	staleEvents atomic.Int64

	// Owned by the run goroutine after Start
	state        DispositionState
	token        uint64
	sub          *contacts.Subscription
	contact      contacts.ContactCacheEntry
	textShown    bool
	photo        *contacts.Image
	pendingPhoto *contacts.Image
}

// NewController validates cfg and creates a controller in Presented
func NewController(cfg Config) (*Controller, error) {
	if cfg.Call == nil {
		return nil, fmt.Errorf("call is required")
	}
	if cfg.Display == nil {
		return nil, fmt.Errorf("display is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if cfg.Control == nil {
		return nil, fmt.Errorf("call control client is required")
	}
	if cfg.Fallback == nil {
		return nil, fmt.Errorf("fallback is required")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}

	ident := cfg.Call.Identification
	return &Controller{
		cfg:   cfg,
		inbox: make(chan any, 16),
		done:  make(chan struct{}),
		state: StatePresented,
		contact: contacts.ContactCacheEntry{
			Name:   ident.CNAPName,
			Number: ident.Number,
		},
	}, nil
}

// CallID returns the presented call id
func (c *Controller) CallID() int {
	return c.cfg.Call.ID
}

// Start shows the initial card, subscribes to contact resolution and
// starts the actor. ctx bounds the resolution lookups.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		call := c.cfg.Call
		log.Printf("[CallCard] Presenting call %d", call.ID)

		c.cfg.Display.SetName(c.contact.DisplayName())
		if c.cfg.Placeholder != nil {
			c.cfg.Display.SetPhoto(c.cfg.Placeholder)
			c.photo = c.cfg.Placeholder
		}

		c.token = 1
		token := c.token
		c.sub = c.cfg.Resolver.Resolve(ctx, call.Identification, c.cfg.AllowDirectoryLookup, func(ev contacts.Event) {
			c.post(resolvedMsg{token: token, event: ev})
		})

		go c.run()
	})
}

// Dispatch delivers a user intent and waits for its outcome. A terminal
// intent returns once its call-control command finished, even when the card
// was torn down meanwhile. The controller must have been started.
// A second terminal intent returns calls.ErrAlreadyDisposed.
func (c *Controller) Dispatch(ctx context.Context, intent Intent) error {
	return c.dispatch(ctx, newIntentMsg(intent))
}

// RejectWithMessage rejects the call and texts the caller. A blank message
// leaves the wording to the call-control backend.
func (c *Controller) RejectWithMessage(ctx context.Context, message string) error {
	msg := newIntentMsg(IntentReject)
	msg.withMessage = true
	msg.message = message
	return c.dispatch(ctx, msg)
}

func newIntentMsg(intent Intent) intentMsg {
	return intentMsg{
		intent:   intent,
		reply:    make(chan error, 1),
		accepted: make(chan struct{}),
	}
}

func (c *Controller) dispatch(ctx context.Context, msg intentMsg) error {
	if !c.postWait(ctx, msg) {
		return ErrDismissed
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
	}

	// Dismissed meanwhile: a command already started still reports back
	select {
	case <-msg.accepted:
		select {
		case err := <-msg.reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
	}
	select {
	case err := <-msg.reply:
		return err
	default:
		return ErrDismissed
	}
}

// Teardown moves the controller to Dismissed and waits for the actor to stop.
// It is safe to call repeatedly, and before Start.
func (c *Controller) Teardown() {
	c.startOnce.Do(func() { go c.run() })
	select {
	case <-c.done:
		return
	case c.inbox <- teardownMsg{}:
	}
	<-c.done
}

// Done is closed once the controller is dismissed
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the last state published by the actor
func (c *Controller) State() DispositionState {
	return DispositionState(c.stateMirror.Load())
}

// Stats returns diagnostics counters
func (c *Controller) Stats() Stats {
	return Stats{StaleEvents: c.staleEvents.Load()}
}

// Snapshot returns the card state as seen by the actor
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !c.postWait(ctx, snapshotMsg{reply: reply}) {
		return Snapshot{}, ErrDismissed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return Snapshot{}, ErrDismissed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// post enqueues a resolver delivery without ever blocking past teardown
func (c *Controller) post(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.done:
		c.staleEvents.Add(1)
	}
}

func (c *Controller) postWait(ctx context.Context, msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// ============================================
// ACTOR LOOP
// ============================================

func (c *Controller) run() {
	defer close(c.done)

	for msg := range c.inbox {
		switch m := msg.(type) {
		case intentMsg:
			cmd, err := c.handleIntent(m)
			if cmd == nil {
				m.reply <- err
				continue
			}
			close(m.accepted)
			go c.execute(cmd, m.reply)
		case resolvedMsg:
			c.handleResolved(m)
		case snapshotMsg:
			m.reply <- Snapshot{
				State:   c.state,
				Contact: c.contact,
				HasText: c.textShown,
				Photo:   c.photo,
			}
		case teardownMsg:
			c.dismiss()
			return
		}
	}
}

func (c *Controller) setState(s DispositionState) {
	c.state = s
	c.stateMirror.Store(int32(s))
}

// command is a call-control step run off the actor goroutine
type command func(ctx context.Context) error

// handleIntent performs the state transition for an intent and returns the
// command that carries it out, if any
func (c *Controller) handleIntent(m intentMsg) (command, error) {
	intent := m.intent
	if intent == IntentBack {
		if c.state == StatePresented {
			log.Printf("[CallCard] Back suppressed for call %d", c.cfg.Call.ID)
		}
		return nil, nil
	}
	if c.state != StatePresented {
		log.Printf("[CallCard] Ignoring %s for call %d in state %s", intent, c.cfg.Call.ID, c.state)
		return nil, calls.ErrAlreadyDisposed
	}

	switch intent {
	case IntentAnswer:
		c.enterTerminal(StateAnswering, ReleaseAnswered)
		return c.answer(), nil
	case IntentIgnore:
		c.enterTerminal(StateIgnoring, ReleaseIgnored)
		return c.ignore(c.contact), nil
	case IntentReject:
		c.enterTerminal(StateRejecting, ReleaseRejected)
		return c.reject(m.withMessage, m.message), nil
	default:
		return nil, ErrUnknownIntent
	}
}

// enterTerminal consumes the disposition, closes the resolution stream and
// releases the card in one actor step, before any command runs
func (c *Controller) enterTerminal(s DispositionState, reason ReleaseReason) {
	c.setState(s)
	c.token = 0
	if c.sub != nil {
		c.sub.Cancel()
	}
	c.cfg.Display.Release(reason)
	log.Printf("[CallCard] Call %d -> %s", c.cfg.Call.ID, s)
}

// execute runs a command under the command timeout and reports its result
func (c *Controller) execute(cmd command, reply chan<- error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()
	reply <- cmd(ctx)
}

func (c *Controller) answer() command {
	call := c.cfg.Call
	return func(ctx context.Context) error {
		err := c.cfg.Control.AnswerCall(ctx, call.ID)
		if err != nil {
			log.Printf("[CallCard] Answer for call %d failed: %v", call.ID, err)
		}
		return err
	}
}

func (c *Controller) reject(withMessage bool, message string) command {
	call := c.cfg.Call
	return func(ctx context.Context) error {
		err := c.cfg.Control.RejectCall(ctx, call, withMessage, message)
		if err != nil {
			log.Printf("[CallCard] Reject for call %d failed: %v", call.ID, err)
		}
		return err
	}
}

// ignore hands the call to the fallback with the contact as known right now
func (c *Controller) ignore(snapshot contacts.ContactCacheEntry) command {
	call := c.cfg.Call
	return func(ctx context.Context) error {
		if c.cfg.Telephony != nil {
			if err := c.cfg.Telephony.SilenceRinger(ctx); err != nil {
				log.Printf("[CallCard] Silence ringer failed: %v", err)
			}
		}
		if err := c.cfg.Control.SetSystemBarNavigationEnabled(ctx, true); err != nil {
			log.Printf("[CallCard] Enable navigation failed: %v", err)
		}
		if err := c.cfg.Control.SetIgnoreCallState(ctx, true); err != nil {
			log.Printf("[CallCard] Set ignore state failed: %v", err)
		}
		if _, err := c.cfg.Fallback.Activate(ctx, call, snapshot); err != nil {
			log.Printf("[CallCard] Fallback for call %d failed: %v", call.ID, err)
			return err
		}
		return nil
	}
}

// dismiss handles teardown from any state
func (c *Controller) dismiss() {
	wasPresented := c.state == StatePresented
	c.token = 0
	if c.sub != nil {
		c.sub.Cancel()
	}
	c.setState(StateDismissed)

	if wasPresented {
		c.cfg.Display.Release(ReleaseDismissed)
	}

	// Deliveries still queued behind the teardown are counted as stale
	for {
		select {
		case msg := <-c.inbox:
			switch m := msg.(type) {
			case resolvedMsg:
				c.staleEvents.Add(1)
			case intentMsg:
				m.reply <- ErrDismissed
			case snapshotMsg:
				m.reply <- Snapshot{State: StateDismissed, Contact: c.contact, HasText: c.textShown, Photo: c.photo}
			}
		default:
			log.Printf("[CallCard] Call %d dismissed", c.cfg.Call.ID)
			return
		}
	}
}

// ============================================
// RESOLUTION EVENTS
// ============================================

func (c *Controller) handleResolved(m resolvedMsg) {
	if m.token == 0 || m.token != c.token || c.state != StatePresented || m.event.CallID != c.cfg.Call.ID {
		c.staleEvents.Add(1)
		return
	}

	switch m.event.Phase {
	case contacts.PhaseText:
		c.applyText(m.event.Entry)
	case contacts.PhasePhoto:
		if m.event.Entry.Photo == nil {
			return
		}
		if !c.textShown {
			c.pendingPhoto = m.event.Entry.Photo
			return
		}
		c.applyPhoto(m.event.Entry.Photo)
	}
}

func (c *Controller) applyText(entry contacts.ContactCacheEntry) {
	entry.Photo = c.contact.Photo
	c.contact = entry
	c.textShown = true

	c.cfg.Display.SetName(entry.DisplayName())
	c.cfg.Display.SetLocation(entry.LocationLine())

	if c.pendingPhoto != nil {
		img := c.pendingPhoto
		c.pendingPhoto = nil
		c.applyPhoto(img)
	}
}

func (c *Controller) applyPhoto(img *contacts.Image) {
	if c.photo != nil {
		c.cfg.Display.CrossFadePhoto(c.photo, img)
	} else {
		c.cfg.Display.SetPhoto(img)
	}
	c.photo = img
	c.contact.Photo = img
}
