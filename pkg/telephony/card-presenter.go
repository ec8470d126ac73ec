package telephony

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/birddigital/signalwire-callcard/pkg/callcard"
	"github.com/birddigital/signalwire-callcard/pkg/calls"
	"github.com/birddigital/signalwire-callcard/pkg/contacts"
	"github.com/birddigital/signalwire-callcard/pkg/notification"
)

// ============================================
// CARD PRESENTER
// Owns the one incoming-call card on screen at a time
// ============================================

// DisplayFactory creates the card surface for a call
type DisplayFactory interface {
	CardDisplay(callID int) callcard.Display
}

// PresenterConfig wires the presenter to its collaborators
type PresenterConfig struct {
	Displays  DisplayFactory
	Resolver  *contacts.Resolver
	Control   calls.CallControlClient
	Telephony calls.TelephonyService
	Fallback  *notification.Fallback

	Placeholder          *contacts.Image
	AllowDirectoryLookup bool
	CommandTimeout       time.Duration
}

// CardPresenter presents incoming calls and routes intents to the current card
type CardPresenter struct {
	cfg PresenterConfig

	mu      sync.Mutex
	current *callcard.Controller

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCardPresenter creates a presenter
func NewCardPresenter(cfg PresenterConfig) (*CardPresenter, error) {
	if cfg.Displays == nil {
		return nil, fmt.Errorf("display factory is required")
	}
	if cfg.Fallback == nil {
		return nil, fmt.Errorf("fallback is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CardPresenter{cfg: cfg, ctx: ctx, cancel: cancel}, nil
}

// Present shows the card for call, tearing down any card already showing
func (p *CardPresenter) Present(call *calls.Call) (*callcard.Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return nil, fmt.Errorf("presenter closed")
	}

	if p.current != nil {
		log.Printf("[CardPresenter] Replacing card for call %d with call %d", p.current.CallID(), call.ID)
		p.current.Teardown()
		p.current = nil
	}

	ctrl, err := callcard.NewController(callcard.Config{
		Call:                 call,
		Display:              p.cfg.Displays.CardDisplay(call.ID),
		Resolver:             p.cfg.Resolver,
		Control:              p.cfg.Control,
		Telephony:            p.cfg.Telephony,
		Fallback:             p.cfg.Fallback,
		Placeholder:          p.cfg.Placeholder,
		AllowDirectoryLookup: p.cfg.AllowDirectoryLookup,
		CommandTimeout:       p.cfg.CommandTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create card for call %d: %w", call.ID, err)
	}

	ctrl.Start(p.ctx)
	p.current = ctrl
	return ctrl, nil
}

// Current returns the card on screen, if any
func (p *CardPresenter) Current() *callcard.Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// HandleIntent routes a user intent to the card presenting callID. A card
// whose command went through is dismissed right away.
func (p *CardPresenter) HandleIntent(ctx context.Context, callID int, intentName string) error {
	intent, err := callcard.ParseIntent(intentName)
	if err != nil {
		return err
	}

	ctrl, err := p.card(callID)
	if err != nil {
		return err
	}
	if err := ctrl.Dispatch(ctx, intent); err != nil {
		return err
	}
	if intent != callcard.IntentBack {
		ctrl.Teardown()
	}
	return nil
}

// RejectWithMessage rejects the call on the card and texts the caller
func (p *CardPresenter) RejectWithMessage(ctx context.Context, callID int, message string) error {
	ctrl, err := p.card(callID)
	if err != nil {
		return err
	}
	if err := ctrl.RejectWithMessage(ctx, message); err != nil {
		return err
	}
	ctrl.Teardown()
	return nil
}

func (p *CardPresenter) card(callID int) (*callcard.Controller, error) {
	p.mu.Lock()
	ctrl := p.current
	p.mu.Unlock()

	if ctrl == nil || ctrl.CallID() != callID {
		return nil, fmt.Errorf("no card for call %d: %w", callID, calls.ErrUnknownCall)
	}
	return ctrl, nil
}

// HandleAction dispatches a fallback notification action
func (p *CardPresenter) HandleAction(ctx context.Context, token string) error {
	return p.cfg.Fallback.HandleAction(ctx, token)
}

// CallEnded tears down the card and drops the fallback for a call that left the network
func (p *CardPresenter) CallEnded(ctx context.Context, callID int) {
	p.mu.Lock()
	if p.current != nil && p.current.CallID() == callID {
		p.current.Teardown()
		p.current = nil
	}
	p.mu.Unlock()

	if err := p.cfg.Fallback.DeactivateCall(ctx, callID); err != nil {
		log.Printf("[CardPresenter] Failed to clear fallback for call %d: %v", callID, err)
	}
}

// Close tears down the current card
func (p *CardPresenter) Close() {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.Teardown()
		p.current = nil
	}
}
