package contacts

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birddigital/signalwire-callcard/pkg/calls"
)

// ============================================
// CONTACT RESOLVER
// Two-stage caller lookup (text, then photo) on top of an InfoCache
// ============================================

// DefaultResolveTimeout bounds how long the text stage may take before
// the resolver falls back to the raw number
const DefaultResolveTimeout = 5 * time.Second

// Resolver adapts an InfoCache into per-call, cancellable subscriptions
type Resolver struct {
	cache     InfoCache
	location  LocationStrategy
	directory DirectoryNotifier
	timeout   time.Duration
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithLocationStrategy sets the location strategy
func WithLocationStrategy(s LocationStrategy) ResolverOption {
	return func(r *Resolver) { r.location = s }
}

// WithDirectoryNotifier enables "viewed" notifications for directory contacts
func WithDirectoryNotifier(n DirectoryNotifier) ResolverOption {
	return func(r *Resolver) { r.directory = n }
}

// WithResolveTimeout sets the text-stage deadline. Zero disables it.
func WithResolveTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver creates a resolver backed by cache
func NewResolver(cache InfoCache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:    cache,
		location: EntryLocation{},
		timeout:  DefaultResolveTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve starts a lookup for ident. deliver receives at most one Text event
// and then at most one Photo event, and nothing once the subscription is
// cancelled. deliver is called from resolver goroutines.
func (r *Resolver) Resolve(ctx context.Context, ident calls.CallIdentification, allowDirectoryLookup bool, deliver func(Event)) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		resolver: r,
		ident:    ident,
		deliver:  deliver,
		ctx:      subCtx,
		cancel:   cancel,
	}

	if r.timeout > 0 {
		sub.timer = time.AfterFunc(r.timeout, func() {
			sub.degrade("timed out")
		})
	}

	if err := r.cache.FindInfo(subCtx, ident, allowDirectoryLookup, sub); err != nil {
		log.Printf("[ContactResolver] Lookup for call %d failed: %v", ident.CallID, err)
		sub.degrade("lookup failed")
	}

	return sub
}

// present applies display rules to a raw text-stage entry
func (r *Resolver) present(ctx context.Context, ident calls.CallIdentification, entry ContactCacheEntry) ContactCacheEntry {
	if entry.Number == "" {
		entry.Number = ident.Number
	}
	if entry.Name == "" && ident.CNAPName != "" {
		entry.Name = ident.CNAPName
	}
	entry.Location = r.location.Locate(ctx, entry)
	if entry.Location == "" {
		entry.Location = UnknownLocation
	}
	return entry
}

// ============================================
// SUBSCRIPTION
// ============================================

// Subscription is one in-flight lookup for one call id
type Subscription struct {
	resolver *Resolver
	ident    calls.CallIdentification
	deliver  func(Event)
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer

	cancelled atomic.Bool

	mu           sync.Mutex
	textSent     bool
	photoSent    bool
	pendingPhoto *ContactCacheEntry
}

// CallID returns the call id this subscription resolves
func (s *Subscription) CallID() int {
	return s.ident.CallID
}

// Cancel stops delivery. Safe to call more than once and from any goroutine.
func (s *Subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
}

// Cancelled reports whether Cancel was called or the parent context ended
func (s *Subscription) Cancelled() bool {
	return s.cancelled.Load() || s.ctx.Err() != nil
}

// OnContactInfoComplete implements InfoCallback
func (s *Subscription) OnContactInfoComplete(callID int, entry ContactCacheEntry) {
	if callID != s.ident.CallID {
		log.Printf("[ContactResolver] Dropping text for call %d on subscription %d", callID, s.ident.CallID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.textSent || s.Cancelled() {
		return
	}
	s.sendTextLocked(s.resolver.present(s.ctx, s.ident, entry))

	if entry.PersonURI != "" && s.resolver.directory != nil {
		go s.notifyViewed(entry.PersonURI)
	}
}

// OnImageLoadComplete implements InfoCallback
func (s *Subscription) OnImageLoadComplete(callID int, entry ContactCacheEntry) {
	if callID != s.ident.CallID {
		log.Printf("[ContactResolver] Dropping photo for call %d on subscription %d", callID, s.ident.CallID)
		return
	}
	if entry.Photo == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.photoSent || s.Cancelled() {
		return
	}
	if !s.textSent {
		// Held until the text stage lands
		held := entry
		s.pendingPhoto = &held
		return
	}
	s.sendPhotoLocked(entry)
}

// degrade delivers a number-only text stage if nothing was delivered yet
func (s *Subscription) degrade(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.textSent || s.Cancelled() {
		return
	}
	log.Printf("[ContactResolver] Call %d %s, showing raw number", s.ident.CallID, reason)
	s.sendTextLocked(ContactCacheEntry{
		Name:     s.ident.CNAPName,
		Number:   s.ident.Number,
		Location: UnknownLocation,
	})
}

func (s *Subscription) sendTextLocked(entry ContactCacheEntry) {
	s.textSent = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.deliver(Event{Phase: PhaseText, CallID: s.ident.CallID, Entry: entry})

	if s.pendingPhoto != nil {
		photo := *s.pendingPhoto
		s.pendingPhoto = nil
		if !s.Cancelled() {
			s.sendPhotoLocked(photo)
		}
	}
}

func (s *Subscription) sendPhotoLocked(entry ContactCacheEntry) {
	s.photoSent = true
	s.deliver(Event{Phase: PhasePhoto, CallID: s.ident.CallID, Entry: entry})
}

func (s *Subscription) notifyViewed(personURI string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.resolver.directory.SendViewNotification(ctx, personURI); err != nil {
		log.Printf("[ContactResolver] View notification for %s failed: %v", personURI, err)
	}
}
