package callcard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/birddigital/signalwire-callcard/pkg/calls"
	"github.com/birddigital/signalwire-callcard/pkg/contacts"
)

// ============================================
// FAKES
// ============================================

type fakeCache struct {
	mu  sync.Mutex
	cbs map[int]contacts.InfoCallback
	err error
}

func (f *fakeCache) FindInfo(_ context.Context, ident calls.CallIdentification, _ bool, cb contacts.InfoCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.cbs == nil {
		f.cbs = make(map[int]contacts.InfoCallback)
	}
	f.cbs[ident.CallID] = cb
	return nil
}

func (f *fakeCache) callback(t *testing.T, callID int) contacts.InfoCallback {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.cbs[callID]
	require.True(t, ok, "no lookup started for call %d", callID)
	return cb
}

type fakeDisplay struct {
	mu       sync.Mutex
	ops      []string
	name     string
	location string
	photo    *contacts.Image
	released []ReleaseReason
}

func (d *fakeDisplay) SetName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
	d.ops = append(d.ops, "name:"+name)
}

func (d *fakeDisplay) SetLocation(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.location = line
	d.ops = append(d.ops, "location:"+line)
}

func (d *fakeDisplay) SetPhoto(img *contacts.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.photo = img
	d.ops = append(d.ops, "photo:"+string(img.Data))
}

func (d *fakeDisplay) CrossFadePhoto(from, to *contacts.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.photo = to
	d.ops = append(d.ops, "crossfade:"+string(from.Data)+">"+string(to.Data))
}

func (d *fakeDisplay) Release(reason ReleaseReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, reason)
	d.ops = append(d.ops, "release:"+reason.String())
}

func (d *fakeDisplay) snapshot() ([]string, []ReleaseReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...), append([]ReleaseReason(nil), d.released...)
}

type fakeControl struct {
	mu          sync.Mutex
	answers     map[int]int
	rejects     map[int]int
	ignoreState []bool
	navEnabled  []bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{answers: map[int]int{}, rejects: map[int]int{}}
}

func (f *fakeControl) AnswerCall(_ context.Context, callID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[callID]++
	return nil
}

func (f *fakeControl) RejectCall(_ context.Context, call *calls.Call, withMessage bool, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if withMessage || message != "" {
		return errors.New("unexpected reject message")
	}
	f.rejects[call.ID]++
	return nil
}

func (f *fakeControl) SetIgnoreCallState(_ context.Context, ignored bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreState = append(f.ignoreState, ignored)
	return nil
}

func (f *fakeControl) SetSystemBarNavigationEnabled(_ context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navEnabled = append(f.navEnabled, enabled)
	return nil
}

func (f *fakeControl) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.answers {
		n += v
	}
	for _, v := range f.rejects {
		n += v
	}
	return n
}

type fakeFallback struct {
	mu        sync.Mutex
	snapshots []contacts.ContactCacheEntry
	callIDs   []int
}

func (f *fakeFallback) Activate(_ context.Context, call *calls.Call, snapshot contacts.ContactCacheEntry) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snapshot)
	f.callIDs = append(f.callIDs, call.ID)
	return uuid.New(), nil
}

func (f *fakeFallback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

type fakeTelephony struct {
	mu       sync.Mutex
	err      error
	silenced int
}

func (f *fakeTelephony) SilenceRinger(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silenced++
	return f.err
}

type harness struct {
	ctrl      *Controller
	cache     *fakeCache
	display   *fakeDisplay
	control   *fakeControl
	fallback  *fakeFallback
	telephony *fakeTelephony
}

var placeholder = &contacts.Image{ContentType: "image/png", Data: []byte("default")}

func newHarness(t *testing.T, cache *fakeCache) *harness {
	t.Helper()
	if cache == nil {
		cache = &fakeCache{}
	}
	h := &harness{
		cache:     cache,
		display:   &fakeDisplay{},
		control:   newFakeControl(),
		fallback:  &fakeFallback{},
		telephony: &fakeTelephony{},
	}
	resolver := contacts.NewResolver(cache, contacts.WithResolveTimeout(0))

	ctrl, err := NewController(Config{
		Call:        calls.NewCall(42, "555-0100"),
		Display:     h.display,
		Resolver:    resolver,
		Control:     h.control,
		Telephony:   h.telephony,
		Fallback:    h.fallback,
		Placeholder: placeholder,
	})
	require.NoError(t, err)
	ctrl.Start(context.Background())
	t.Cleanup(ctrl.Teardown)
	h.ctrl = ctrl
	return h
}

// sync waits until every message queued so far has been processed
func (h *harness) sync(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.ctrl.Snapshot(ctx)
	if errors.Is(err, ErrDismissed) {
		return Snapshot{State: StateDismissed}
	}
	require.NoError(t, err)
	return snap
}

func photo(data string) *contacts.Image {
	return &contacts.Image{ContentType: "image/jpeg", Data: []byte(data)}
}

// ============================================
// TESTS
// ============================================

func TestNewControllerValidates(t *testing.T) {
	_, err := NewController(Config{})
	require.Error(t, err)
}

func TestTextThenPhotoUpdatesCard(t *testing.T) {
	h := newHarness(t, nil)
	cb := h.cache.callback(t, 42)

	cb.OnContactInfoComplete(42, contacts.ContactCacheEntry{Number: "555-0100", Location: "Springfield"})
	cb.OnImageLoadComplete(42, contacts.ContactCacheEntry{Number: "555-0100", Photo: photo("P")})
	snap := h.sync(t)

	require.True(t, snap.HasText)
	require.Equal(t, StatePresented, snap.State)

	ops, released := h.display.snapshot()
	require.Empty(t, released)
	require.Equal(t, []string{
		"name:555-0100",
		"photo:default",
		"name:555-0100",
		"location:Springfield",
		"crossfade:default>P",
	}, ops)
}

func TestPhotoWithoutPlaceholderIsPlainSet(t *testing.T) {
	cache := &fakeCache{}
	display := &fakeDisplay{}
	ctrl, err := NewController(Config{
		Call:     calls.NewCall(7, "555-0199"),
		Display:  display,
		Resolver: contacts.NewResolver(cache, contacts.WithResolveTimeout(0)),
		Control:  newFakeControl(),
		Fallback: &fakeFallback{},
	})
	require.NoError(t, err)
	ctrl.Start(context.Background())
	defer ctrl.Teardown()

	cb := cache.callback(t, 7)
	cb.OnContactInfoComplete(7, contacts.ContactCacheEntry{Name: "Ned", Number: "555-0199"})
	cb.OnImageLoadComplete(7, contacts.ContactCacheEntry{Photo: photo("N")})
	_, err = ctrl.Snapshot(context.Background())
	require.NoError(t, err)

	ops, _ := display.snapshot()
	require.Equal(t, "photo:N", ops[len(ops)-1])
}

func TestPhotoBeforeTextIsDeferred(t *testing.T) {
	h := newHarness(t, nil)
	cb := h.cache.callback(t, 42)

	cb.OnImageLoadComplete(42, contacts.ContactCacheEntry{Photo: photo("P")})
	snap := h.sync(t)
	require.False(t, snap.HasText)

	ops, _ := h.display.snapshot()
	require.Equal(t, []string{"name:555-0100", "photo:default"}, ops)

	cb.OnContactInfoComplete(42, contacts.ContactCacheEntry{Name: "Homer", Number: "555-0100", Location: "Springfield"})
	h.sync(t)

	ops, _ = h.display.snapshot()
	require.Equal(t, []string{
		"name:555-0100",
		"photo:default",
		"name:Homer",
		"location:Springfield",
		"crossfade:default>P",
	}, ops)
}

func TestIgnoreBeforeResolutionPostsNumberOnly(t *testing.T) {
	h := newHarness(t, nil)
	cb := h.cache.callback(t, 42)

	require.NoError(t, h.ctrl.Dispatch(context.Background(), IntentIgnore))
	require.Equal(t, StateIgnoring, h.ctrl.State())

	require.Equal(t, 1, h.fallback.count())
	snapshot := h.fallback.snapshots[0]
	require.Equal(t, "555-0100", snapshot.DisplayName())
	require.Equal(t, contacts.UnknownLocation, snapshot.LocationLine())

	require.Equal(t, 1, h.telephony.silenced)
	require.Equal(t, []bool{true}, h.control.ignoreState)
	require.Equal(t, []bool{true}, h.control.navEnabled)
	require.Zero(t, h.control.total())

	before, released := h.display.snapshot()
	require.Equal(t, []ReleaseReason{ReleaseIgnored}, released)

	// Late resolution must not touch the released card
	cb.OnContactInfoComplete(42, contacts.ContactCacheEntry{Name: "Homer", Number: "555-0100", Location: "Springfield"})
	cb.OnImageLoadComplete(42, contacts.ContactCacheEntry{Photo: photo("P")})
	h.sync(t)

	after, _ := h.display.snapshot()
	require.Equal(t, before, after)
}

func TestIgnoreSurvivesRingerFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.telephony.err = errors.New("ringer unavailable")

	require.NoError(t, h.ctrl.Dispatch(context.Background(), IntentIgnore))
	require.Equal(t, 1, h.fallback.count())
	_, released := h.display.snapshot()
	require.Equal(t, []ReleaseReason{ReleaseIgnored}, released)
}

func TestDoubleAnswerIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Dispatch(ctx, IntentAnswer))
	err := h.ctrl.Dispatch(ctx, IntentAnswer)
	require.ErrorIs(t, err, calls.ErrAlreadyDisposed)

	require.Equal(t, 1, h.control.answers[42])
	_, released := h.display.snapshot()
	require.Equal(t, []ReleaseReason{ReleaseAnswered}, released)
}

func TestRejectIssuesPlainReject(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.ctrl.Dispatch(context.Background(), IntentReject))
	require.Equal(t, StateRejecting, h.ctrl.State())
	require.Equal(t, 1, h.control.rejects[42])
	require.ErrorIs(t, h.ctrl.Dispatch(context.Background(), IntentIgnore), calls.ErrAlreadyDisposed)
	require.Zero(t, h.fallback.count())
}

func TestBackIsSuppressed(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.ctrl.Dispatch(context.Background(), IntentBack))
	snap := h.sync(t)
	require.Equal(t, StatePresented, snap.State)

	_, released := h.display.snapshot()
	require.Empty(t, released)
	require.Zero(t, h.control.total())
}

func TestConcurrentIntentsDisposeExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	intents := []Intent{IntentAnswer, IntentIgnore, IntentReject, IntentBack}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(intent Intent) {
			defer wg.Done()
			err := h.ctrl.Dispatch(context.Background(), intent)
			if err == nil && intent != IntentBack {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(intents[i%len(intents)])
	}
	wg.Wait()

	require.Equal(t, 1, accepted)
	require.Equal(t, 1, h.control.total()+h.fallback.count())
	require.True(t, h.ctrl.State().Terminal())
}

func TestTeardownFromPresented(t *testing.T) {
	h := newHarness(t, nil)
	cb := h.cache.callback(t, 42)

	h.ctrl.Teardown()
	h.ctrl.Teardown()
	require.Equal(t, StateDismissed, h.ctrl.State())

	_, released := h.display.snapshot()
	require.Equal(t, []ReleaseReason{ReleaseDismissed}, released)
	require.Zero(t, h.control.total())

	before, _ := h.display.snapshot()
	cb.OnContactInfoComplete(42, contacts.ContactCacheEntry{Name: "Homer", Number: "555-0100"})
	after, _ := h.display.snapshot()
	require.Equal(t, before, after)

	require.ErrorIs(t, h.ctrl.Dispatch(context.Background(), IntentAnswer), ErrDismissed)
}

func TestTeardownAfterAnswerDoesNotReleaseTwice(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.ctrl.Dispatch(context.Background(), IntentAnswer))
	h.ctrl.Teardown()

	require.Equal(t, StateDismissed, h.ctrl.State())
	_, released := h.display.snapshot()
	require.Equal(t, []ReleaseReason{ReleaseAnswered}, released)
}

func TestStaleDeliveryIsDroppedAndCounted(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.post(resolvedMsg{token: 99, event: contacts.Event{
		Phase:  contacts.PhaseText,
		CallID: 42,
		Entry:  contacts.ContactCacheEntry{Name: "Wrong"},
	}})
	h.ctrl.post(resolvedMsg{token: 1, event: contacts.Event{
		Phase:  contacts.PhaseText,
		CallID: 43,
		Entry:  contacts.ContactCacheEntry{Name: "Other call"},
	}})
	snap := h.sync(t)

	require.False(t, snap.HasText)
	require.Equal(t, int64(2), h.ctrl.Stats().StaleEvents)
}

func TestResolutionFailureDegradesToNumber(t *testing.T) {
	h := newHarness(t, &fakeCache{err: errors.New("db down")})
	snap := h.sync(t)

	require.True(t, snap.HasText)
	require.Equal(t, "555-0100", snap.Contact.DisplayName())
	require.Equal(t, contacts.UnknownLocation, snap.Contact.Location)

	ops, _ := h.display.snapshot()
	require.Contains(t, ops, "location:"+contacts.UnknownLocation)
}

func TestParseIntent(t *testing.T) {
	for _, name := range []string{"answer", "ignore", "reject", "back"} {
		intent, err := ParseIntent(name)
		require.NoError(t, err)
		require.Equal(t, name, intent.String())
	}
	_, err := ParseIntent("hold")
	require.ErrorIs(t, err, ErrUnknownIntent)
}

// blockingControl holds AnswerCall until released
type blockingControl struct {
	*fakeControl
	started chan struct{}
	release chan struct{}
}

func (b *blockingControl) AnswerCall(ctx context.Context, callID int) error {
	close(b.started)
	<-b.release
	return b.fakeControl.AnswerCall(ctx, callID)
}

func TestSlowCommandDoesNotBlockActor(t *testing.T) {
	cache := &fakeCache{}
	display := &fakeDisplay{}
	control := &blockingControl{
		fakeControl: newFakeControl(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	ctrl, err := NewController(Config{
		Call:     calls.NewCall(42, "555-0100"),
		Display:  display,
		Resolver: contacts.NewResolver(cache, contacts.WithResolveTimeout(0)),
		Control:  control,
		Fallback: &fakeFallback{},
	})
	require.NoError(t, err)
	ctrl.Start(context.Background())

	result := make(chan error, 1)
	go func() { result <- ctrl.Dispatch(context.Background(), IntentAnswer) }()
	<-control.started

	// The card is released before the backend answers
	_, released := display.snapshot()
	require.Equal(t, []ReleaseReason{ReleaseAnswered}, released)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	snap, err := ctrl.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, StateAnswering, snap.State)

	cache.callback(t, 42).OnContactInfoComplete(42, contacts.ContactCacheEntry{Name: "Homer"})

	torndown := make(chan struct{})
	go func() {
		ctrl.Teardown()
		close(torndown)
	}()
	select {
	case <-torndown:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("teardown waited for the answer command")
	}
	require.Equal(t, StateDismissed, ctrl.State())

	// The in-flight answer still reports its own outcome
	close(control.release)
	require.NoError(t, <-result)
	require.Equal(t, 1, control.answers[42])
}

// messageControl records reject arguments
type messageControl struct {
	*fakeControl
	withMessage bool
	message     string
}

func (m *messageControl) RejectCall(_ context.Context, call *calls.Call, withMessage bool, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withMessage = withMessage
	m.message = message
	m.rejects[call.ID]++
	return nil
}

func TestRejectWithMessage(t *testing.T) {
	control := &messageControl{fakeControl: newFakeControl()}
	display := &fakeDisplay{}
	ctrl, err := NewController(Config{
		Call:     calls.NewCall(42, "555-0100"),
		Display:  display,
		Resolver: contacts.NewResolver(&fakeCache{}, contacts.WithResolveTimeout(0)),
		Control:  control,
		Fallback: &fakeFallback{},
	})
	require.NoError(t, err)
	ctrl.Start(context.Background())
	defer ctrl.Teardown()

	require.NoError(t, ctrl.RejectWithMessage(context.Background(), "In a meeting"))
	require.True(t, control.withMessage)
	require.Equal(t, "In a meeting", control.message)
	require.Equal(t, StateRejecting, ctrl.State())

	require.ErrorIs(t, ctrl.RejectWithMessage(context.Background(), "again"), calls.ErrAlreadyDisposed)
	require.Equal(t, 1, control.rejects[42])
	_, released := display.snapshot()
	require.Equal(t, []ReleaseReason{ReleaseRejected}, released)
}
