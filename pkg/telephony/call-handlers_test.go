package telephony

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/birddigital/signalwire-callcard/pkg/callcard"
	"github.com/birddigital/signalwire-callcard/pkg/calls"
	"github.com/birddigital/signalwire-callcard/pkg/contacts"
	"github.com/birddigital/signalwire-callcard/pkg/notification"
	"github.com/birddigital/signalwire-callcard/pkg/signalwire"
)

// namedCache answers every lookup with a fixed contact
type namedCache struct {
	mu      sync.Mutex
	entries map[string]contacts.ContactCacheEntry
}

func (c *namedCache) FindInfo(_ context.Context, ident calls.CallIdentification, _ bool, cb contacts.InfoCallback) error {
	c.mu.Lock()
	entry, ok := c.entries[ident.Number]
	c.mu.Unlock()
	if ok {
		go cb.OnContactInfoComplete(ident.CallID, entry)
	}
	return nil
}

type stack struct {
	registry  *CallRegistry
	control   *CallControl
	backend   *fakeBackend
	messenger *fakeMessenger
	bridge    *HandsetBridge
	fallback  *notification.Fallback
	signer    *notification.ActionSigner
	presenter *CardPresenter
	server    *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	registry := NewCallRegistry(nil)
	backend := newFakeBackend()
	messenger := &fakeMessenger{}
	control := NewCallControl(registry, backend, messenger, "https://app.example/api/telephony/calls/answer")
	bridge := NewHandsetBridge("")

	signer, err := notification.NewActionSigner("test-secret", time.Hour)
	require.NoError(t, err)
	fallback := notification.NewFallback(bridge, control, signer)

	cache := &namedCache{entries: map[string]contacts.ContactCacheEntry{
		"+15550100": {Name: "Homer", Location: "Springfield"},
	}}
	presenter, err := NewCardPresenter(PresenterConfig{
		Displays:  bridge,
		Resolver:  contacts.NewResolver(cache, contacts.WithResolveTimeout(0)),
		Control:   control,
		Telephony: bridge,
		Fallback:  fallback,
	})
	require.NoError(t, err)
	bridge.SetInboundHandler(presenter)

	handlers := NewCallHandlers(registry, control, presenter, bridge, signalwire.NewClient("p", "t", "x"), HandlerConfig{
		ConnectTarget: "sip:handset@example.sip",
	})
	router := chi.NewRouter()
	handlers.RegisterRoutes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		presenter.Close()
		bridge.Close()
		srv.Close()
	})

	return &stack{
		registry:  registry,
		control:   control,
		backend:   backend,
		messenger: messenger,
		bridge:    bridge,
		fallback:  fallback,
		signer:    signer,
		presenter: presenter,
		server:    srv,
	}
}

func (s *stack) postForm(t *testing.T, path string, form url.Values) (int, string) {
	t.Helper()
	resp, err := http.PostForm(s.server.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (s *stack) incoming(t *testing.T, sid, from string) {
	t.Helper()
	status, body := s.postForm(t, "/api/telephony/calls/incoming", url.Values{
		"CallSid": {sid}, "From": {from}, "To": {"+15550001"},
	})
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "<Pause")
}

func TestIncomingCallPresentsCard(t *testing.T) {
	s := newStack(t)
	s.incoming(t, "CA1", "+15550100")

	ctrl := s.presenter.Current()
	require.NotNil(t, ctrl)
	require.Equal(t, 1, ctrl.CallID())

	require.Eventually(t, func() bool {
		snap, err := ctrl.Snapshot(context.Background())
		return err == nil && snap.HasText && snap.Contact.Name == "Homer"
	}, 2*time.Second, 10*time.Millisecond)

	// A webhook retry does not present a second card
	s.incoming(t, "CA1", "+15550100")
	require.Same(t, ctrl, s.presenter.Current())

	status, _ := s.postForm(t, "/api/telephony/calls/incoming", url.Values{})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAnswerIntentOverHTTP(t *testing.T) {
	s := newStack(t)
	s.incoming(t, "CA1", "+15550100")

	status, _ := s.postForm(t, "/api/telephony/calls/1/intent", url.Values{"intent": {"answer"}})
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, s.backend.redirects["CA1"], "call_id=1")

	// The answered card is dismissed without waiting for a status webhook
	ctrl := s.presenter.Current()
	<-ctrl.Done()
	require.Equal(t, callcard.StateDismissed, ctrl.State())

	status, _ = s.postForm(t, "/api/telephony/calls/1/intent", url.Values{"intent": {"answer"}})
	require.Equal(t, http.StatusConflict, status)

	status, _ = s.postForm(t, "/api/telephony/calls/9/intent", url.Values{"intent": {"answer"}})
	require.Equal(t, http.StatusNotFound, status)

	status, _ = s.postForm(t, "/api/telephony/calls/1/intent", url.Values{"intent": {"dance"}})
	require.Equal(t, http.StatusBadRequest, status)

	redirects, _ := s.backend.counts()
	require.Equal(t, 1, redirects)
}

func TestIgnoreThenRejectFromNotification(t *testing.T) {
	s := newStack(t)
	s.incoming(t, "CA1", "+15550100")

	resp, err := http.Post(s.server.URL+"/api/telephony/calls/1/intent", "application/json",
		strings.NewReader(`{"intent":"ignore"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	callID, gen, ok := s.fallback.Active()
	require.True(t, ok)
	require.Equal(t, 1, callID)
	require.True(t, s.control.IgnoreCallState())

	token, err := s.signer.Sign(notification.ActionReject, callID, gen)
	require.NoError(t, err)

	status, _ := s.postForm(t, "/api/telephony/notifications/actions", url.Values{"token": {token}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"CA1"}, s.backend.hangups)

	status, _ = s.postForm(t, "/api/telephony/notifications/actions", url.Values{"token": {token}})
	require.Equal(t, http.StatusConflict, status)

	status, _ = s.postForm(t, "/api/telephony/notifications/actions", url.Values{"token": {"garbage"}})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestHangupTearsDownCardAndFallback(t *testing.T) {
	s := newStack(t)
	s.incoming(t, "CA1", "+15550100")
	ctrl := s.presenter.Current()

	status, _ := s.postForm(t, "/api/telephony/calls/1/intent", url.Values{"intent": {"ignore"}})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.postForm(t, "/api/telephony/calls/status", url.Values{
		"CallSid": {"CA1"}, "CallStatus": {"completed"},
	})
	require.Equal(t, http.StatusOK, status)

	require.Nil(t, s.presenter.Current())
	<-ctrl.Done()
	_, _, ok := s.fallback.Active()
	require.False(t, ok)

	// Unknown SIDs are acknowledged so SignalWire stops retrying
	status, _ = s.postForm(t, "/api/telephony/calls/status", url.Values{
		"CallSid": {"CA404"}, "CallStatus": {"completed"},
	})
	require.Equal(t, http.StatusOK, status)
}

func TestNewCallReplacesCard(t *testing.T) {
	s := newStack(t)
	s.incoming(t, "CA1", "+15550100")
	first := s.presenter.Current()

	s.incoming(t, "CA2", "+15550200")
	<-first.Done()
	require.Equal(t, callcard.StateDismissed, first.State())
	require.Equal(t, 2, s.presenter.Current().CallID())

	status, _ := s.postForm(t, "/api/telephony/calls/1/intent", url.Values{"intent": {"answer"}})
	require.Equal(t, http.StatusNotFound, status)
}

func TestAnswerLaMLAndActiveCalls(t *testing.T) {
	s := newStack(t)
	s.incoming(t, "CA1", "+15550100")

	status, body := s.postForm(t, "/api/telephony/calls/answer?call_id=1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "<Sip>sip:handset@example.sip</Sip>")

	resp, err := http.Get(s.server.URL + "/api/telephony/calls/active")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Calls []CallRecord `json:"calls"`
		Card  struct {
			CallID int    `json:"call_id"`
			State  string `json:"state"`
		} `json:"card"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Calls, 1)
	require.Equal(t, "CA1", payload.Calls[0].SID)
	require.Equal(t, 1, payload.Card.CallID)
	require.Equal(t, callcard.StatePresented.String(), payload.Card.State)
}

func TestRejectWithMessageOverHTTP(t *testing.T) {
	s := newStack(t)
	s.incoming(t, "CA1", "+15550100")

	status, _ := s.postForm(t, "/api/telephony/calls/1/reject-message", url.Values{"message": {"Driving, call you later"}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"CA1"}, s.backend.hangups)

	s.messenger.mu.Lock()
	require.Equal(t, "Driving, call you later", s.messenger.sent["+15550100"])
	s.messenger.mu.Unlock()

	status, _ = s.postForm(t, "/api/telephony/calls/1/reject-message", url.Values{"message": {"again"}})
	require.Equal(t, http.StatusConflict, status)
	status, _ = s.postForm(t, "/api/telephony/calls/1/intent", url.Values{"intent": {"answer"}})
	require.Equal(t, http.StatusConflict, status)
	require.Len(t, s.backend.hangups, 1)

	status, _ = s.postForm(t, "/api/telephony/calls/7/reject-message", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestCallHistory(t *testing.T) {
	s := newStack(t)
	s.incoming(t, "CA1", "+15550100")

	resp, err := http.Get(s.server.URL + "/api/telephony/history/CA1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec CallRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	require.Equal(t, "CA1", rec.SID)
	require.Equal(t, StateRinging, rec.State)

	missing, err := http.Get(s.server.URL + "/api/telephony/history/CA404")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}
