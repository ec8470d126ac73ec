package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/birddigital/signalwire-callcard/pkg/callcard"
	"github.com/birddigital/signalwire-callcard/pkg/calls"
	"github.com/birddigital/signalwire-callcard/pkg/notification"
)

// ============================================
// SIGNALWIRE CALL HANDLERS
// Webhooks for inbound calls plus the handset-facing endpoints
// ============================================

// LaMLGenerator renders the LaML documents returned to SignalWire
type LaMLGenerator interface {
	GenerateHoldLaML(ringbackURL string, waitSeconds int) (string, error)
	GenerateConnectLaML(target string, timeoutSeconds int) (string, error)
}

// HandlerConfig holds the LaML parameters
type HandlerConfig struct {
	RingbackURL    string
	HoldSeconds    int
	ConnectTarget  string
	ConnectTimeout int
}

// CallHandlers manages HTTP endpoints for inbound call control
type CallHandlers struct {
	registry  *CallRegistry
	control   *CallControl
	presenter *CardPresenter
	bridge    *HandsetBridge
	laml      LaMLGenerator
	cfg       HandlerConfig
}

// NewCallHandlers creates a new call handlers instance
func NewCallHandlers(registry *CallRegistry, control *CallControl, presenter *CardPresenter, bridge *HandsetBridge, laml LaMLGenerator, cfg HandlerConfig) *CallHandlers {
	if cfg.HoldSeconds <= 0 {
		cfg.HoldSeconds = 60
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30
	}
	return &CallHandlers{
		registry:  registry,
		control:   control,
		presenter: presenter,
		bridge:    bridge,
		laml:      laml,
		cfg:       cfg,
	}
}

// ============================================
// SIGNALWIRE WEBHOOKS
// ============================================

// HandleIncomingCall registers an inbound call, presents the card and
// holds the caller with ringback LaML until the user decides
func (h *CallHandlers) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	to := r.FormValue("To")
	callerName := r.FormValue("CallerName")

	if callSID == "" {
		log.Printf("[CallHandlers] Missing CallSid in request")
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}

	log.Printf("[CallHandlers] Incoming call: %s (from: %s, to: %s)", callSID, from, to)

	ic, err := h.registry.Register(r.Context(), callSID, from, to, callerName)
	if err != nil {
		log.Printf("[CallHandlers] Failed to register call: %v", err)
		http.Error(w, "Failed to register call", http.StatusInternalServerError)
		return
	}

	if current := h.presenter.Current(); current == nil || current.CallID() != ic.ID() {
		if ic.Record().State == StateRinging {
			if _, err := h.presenter.Present(ic.Reference()); err != nil {
				log.Printf("[CallHandlers] Failed to present call %d: %v", ic.ID(), err)
			}
		}
	}

	laml, err := h.laml.GenerateHoldLaML(h.cfg.RingbackURL, h.cfg.HoldSeconds)
	if err != nil {
		log.Printf("[CallHandlers] Failed to generate LaML: %v", err)
		http.Error(w, "Failed to generate LaML", http.StatusInternalServerError)
		return
	}
	writeLaML(w, laml)
}

// HandleAnswer returns the LaML that bridges an answered call to the handset
func (h *CallHandlers) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	laml, err := h.laml.GenerateConnectLaML(h.cfg.ConnectTarget, h.cfg.ConnectTimeout)
	if err != nil {
		log.Printf("[CallHandlers] Failed to generate LaML: %v", err)
		http.Error(w, "Failed to generate LaML", http.StatusInternalServerError)
		return
	}
	log.Printf("[CallHandlers] Connecting call %s to handset", r.URL.Query().Get("call_id"))
	writeLaML(w, laml)
}

// HandleCallStateChange handles call state events from SignalWire
func (h *CallHandlers) HandleCallStateChange(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")

	if callSID == "" {
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}

	log.Printf("[CallHandlers] Call state change: %s (status: %s)", callSID, callStatus)

	newState, known := StateFromStatus(callStatus)
	if !known {
		log.Printf("[CallHandlers] Unknown call status: %s", callStatus)
		w.WriteHeader(http.StatusOK)
		return
	}

	ic, err := h.registry.UpdateCallState(r.Context(), callSID, newState)
	if err != nil {
		// SignalWire does not care about our internal state
		log.Printf("[CallHandlers] Failed to update call state: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if newState.Ended() {
		h.presenter.CallEnded(r.Context(), ic.ID())
		h.control.Forget(ic.ID())
	}

	w.WriteHeader(http.StatusOK)
}

// ============================================
// HANDSET ENDPOINTS
// ============================================

type intentRequest struct {
	Intent  string `json:"intent"`
	Message string `json:"message,omitempty"`
}

// readIntentRequest accepts either a JSON body or form values
func readIntentRequest(r *http.Request) (int, intentRequest, error) {
	var req intentRequest
	callID, err := strconv.Atoi(chi.URLParam(r, "callID"))
	if err != nil {
		return 0, req, fmt.Errorf("invalid call id")
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return 0, req, fmt.Errorf("invalid body")
		}
	} else {
		req.Intent = r.FormValue("intent")
		req.Message = r.FormValue("message")
	}
	return callID, req, nil
}

// HandleIntent accepts an intent from a handset that is not on the socket
func (h *CallHandlers) HandleIntent(w http.ResponseWriter, r *http.Request) {
	callID, req, err := readIntentRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.presenter.HandleIntent(r.Context(), callID, req.Intent); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"call_id": callID, "intent": req.Intent})
}

// HandleRejectMessage rejects the call on the card and texts the caller.
// An empty message sends the configured template.
func (h *CallHandlers) HandleRejectMessage(w http.ResponseWriter, r *http.Request) {
	callID, req, err := readIntentRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.presenter.RejectWithMessage(r.Context(), callID, req.Message); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"call_id": callID, "intent": "reject", "message": req.Message})
}

// HandleNotificationAction dispatches a fallback notification action token
func (h *CallHandlers) HandleNotificationAction(w http.ResponseWriter, r *http.Request) {
	token := r.FormValue("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusBadRequest)
		return
	}

	if err := h.presenter.HandleAction(r.Context(), token); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// HandleActiveCalls lists registered calls
func (h *CallHandlers) HandleActiveCalls(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"calls":    h.registry.Active(),
		"handsets": h.bridge.SessionCount(),
	}
	if ctrl := h.presenter.Current(); ctrl != nil {
		resp["card"] = map[string]interface{}{
			"call_id":      ctrl.CallID(),
			"state":        ctrl.State().String(),
			"stale_events": ctrl.Stats().StaleEvents,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCallHistory returns one call, from memory or the database
func (h *CallHandlers) HandleCallHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.History(r.Context(), chi.URLParam(r, "callSID"))
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ============================================
// ROUTE REGISTRATION
// ============================================

// Routes returns the telephony router
func (h *CallHandlers) Routes() chi.Router {
	r := chi.NewRouter()

	// LaML endpoints
	r.Post("/calls/incoming", h.HandleIncomingCall)
	r.Post("/calls/answer", h.HandleAnswer)
	r.Post("/calls/status", h.HandleCallStateChange)

	// Handset endpoints
	r.Post("/calls/{callID}/intent", h.HandleIntent)
	r.Post("/calls/{callID}/reject-message", h.HandleRejectMessage)
	r.Post("/notifications/actions", h.HandleNotificationAction)
	r.Get("/calls/active", h.HandleActiveCalls)
	r.Get("/history/{callSID}", h.HandleCallHistory)
	r.Get("/card/ws", h.bridge.HandleWebSocketConnection)

	return r
}

// RegisterRoutes mounts the telephony routes under /api/telephony
func (h *CallHandlers) RegisterRoutes(r chi.Router) {
	r.Mount("/api/telephony", h.Routes())
	log.Printf("[CallHandlers] Registered call handler routes")
}

// ============================================
// HELPERS
// ============================================

func writeLaML(w http.ResponseWriter, laml string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(laml))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[CallHandlers] Failed to encode response: %v", err)
	}
}

// writeControlError maps disposition errors onto HTTP statuses
func writeControlError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, callcard.ErrUnknownIntent), errors.Is(err, notification.ErrInvalidAction):
		status = http.StatusBadRequest
	case errors.Is(err, calls.ErrUnknownCall):
		status = http.StatusNotFound
	case errors.Is(err, calls.ErrAlreadyDisposed), errors.Is(err, callcard.ErrDismissed), errors.Is(err, notification.ErrStaleAction):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), IsTransient(err):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}
