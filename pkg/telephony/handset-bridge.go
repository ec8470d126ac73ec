package telephony

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/birddigital/signalwire-callcard/pkg/callcard"
	"github.com/birddigital/signalwire-callcard/pkg/contacts"
	"github.com/birddigital/signalwire-callcard/pkg/notification"
)

// ============================================
// HANDSET BRIDGE
// WebSocket link to the user's handsets: renders the card and the
// fallback notification, carries intents and notification actions back
// ============================================

const (
	handsetWriteWait  = 10 * time.Second
	handsetPongWait   = 60 * time.Second
	handsetPingPeriod = (handsetPongWait * 9) / 10
	handsetSendBuffer = 64
)

// ErrNoHandset is returned when a frame has nowhere to go
var ErrNoHandset = errors.New("no handset connected")

// InboundHandler receives what handsets send back
type InboundHandler interface {
	HandleIntent(ctx context.Context, callID int, intent string) error
	HandleAction(ctx context.Context, token string) error
}

// HandsetBridge fans card and notification frames out to connected handsets
type HandsetBridge struct {
	// Active handset sessions
	sessions map[string]*HandsetSession

	// Frames replayed to a handset that connects mid-call
	card          map[string]map[string]interface{}
	cardCall      int
	notifications map[int]map[string]interface{}

	mu sync.RWMutex

	authToken string
	handler   InboundHandler

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandsetBridge creates a bridge. An empty authToken accepts any handset.
func NewHandsetBridge(authToken string) *HandsetBridge {
	ctx, cancel := context.WithCancel(context.Background())

	return &HandsetBridge{
		sessions:      make(map[string]*HandsetSession),
		card:          make(map[string]map[string]interface{}),
		notifications: make(map[int]map[string]interface{}),
		authToken:     authToken,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetInboundHandler wires intents and actions to the presenter
func (bridge *HandsetBridge) SetInboundHandler(h InboundHandler) {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	bridge.handler = h
}

// ============================================
// WEBSOCKET UPGRADE & CONNECTION HANDLING
// ============================================

var handsetUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Handsets are native clients; access is gated by the bridge token
		return true
	},
}

// HandleWebSocketConnection upgrades a handset connection
func (bridge *HandsetBridge) HandleWebSocketConnection(w http.ResponseWriter, r *http.Request) {
	if !bridge.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := handsetUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HandsetBridge] WebSocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(bridge.ctx)
	session := &HandsetSession{
		ID:          uuid.New().String(),
		DeviceName:  r.URL.Query().Get("device"),
		Conn:        conn,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, handsetSendBuffer),
		bridge:      bridge,
		ctx:         ctx,
		cancel:      cancel,
	}

	connected, err := encodeFrame("connected", map[string]interface{}{
		"session_id": session.ID,
		"timestamp":  time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[HandsetBridge] %v", err)
		conn.Close()
		return
	}

	// Queue the greeting and replay before the session becomes visible to
	// broadcasts, so a late handset sees current state first
	bridge.mu.Lock()
	session.send <- connected
	for _, frame := range bridge.replayFramesLocked() {
		session.send <- frame
	}
	bridge.sessions[session.ID] = session
	bridge.mu.Unlock()

	log.Printf("[HandsetBridge] Handset connected: %s (device: %s)", session.ID, session.DeviceName)

	go session.writePump()
	go session.readPump()
}

func (bridge *HandsetBridge) authorized(r *http.Request) bool {
	if bridge.authToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(bridge.authToken)) == 1
}

// replayFramesLocked returns the card and notification frames a late handset needs
func (bridge *HandsetBridge) replayFramesLocked() [][]byte {
	var frames [][]byte
	for _, event := range []string{"card_flags", "card_name", "card_location", "card_photo"} {
		if payload, ok := bridge.card[event]; ok {
			if data, err := encodeFrame(event, payload); err == nil {
				frames = append(frames, data)
			}
		}
	}
	for _, payload := range bridge.notifications {
		if data, err := encodeFrame("notification_post", payload); err == nil {
			frames = append(frames, data)
		}
	}
	return frames
}

// ============================================
// HANDSET SESSION
// ============================================

// HandsetSession represents one connected handset
type HandsetSession struct {
	ID          string    `json:"id"`
	DeviceName  string    `json:"device_name,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`

	Conn *websocket.Conn `json:"-"`

	send   chan []byte
	bridge *HandsetBridge

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// readPump reads intent and action frames from the handset
func (hs *HandsetSession) readPump() {
	defer hs.Close()

	hs.Conn.SetReadLimit(64 * 1024)
	hs.Conn.SetReadDeadline(time.Now().Add(handsetPongWait))
	hs.Conn.SetPongHandler(func(string) error {
		hs.Conn.SetReadDeadline(time.Now().Add(handsetPongWait))
		return nil
	})

	for {
		_, message, err := hs.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[HandsetSession] Read error: %v", err)
			}
			return
		}

		if err := hs.handleHandsetMessage(message); err != nil {
			log.Printf("[HandsetSession] Message handling error: %v", err)
			hs.SendEvent("error", map[string]interface{}{"message": err.Error()})
		}
	}
}

// writePump owns all writes to the connection
func (hs *HandsetSession) writePump() {
	ticker := time.NewTicker(handsetPingPeriod)
	defer ticker.Stop()
	defer hs.Conn.Close()

	for {
		select {
		case <-hs.ctx.Done():
			hs.Conn.SetWriteDeadline(time.Now().Add(handsetWriteWait))
			hs.Conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return

		case data := <-hs.send:
			hs.Conn.SetWriteDeadline(time.Now().Add(handsetWriteWait))
			if err := hs.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[HandsetSession] Write error: %v", err)
				hs.Close()
				return
			}

		case <-ticker.C:
			hs.Conn.SetWriteDeadline(time.Now().Add(handsetWriteWait))
			if err := hs.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				hs.Close()
				return
			}
		}
	}
}

// inboundFrame is what a handset may send
type inboundFrame struct {
	Event  string `json:"event"`
	CallID int    `json:"call_id"`
	Intent string `json:"intent"`
	Token  string `json:"token"`
}

// handleHandsetMessage processes one frame from the handset
func (hs *HandsetSession) handleHandsetMessage(data []byte) error {
	var msg inboundFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	hs.bridge.mu.RLock()
	handler := hs.bridge.handler
	hs.bridge.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no handler for %s", msg.Event)
	}

	ctx, cancel := context.WithTimeout(hs.ctx, handsetWriteWait+callcard.DefaultCommandTimeout)
	defer cancel()

	switch msg.Event {
	case "intent":
		if err := handler.HandleIntent(ctx, msg.CallID, msg.Intent); err != nil {
			return fmt.Errorf("intent %s for call %d: %w", msg.Intent, msg.CallID, err)
		}
		hs.SendEvent("ack", map[string]interface{}{"call_id": msg.CallID, "intent": msg.Intent})

	case "action":
		if err := handler.HandleAction(ctx, msg.Token); err != nil {
			return fmt.Errorf("notification action: %w", err)
		}
		hs.SendEvent("ack", map[string]interface{}{"action": true})

	default:
		return fmt.Errorf("unknown event type: %s", msg.Event)
	}
	return nil
}

// SendEvent queues an event for this handset
func (hs *HandsetSession) SendEvent(eventType string, data map[string]interface{}) error {
	frame, err := encodeFrame(eventType, data)
	if err != nil {
		return err
	}
	if !hs.enqueue(frame) {
		return fmt.Errorf("session closed")
	}
	return nil
}

func (hs *HandsetSession) enqueue(frame []byte) bool {
	select {
	case <-hs.ctx.Done():
		return false
	default:
	}
	select {
	case hs.send <- frame:
		return true
	default:
		log.Printf("[HandsetSession] Send buffer full, dropping handset %s", hs.ID)
		hs.Close()
		return false
	}
}

// Close closes the handset session
func (hs *HandsetSession) Close() error {
	hs.closeOnce.Do(func() {
		hs.cancel()
		hs.bridge.mu.Lock()
		delete(hs.bridge.sessions, hs.ID)
		hs.bridge.mu.Unlock()
		log.Printf("[HandsetSession] Closed: %s", hs.ID)
	})
	return nil
}

func encodeFrame(eventType string, data map[string]interface{}) ([]byte, error) {
	msg := map[string]interface{}{
		"event": eventType,
	}
	for k, v := range data {
		msg[k] = v
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return jsonData, nil
}

// ============================================
// BROADCAST
// ============================================

// Broadcast sends an event to every connected handset
func (bridge *HandsetBridge) Broadcast(eventType string, data map[string]interface{}) (int, error) {
	frame, err := encodeFrame(eventType, data)
	if err != nil {
		return 0, err
	}

	bridge.mu.RLock()
	sessions := make([]*HandsetSession, 0, len(bridge.sessions))
	for _, s := range bridge.sessions {
		sessions = append(sessions, s)
	}
	bridge.mu.RUnlock()

	delivered := 0
	for _, s := range sessions {
		if s.enqueue(frame) {
			delivered++
		}
	}
	return delivered, nil
}

// SessionCount returns the number of connected handsets
func (bridge *HandsetBridge) SessionCount() int {
	bridge.mu.RLock()
	defer bridge.mu.RUnlock()
	return len(bridge.sessions)
}

// ============================================
// TELEPHONY SERVICE
// ============================================

// SilenceRinger asks every handset to stop ringing
func (bridge *HandsetBridge) SilenceRinger(_ context.Context) error {
	n, err := bridge.Broadcast("silence_ringer", map[string]interface{}{
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoHandset
	}
	return nil
}

// ============================================
// NOTIFICATION POSTER
// ============================================

// Post shows n in slot on every handset, replacing what the slot held
func (bridge *HandsetBridge) Post(_ context.Context, slot int, n notification.Notification) error {
	payload := map[string]interface{}{
		"slot":         slot,
		"notification": n,
	}

	bridge.mu.Lock()
	bridge.notifications[slot] = payload
	bridge.mu.Unlock()

	_, err := bridge.Broadcast("notification_post", payload)
	return err
}

// Cancel removes the notification in slot
func (bridge *HandsetBridge) Cancel(_ context.Context, slot int) error {
	bridge.mu.Lock()
	delete(bridge.notifications, slot)
	bridge.mu.Unlock()

	_, err := bridge.Broadcast("notification_cancel", map[string]interface{}{"slot": slot})
	return err
}

// ============================================
// CARD DISPLAY
// ============================================

// CardDisplay returns the card surface for one presented call. The first
// frame carries the screen flags so the card shows over the lock screen.
func (bridge *HandsetBridge) CardDisplay(callID int) callcard.Display {
	bridge.mu.Lock()
	bridge.card = make(map[string]map[string]interface{})
	bridge.cardCall = callID
	bridge.mu.Unlock()

	d := &cardDisplay{bridge: bridge, callID: callID}
	d.emit("card_flags", map[string]interface{}{
		"show_when_locked": true,
		"turn_screen_on":   true,
	})
	return d
}

type cardDisplay struct {
	bridge *HandsetBridge
	callID int
}

func (d *cardDisplay) emit(event string, data map[string]interface{}) {
	data["call_id"] = d.callID

	d.bridge.mu.Lock()
	if d.bridge.cardCall != d.callID {
		d.bridge.mu.Unlock()
		log.Printf("[HandsetBridge] Dropping %s for replaced call %d", event, d.callID)
		return
	}
	if event == "card_release" {
		d.bridge.card = make(map[string]map[string]interface{})
		d.bridge.cardCall = 0
	} else {
		d.bridge.card[event] = data
	}
	d.bridge.mu.Unlock()

	if _, err := d.bridge.Broadcast(event, data); err != nil {
		log.Printf("[HandsetBridge] %s for call %d failed: %v", event, d.callID, err)
	}
}

func (d *cardDisplay) SetName(name string) {
	d.emit("card_name", map[string]interface{}{"name": name})
}

func (d *cardDisplay) SetLocation(line string) {
	d.emit("card_location", map[string]interface{}{"location": line})
}

func (d *cardDisplay) SetPhoto(img *contacts.Image) {
	d.emit("card_photo", map[string]interface{}{"photo": img, "crossfade": false})
}

func (d *cardDisplay) CrossFadePhoto(_, to *contacts.Image) {
	d.emit("card_photo", map[string]interface{}{"photo": to, "crossfade": true})
}

func (d *cardDisplay) Release(reason callcard.ReleaseReason) {
	d.emit("card_release", map[string]interface{}{
		"reason":       reason.String(),
		"show_call_ui": reason == callcard.ReleaseAnswered,
	})
}

// Close closes the bridge and all handset sessions
func (bridge *HandsetBridge) Close() error {
	bridge.cancel()

	bridge.mu.RLock()
	sessions := make([]*HandsetSession, 0, len(bridge.sessions))
	for _, s := range bridge.sessions {
		sessions = append(sessions, s)
	}
	bridge.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}

	log.Printf("[HandsetBridge] Handset bridge closed")
	return nil
}
