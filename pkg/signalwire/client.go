package signalwire

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a SignalWire API client
type Client struct {
	projectID  string
	token      string
	space      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithBaseURL points the client at a different LaML endpoint
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// Call represents a SignalWire call
type Call struct {
	SID        string    `json:"sid"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Status     string    `json:"status"`
	Direction  string    `json:"direction"`
	Duration   string    `json:"duration"`
	StartTime  time.Time `json:"start_time"`
	CallerName string    `json:"caller_name,omitempty"`
}

// Message represents an SMS message
type Message struct {
	SID       string `json:"sid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Price     string `json:"price"`
}

// NewClient creates a new SignalWire API client
func NewClient(projectID, token, space string, opts ...ClientOption) *Client {
	c := &Client{
		projectID: projectID,
		token:     token,
		space:     space,
		baseURL:   fmt.Sprintf("https://%s/api/laml/2010-04-01", space),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================
// CALL CONTROL
// ============================================

// RedirectCall points a live call at new LaML, e.g. to connect a held inbound call
func (c *Client) RedirectCall(ctx context.Context, callSID, lamlURL string) (*Call, error) {
	formData := url.Values{}
	formData.Set("Url", lamlURL)
	formData.Set("Method", "POST")

	var call Call
	if err := c.do(ctx, http.MethodPost, c.callURL(callSID), formData, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall terminates an active call
func (c *Client) HangupCall(ctx context.Context, callSID string) error {
	formData := url.Values{}
	formData.Set("Status", "completed")

	return c.do(ctx, http.MethodPost, c.callURL(callSID), formData, nil)
}

// ============================================
// MESSAGING
// ============================================

// SendSMS sends a text message
func (c *Client) SendSMS(ctx context.Context, from, to, message string) (*Message, error) {
	formData := url.Values{}
	formData.Set("From", from)
	formData.Set("To", to)
	formData.Set("Body", message)

	reqURL := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.projectID)

	var msg Message
	if err := c.do(ctx, http.MethodPost, reqURL, formData, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ============================================
// LAML GENERATION
// ============================================

type lamlResponse struct {
	XMLName xml.Name   `xml:"Response"`
	Play    *lamlPlay  `xml:"Play,omitempty"`
	Pause   *lamlPause `xml:"Pause,omitempty"`
	Dial    *lamlDial  `xml:"Dial,omitempty"`
	Reject  *struct{}  `xml:"Reject,omitempty"`
}

type lamlPlay struct {
	Loop int    `xml:"loop,attr"`
	URL  string `xml:",chardata"`
}

type lamlPause struct {
	Length int `xml:"length,attr"`
}

type lamlDial struct {
	Timeout int    `xml:"timeout,attr,omitempty"`
	Sip     string `xml:"Sip,omitempty"`
	Number  string `xml:"Number,omitempty"`
}

// GenerateHoldLaML keeps an inbound call ringing while the user decides.
// ringbackURL is looped when set, otherwise the call waits in silence.
func (c *Client) GenerateHoldLaML(ringbackURL string, waitSeconds int) (string, error) {
	resp := lamlResponse{}
	if ringbackURL != "" {
		resp.Play = &lamlPlay{Loop: 0, URL: ringbackURL}
	} else {
		resp.Pause = &lamlPause{Length: waitSeconds}
	}
	return marshalLaML(resp)
}

// GenerateConnectLaML bridges an answered call to the handset endpoint
func (c *Client) GenerateConnectLaML(target string, timeoutSeconds int) (string, error) {
	dial := &lamlDial{Timeout: timeoutSeconds}
	if strings.HasPrefix(target, "sip:") {
		dial.Sip = target
	} else {
		dial.Number = target
	}
	return marshalLaML(lamlResponse{Dial: dial})
}

// GenerateRejectLaML refuses a call outright
func (c *Client) GenerateRejectLaML() (string, error) {
	return marshalLaML(lamlResponse{Reject: &struct{}{}})
}

func marshalLaML(resp lamlResponse) (string, error) {
	out, err := xml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal LaML: %w", err)
	}
	return xml.Header + string(out), nil
}

// ValidateConfiguration checks if SignalWire is properly configured
func (c *Client) ValidateConfiguration() error {
	if c.projectID == "" {
		return fmt.Errorf("SIGNALWIRE_PROJECT_ID not configured")
	}
	if c.token == "" {
		return fmt.Errorf("SIGNALWIRE_TOKEN not configured")
	}
	if c.space == "" {
		return fmt.Errorf("SIGNALWIRE_SPACE not configured")
	}
	return nil
}

// ============================================
// TRANSPORT
// ============================================

func (c *Client) callURL(callSID string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.projectID, url.PathEscape(callSID))
}

// do performs an authenticated request and decodes a JSON body into out
func (c *Client) do(ctx context.Context, method, reqURL string, form url.Values, out any) error {
	if c.projectID == "" || c.token == "" {
		return fmt.Errorf("SignalWire credentials not configured")
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(c.projectID, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx response from SignalWire
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("SignalWire API error (%d): %s", e.StatusCode, e.Body)
}
