// Package telephony places outbound calls through the carrier's dial API.
//
// The carrier answers the dial by opening a media WebSocket back to us; the
// dispatcher only originates the call and reports the carrier's call SID.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxline-ai/voxline/internal/resilience"
)

// ErrInvalidDID is returned when the originating number has fewer than ten
// digits after stripping formatting characters.
var ErrInvalidDID = errors.New("telephony: DID must contain at least 10 digits")

// CarrierError carries the carrier's error response verbatim. The text is
// surfaced to operators unchanged so the carrier's own diagnostics are not
// lost in translation.
type CarrierError struct {
	StatusCode int
	Text       string
}

func (e *CarrierError) Error() string {
	return fmt.Sprintf("telephony: carrier rejected dial (HTTP %d): %s", e.StatusCode, e.Text)
}

// Webhooks are the callback URLs handed to the carrier with each dial.
type Webhooks struct {
	// Media is the WebSocket URL the carrier connects to for the call's
	// audio stream.
	Media string
	// StatusCallback receives call progress notifications.
	StatusCallback string
}

// DialResult is the carrier's answer to a successful dial.
type DialResult struct {
	CallSID string
	Status  string
}

// Dispatcher issues dial requests against one carrier account. Safe for
// concurrent use.
type Dispatcher struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	log        *slog.Logger

	staticToken  string
	tokenURL     string
	clientID     string
	clientSecret string

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithStaticToken uses a pre-provisioned bearer token for every dial.
func WithStaticToken(token string) Option {
	return func(d *Dispatcher) { d.staticToken = token }
}

// WithTokenEndpoint acquires bearer tokens via an OAuth2 client-credentials
// grant against the given endpoint. Tokens are cached until shortly before
// expiry.
func WithTokenEndpoint(tokenURL, clientID, clientSecret string) Option {
	return func(d *Dispatcher) {
		d.tokenURL = tokenURL
		d.clientID = clientID
		d.clientSecret = clientSecret
	}
}

// WithDialRate caps the rate of outbound dials. Zero or negative values
// disable the limiter.
func WithDialRate(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithBreaker replaces the default dial circuit breaker. Tests use this to
// shrink the failure threshold and reset timeout.
func WithBreaker(b *resilience.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// NewDispatcher creates a dispatcher for the carrier API rooted at baseURL.
func NewDispatcher(baseURL string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		d.breaker = resilience.NewBreaker(resilience.Config{Name: "carrier-dial", Logger: d.log})
	}
	return d
}

type dialRequest struct {
	From              string `json:"from"`
	To                string `json:"to"`
	WebhookURL        string `json:"webhookUrl"`
	StatusCallbackURL string `json:"statusCallbackUrl,omitempty"`
}

type dialResponse struct {
	CallSID string `json:"callSid"`
	SID     string `json:"sid"`
	Status  string `json:"status"`
}

// PlaceCall originates one outbound call from agentDID to toPhone. It
// validates the DID, acquires a bearer token when a token endpoint is
// configured, and returns the carrier's call SID. Carrier rejections come
// back as *CarrierError with the response text untouched.
func (d *Dispatcher) PlaceCall(ctx context.Context, agentDID, toPhone string, hooks Webhooks) (DialResult, error) {
	if !ValidDID(agentDID) {
		return DialResult{}, fmt.Errorf("%w: %q", ErrInvalidDID, agentDID)
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return DialResult{}, fmt.Errorf("telephony: dial rate wait: %w", err)
		}
	}

	token, err := d.bearer(ctx)
	if err != nil {
		return DialResult{}, err
	}

	// The breaker guards the carrier API itself: transport failures and 5xx
	// responses trip it, carrier rejections of a single dial (4xx) do not.
	var res DialResult
	var dialErr error
	err = d.breaker.Execute(func() error {
		res, dialErr = d.dial(ctx, agentDID, toPhone, hooks, token)
		var ce *CarrierError
		if dialErr != nil && errors.As(dialErr, &ce) && ce.StatusCode < 500 {
			return nil
		}
		return dialErr
	})
	if errors.Is(err, resilience.ErrOpen) {
		return DialResult{}, fmt.Errorf("telephony: %w", err)
	}
	if dialErr != nil {
		return DialResult{}, dialErr
	}

	d.log.Info("outbound call placed", "from", agentDID, "to", toPhone, "callSid", res.CallSID, "status", res.Status)
	return res, nil
}

// dial performs one POST against the carrier's dial endpoint.
func (d *Dispatcher) dial(ctx context.Context, agentDID, toPhone string, hooks Webhooks, token string) (DialResult, error) {
	body, err := json.Marshal(dialRequest{
		From:              agentDID,
		To:                toPhone,
		WebhookURL:        hooks.Media,
		StatusCallbackURL: hooks.StatusCallback,
	})
	if err != nil {
		return DialResult{}, fmt.Errorf("telephony: marshal dial: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/calls", bytes.NewReader(body))
	if err != nil {
		return DialResult{}, fmt.Errorf("telephony: build dial request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return DialResult{}, fmt.Errorf("telephony: dial: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return DialResult{}, fmt.Errorf("telephony: read dial response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DialResult{}, &CarrierError{
			StatusCode: resp.StatusCode,
			Text:       strings.TrimSpace(string(raw)),
		}
	}

	var dr dialResponse
	if err := json.Unmarshal(raw, &dr); err != nil {
		return DialResult{}, fmt.Errorf("telephony: decode dial response: %w", err)
	}
	sid := dr.CallSID
	if sid == "" {
		sid = dr.SID
	}
	if sid == "" {
		return DialResult{}, fmt.Errorf("telephony: dial response carries no call SID")
	}
	return DialResult{CallSID: sid, Status: dr.Status}, nil
}

// ValidDID reports whether the number contains at least ten digits once
// formatting (spaces, dashes, parentheses, a leading +) is stripped.
func ValidDID(did string) bool {
	digits := 0
	for _, r := range did {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 10
}

// ── Bearer-token acquisition ────────────────────────────────────────────────

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// bearer returns the token to attach to the next dial. A static token wins;
// otherwise a client-credentials grant runs against the token endpoint, with
// the result cached until 30 s before expiry. No token endpoint means
// unauthenticated dials.
func (d *Dispatcher) bearer(ctx context.Context) (string, error) {
	if d.staticToken != "" {
		return d.staticToken, nil
	}
	if d.tokenURL == "" {
		return "", nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cachedToken != "" && time.Now().Before(d.tokenExpiry) {
		return d.cachedToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {d.clientID},
		"client_secret": {d.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("telephony: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("telephony: token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("telephony: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &CarrierError{StatusCode: resp.StatusCode, Text: strings.TrimSpace(string(raw))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("telephony: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("telephony: token response carries no access_token")
	}

	d.cachedToken = tr.AccessToken
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	d.tokenExpiry = time.Now().Add(ttl - 30*time.Second)
	return d.cachedToken, nil
}
