package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"nest-protect-bridge/internal/platform/metrics"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBaseURL = "https://smartdevicemanagement.googleapis.com/v1"

	commandGenerateRTSP   = "sdm.devices.commands.CameraLiveStream.GenerateRtspStream"
	commandExtendRTSP     = "sdm.devices.commands.CameraLiveStream.ExtendRtspStream"
	commandGenerateWebRTC = "sdm.devices.commands.CameraLiveStream.GenerateWebRtcStream"

	requestTimeout  = 30 * time.Second
	commandMaxTries = 3
)

// Client speaks the SDM v1 API for a single device: stream acquisition,
// renewal, and device state reads. It owns no process or session state;
// callers hold the sessions it returns.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	deviceName string
	log        *slog.Logger
	metrics    *metrics.Metrics

	// retryWait separates transient-failure retries of a single command;
	// renewBackoff separates a failed renewal from the fallback re-acquisition.
	retryWait    time.Duration
	renewBackoff time.Duration
}

// NewClient returns a Client for the named device
// ("enterprises/{project}/devices/{device}") authenticated with the given
// access token. Metrics may be nil to disable metric recording (e.g. in tests).
func NewClient(token, deviceName string, log *slog.Logger, m *metrics.Metrics) *Client {
	return NewClientWithBaseURL(token, deviceName, defaultBaseURL, log, m)
}

// NewClientWithBaseURL is NewClient with an explicit API base URL.
// Useful for testing against a stub server.
func NewClientWithBaseURL(token, deviceName, baseURL string, log *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		baseURL:      baseURL,
		token:        token,
		deviceName:   deviceName,
		log:          log,
		metrics:      m,
		retryWait:    2 * time.Second,
		renewBackoff: 5 * time.Second,
	}
}

// apiError is a non-2xx response from the SDM API.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("sdm api error: status %d: %s", e.status, e.message)
}

// commandResponse covers the result fields of every stream command this
// client issues; fields absent from a given command decode to zero values.
type commandResponse struct {
	Results struct {
		StreamURLs struct {
			RTSPURL string `json:"rtspUrl"`
		} `json:"streamUrls"`
		StreamExtensionToken          string `json:"streamExtensionToken"`
		StreamExtensionTokenExpiresAt string `json:"streamExtensionTokenExpiresAt"`
		AnswerSDP                     string `json:"answerSdp"`
		ExpiresAt                     string `json:"expiresAt"`
	} `json:"results"`
}

// deviceState is the device GET payload the event poller consumes.
type deviceState struct {
	UpdateTime string                     `json:"updateTime"`
	Events     map[string]json.RawMessage `json:"events"`
}

// executeCommand posts a command to the device endpoint. Network errors and
// 5xx responses are retried on a constant interval; 4xx responses are
// permanent and surface to the caller for classification.
func (c *Client) executeCommand(ctx context.Context, command string, params map[string]any) (*commandResponse, error) {
	c.log.Debug("executing command", slog.String("command", command))
	return backoff.Retry(ctx, func() (*commandResponse, error) {
		resp, err := c.doCommand(ctx, command, params)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.status < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryWait)),
		backoff.WithMaxTries(commandMaxTries),
	)
}

func (c *Client) doCommand(ctx context.Context, command string, params map[string]any) (*commandResponse, error) {
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"command": command, "params": params})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s:executeCommand", c.baseURL, c.deviceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &apiError{status: resp.StatusCode, message: string(body)}
	}

	var out commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding command response: %w", err)
	}
	return &out, nil
}

// AcquireRTSP requests a fresh RTSP stream via the primary command.
// A 4xx rejection other than an auth failure classifies as
// ErrTransportUnavailable so callers can fall back to WebRTC.
func (c *Client) AcquireRTSP(ctx context.Context) (*StreamSession, error) {
	resp, err := c.executeCommand(ctx, commandGenerateRTSP, nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status >= 400 && apiErr.status < 500 &&
			apiErr.status != http.StatusUnauthorized && apiErr.status != http.StatusForbidden {
			return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		return nil, err
	}

	expiresAt, err := parseTimestamp(resp.Results.StreamExtensionTokenExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("rtsp stream response: %w", err)
	}

	c.log.Info("rtsp stream generated", slog.Time("expires_at", expiresAt))
	if c.metrics != nil {
		c.metrics.IncSessionsAcquired(string(TransportRTSP))
	}
	return &StreamSession{
		Locator:        resp.Results.StreamURLs.RTSPURL,
		ExpiresAt:      expiresAt,
		ExtensionToken: resp.Results.StreamExtensionToken,
		Transport:      TransportRTSP,
	}, nil
}

// AcquireWebRTC requests a stream via the fallback command. The answer SDP
// stands in as the locator; the consumer is responsible for the media
// exchange. WebRTC sessions carry no extension token.
func (c *Client) AcquireWebRTC(ctx context.Context) (*StreamSession, error) {
	resp, err := c.executeCommand(ctx, commandGenerateWebRTC, nil)
	if err != nil {
		return nil, err
	}

	expiresAt, err := parseTimestamp(resp.Results.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("webrtc stream response: %w", err)
	}

	c.log.Info("webrtc stream generated, consumer must handle the SDP exchange",
		slog.Time("expires_at", expiresAt))
	if c.metrics != nil {
		c.metrics.IncSessionsAcquired(string(TransportWebRTC))
	}
	return &StreamSession{
		Locator:   resp.Results.AnswerSDP,
		ExpiresAt: expiresAt,
		Transport: TransportWebRTC,
	}, nil
}

// Acquire obtains a first session: primary transport, then fallback if the
// device rejects the primary command. Network and auth failures propagate
// unchanged; a fallback failure wraps ErrAcquisitionFailed.
func (c *Client) Acquire(ctx context.Context) (*StreamSession, error) {
	session, err := c.AcquireRTSP(ctx)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrTransportUnavailable) {
		return nil, err
	}

	c.log.Warn("rtsp command unavailable, falling back to webrtc", slog.String("error", err.Error()))
	session, err = c.AcquireWebRTC(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisitionFailed, err)
	}
	return session, nil
}

// Renew extends the given session using its extension token. The extend
// response may omit the stream URL; the previous locator is retained in that
// case, so a pure extension never changes the locator.
func (c *Client) Renew(ctx context.Context, current *StreamSession) (*StreamSession, error) {
	if !current.Renewable() {
		return nil, fmt.Errorf("%w: session has no extension token", ErrRenewalFailed)
	}

	resp, err := c.executeCommand(ctx, commandExtendRTSP, map[string]any{
		"streamExtensionToken": current.ExtensionToken,
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncRenewalFailures()
		}
		return nil, fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}

	expiresAt, err := parseTimestamp(resp.Results.StreamExtensionTokenExpiresAt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncRenewalFailures()
		}
		return nil, fmt.Errorf("%w: %v", ErrRenewalFailed, err)
	}

	locator := resp.Results.StreamURLs.RTSPURL
	if locator == "" {
		locator = current.Locator
	}
	token := resp.Results.StreamExtensionToken
	if token == "" {
		token = current.ExtensionToken
	}

	c.log.Info("stream renewed", slog.Time("expires_at", expiresAt))
	if c.metrics != nil {
		c.metrics.IncSessionsRenewed()
	}
	return &StreamSession{
		Locator:        locator,
		ExpiresAt:      expiresAt,
		ExtensionToken: token,
		Transport:      current.Transport,
	}, nil
}

// EnsureFresh returns a session guaranteed to expire after now. A held
// session outside the renewal margin is returned unchanged with no network
// call. Near expiry, renewal is attempted first; if it fails, a fixed
// backoff precedes a full re-acquisition. With no session held, it acquires.
func (c *Client) EnsureFresh(ctx context.Context, current *StreamSession, renewMargin time.Duration) (*StreamSession, error) {
	if current == nil {
		return c.freshAcquire(ctx)
	}

	if time.Until(current.ExpiresAt) > renewMargin {
		return current, nil
	}

	c.log.Info("session close to expiry, renewing", slog.Time("expires_at", current.ExpiresAt))
	if current.Renewable() {
		next, err := c.Renew(ctx, current)
		if err == nil {
			return checkFresh(next)
		}
		c.log.Warn("renewal failed, re-acquiring after backoff", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.renewBackoff):
		}
	}
	return c.freshAcquire(ctx)
}

func (c *Client) freshAcquire(ctx context.Context) (*StreamSession, error) {
	session, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return checkFresh(session)
}

// checkFresh rejects sessions that are already expired at issue; the caller
// retries on its own schedule rather than holding a dead locator.
func checkFresh(s *StreamSession) (*StreamSession, error) {
	if !s.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: session already expired at %s", ErrAcquisitionFailed, s.ExpiresAt)
	}
	return s, nil
}

// device fetches the current device state for event polling.
func (c *Client) device(ctx context.Context) (*deviceState, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, c.deviceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &apiError{status: resp.StatusCode, message: string(body)}
	}

	var state deviceState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decoding device state: %w", err)
	}
	return &state, nil
}

// parseTimestamp parses RFC3339 timestamps and normalizes to UTC.
func parseTimestamp(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, errors.New("missing expiry timestamp")
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", ts, err)
	}
	return t.UTC(), nil
}
