package bridge

import (
	"errors"
	"time"
)

// Transport identifies which acquisition path produced a stream session.
type Transport string

const (
	// TransportRTSP is the primary acquisition path.
	TransportRTSP Transport = "rtsp"
	// TransportWebRTC is the fallback path used when RTSP is unavailable.
	TransportWebRTC Transport = "webrtc"
)

// StreamSession is one time-bounded grant to reach live media at a locator.
// Sessions are immutable; renewal produces a new value rather than mutating
// the old one.
type StreamSession struct {
	// Locator is the opaque address a consumer uses to reach the media:
	// an RTSP URL for the primary path, an answer SDP for WebRTC.
	Locator string

	// ExpiresAt is the absolute UTC instant the session becomes invalid.
	ExpiresAt time.Time

	// ExtensionToken, when present, permits extending the session without
	// a full re-acquisition.
	ExtensionToken string

	// Transport records which acquisition path produced this session.
	Transport Transport
}

// Renewable reports whether the session carries an extension token.
// Absence of a token is the only "not renewable" signal; any token is
// treated as renewable regardless of which transport issued it.
func (s *StreamSession) Renewable() bool {
	return s != nil && s.ExtensionToken != ""
}

var (
	// ErrTransportUnavailable is returned when the device rejects the
	// primary stream command (e.g. the capability is not supported).
	// It triggers fallback acquisition, not failure.
	ErrTransportUnavailable = errors.New("stream command not supported by device")

	// ErrRenewalFailed is returned when a session extension attempt is
	// rejected. Callers fall back to a full re-acquisition.
	ErrRenewalFailed = errors.New("stream renewal failed")

	// ErrAcquisitionFailed is returned when both acquisition transports
	// failed, or when an acquired session was already expired at issue.
	ErrAcquisitionFailed = errors.New("stream acquisition failed")

	// ErrLaunchFailed is returned when the consumer process could not be
	// spawned. Liveness is re-checked on the next supervisor tick.
	ErrLaunchFailed = errors.New("consumer launch failed")
)
