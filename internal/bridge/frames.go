// Package bridge maps WebSocket connections to event bus subscriptions,
// translating inbound client frames into bus events and outbound bus events
// into client frames.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hollowpoint/blastarena/internal/event"
)

// ProtocolVersion is stamped on every outbound frame.
const ProtocolVersion = "1.0"

// Frame message types.
const (
	// Client to server.
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameEvent       = "event"
	FramePing        = "ping"

	// Server to client.
	FrameEventBatch = "event_batch"
	FrameFullSync   = "full_sync"
	FrameAuthOK     = "auth_ok"
	FrameError      = "error"
	FramePong       = "pong"
)

// Protocol error codes carried in error frames.
const (
	CodeMalformedFrame            = "malformed_frame"
	CodeSpoofedSource             = "spoofed_source"
	CodeNotAuthenticated          = "not_authenticated"
	CodeAuthFailed                = "auth_failed"
	CodeUnknownChannel            = "unknown_channel"
	CodeSubscriptionLimitExceeded = "subscription_limit_exceeded"
)

// Frame is the wire shape of every message in both directions.
type Frame struct {
	MessageType     string          `json:"messageType"`
	Type            string          `json:"type,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	ProtocolVersion string          `json:"protocolVersion"`
	EventID         string          `json:"eventId,omitempty"`
}

// DecodeFrame parses a raw inbound frame.
//
// Postcondition: Returns an error for invalid JSON or a missing messageType;
// callers treat that as a MalformedFrame protocol violation.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.MessageType == "" {
		return nil, fmt.Errorf("frame missing messageType")
	}
	return &f, nil
}

// authPayload is the data of an auth frame.
type authPayload struct {
	PlayerID  string `json:"playerId"`
	Token     string `json:"token"`
	SessionID string `json:"sessionId,omitempty"`
}

// subscribePayload is the data of a subscribe or unsubscribe frame.
type subscribePayload struct {
	Channel string `json:"channel"`
}

// errorPayload is the data of an outbound error frame.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeFrame marshals an outbound frame, stamping timestamp and version.
func encodeFrame(messageType, frameType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding frame data: %w", err)
	}
	return json.Marshal(Frame{
		MessageType:     messageType,
		Type:            frameType,
		Data:            raw,
		Timestamp:       time.Now().UTC(),
		ProtocolVersion: ProtocolVersion,
	})
}

// encodeErrorFrame builds an error frame for a protocol violation.
func encodeErrorFrame(code, message string) []byte {
	raw, err := encodeFrame(FrameError, code, errorPayload{Code: code, Message: message})
	if err != nil {
		// errorPayload always marshals; this is unreachable in practice.
		return []byte(`{"messageType":"error"}`)
	}
	return raw
}

// encodeEventBatch builds the outbound frame for one flush: a single event
// frame when the batch has one member, an event_batch frame otherwise.
func encodeEventBatch(events []*event.Event) ([]byte, error) {
	if len(events) == 1 {
		raw, err := json.Marshal(events[0])
		if err != nil {
			return nil, fmt.Errorf("encoding event: %w", err)
		}
		return json.Marshal(Frame{
			MessageType:     FrameEvent,
			Type:            events[0].Type,
			Data:            raw,
			Timestamp:       time.Now().UTC(),
			ProtocolVersion: ProtocolVersion,
			EventID:         events[0].ID,
		})
	}
	return encodeFrame(FrameEventBatch, "", events)
}
