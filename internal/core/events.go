package core

import (
	"encoding/json"
	"fmt"

	"github.com/schooltrack/collabhub/internal/domain"
)

// Message types carried in the wire envelope.
const (
	// client -> hub
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeReconnect    = "reconnect"
	TypeLockAcquire  = "lockAcquire"
	TypeLockRelease  = "lockRelease"
	TypeChatMessage  = "chatMessage"
	TypeTypingStart  = "typingStart"
	TypeTypingStop   = "typingStop"
	TypeActivityPing = "activityPing"

	// hub -> client
	TypeJoined          = "joined"
	TypeLeft            = "left"
	TypePresenceUpdate  = "presenceUpdate"
	TypeLockGranted     = "lockGranted"
	TypeLockDenied      = "lockDenied"
	TypeLockReleased    = "lockReleased"
	TypeTypingUpdate    = "typingUpdate"
	TypeIdleWarning     = "idleWarning"
	TypeForceDisconnect = "forceDisconnect"
	TypePong            = "pong"
	TypeError           = "error"
)

// Disconnect reasons surfaced to the affected client.
const (
	ReasonIdle       = "idle"
	ReasonSuperseded = "superseded"
	ReasonShutdown   = "shutdown"
)

// Envelope is the tagged wire message.
type Envelope struct {
	Type    string            `json:"type"`
	Room    domain.DocumentID `json:"roomId,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Encode builds an outbound frame. Payloads are hub-owned structs, so a
// marshal failure is a programming error; it is reported, not swallowed.
func Encode(msgType string, room domain.DocumentID, payload any) (Frame, error) {
	env := Envelope{Type: msgType, Room: room}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	return Frame(data), nil
}

// RoomStatePayload is the full snapshot sent on (re)join: who is here, who
// holds the lock, and the recent chat buffer.
type RoomStatePayload struct {
	Rev     uint64               `json:"rev"`
	Viewers []domain.Viewer      `json:"viewers"`
	Lock    *domain.Lock         `json:"lock,omitempty"`
	History []domain.ChatMessage `json:"history,omitempty"`
}

// PresencePayload carries the full current viewer list, not a delta. Clients
// apply the highest rev they have seen and drop the rest.
type PresencePayload struct {
	Rev     uint64          `json:"rev"`
	Viewers []domain.Viewer `json:"viewers"`
}

type LockGrantedPayload struct {
	Rev  uint64       `json:"rev"`
	Lock *domain.Lock `json:"lock"`
}

type LockDeniedPayload struct {
	Holder     domain.UserID `json:"holder"`
	HolderName string        `json:"holder_name"`
}

type LockReleasedPayload struct {
	Rev    uint64        `json:"rev"`
	Holder domain.UserID `json:"holder"`
}

type TypingPayload struct {
	Users []domain.UserID `json:"users"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type IdleWarningPayload struct {
	DisconnectInMs int64 `json:"disconnect_in_ms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
