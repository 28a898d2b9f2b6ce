package healthschool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// FlexID is an identifier the server may encode as a JSON number or string.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// ============================================================================
// Alarm Types
// ============================================================================

// AlarmPayload is the body of an ALARM frame.
type AlarmPayload struct {
	ID        FlexID `json:"id" validate:"required"`
	Title     string `json:"title" validate:"max=512"`
	Message   string `json:"message" validate:"required_without=Title,max=4096"`
	URL       string `json:"url,omitempty" validate:"max=2048"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// NotificationItem is one entry of the notification timeline.
//
// Pending is true while a MarkRead or Delete for this item awaits
// confirmation from the REST API.
type NotificationItem struct {
	ID        string    `json:"id"`
	Cursor    string    `json:"cursor,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt string    `json:"createdAt,omitempty"`
	Pending   bool      `json:"pending,omitempty"`
	Received  time.Time `json:"-"`
}

func (n NotificationItem) Key() string { return n.ID }

// SortKey orders items by stream cursor, falling back to the alarm id for
// items that did not arrive over the stream.
func (n NotificationItem) SortKey() string {
	if n.Cursor != "" {
		return n.Cursor
	}
	return n.ID
}

func notificationFromAlarm(ev StreamEvent) NotificationItem {
	a := ev.Alarm
	return NotificationItem{
		ID:        a.ID.String(),
		Cursor:    ev.ID,
		Title:     a.Title,
		Message:   a.Message,
		URL:       a.URL,
		CreatedAt: a.CreatedAt,
		Received:  ev.ReceivedAt,
	}
}

// ============================================================================
// Chat Types
// ============================================================================

// ChatUser identifies the local participant of a chat room. PeerName is the
// other party, carried as receiverName on outbound envelopes. Token, when
// set, overrides RealtimeConfig.Token for this session.
type ChatUser struct {
	ID       string
	Name     string `validate:"required,max=64"`
	PeerName string `validate:"max=64"`
	Token    string
}

// ChatPayload is a chat or membership message delivered on a room topic.
type ChatPayload struct {
	ID           FlexID `json:"id,omitempty"`
	RoomID       FlexID `json:"roomId,omitempty"`
	Type         string `json:"type,omitempty"`
	WriterName   string `json:"writerName" validate:"required_without=Message"`
	ReceiverName string `json:"receiverName,omitempty"`
	Message      string `json:"message" validate:"max=8192"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// chatEnvelope is the body sent to /publish/chat/message/{roomId}.
type chatEnvelope struct {
	WriterName   string `json:"writerName"`
	ReceiverName string `json:"receiverName"`
	Message      string `json:"message"`
}

// leaveEnvelope is the body sent to /publish/chat/room/leave/{roomId}.
type leaveEnvelope struct {
	WriterName   string `json:"writerName"`
	ReceiverName string `json:"receiverName"`
}

// ChatEntry is one line of a chat transcript.
type ChatEntry struct {
	ID         string
	Kind       EventKind
	Payload    ChatPayload
	ReceivedAt time.Time
}

// Key returns the message id. Entries without one never collide.
func (e ChatEntry) Key() string { return e.ID }

func (e ChatEntry) SortKey() string { return e.ID }

// ChatRoom is room metadata from GET /api/v1/chatrooms/{roomId}.
type ChatRoom struct {
	ID           FlexID   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Participants []string `json:"participants,omitempty"`
	CreatedAt    string   `json:"createdAt,omitempty"`
}

// ============================================================================
// REST envelopes
// ============================================================================

// apiEnvelope is the optional {"data": ...} wrapper some endpoints use.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// unwrapData returns the "data" member of body when present, else body.
func unwrapData(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var env apiEnvelope
	if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 {
		return env.Data
	}
	return trimmed
}
