package healthschool

import "time"

// EventKind discriminates a StreamEvent.
type EventKind string

const (
	KindAlarm       EventKind = "alarm"
	KindSystemJoin  EventKind = "system_join"
	KindSystemLeave EventKind = "system_leave"
	KindChatMessage EventKind = "chat_message"
	KindHeartbeat   EventKind = "heartbeat"
)

// Channel names, used as log fields and metric labels.
const (
	ChannelAlarm = "alarm"
	ChannelChat  = "chat"
)

// StreamEvent is one event received from either push channel.
//
// ID is the server-assigned cursor token. It is empty for heartbeats and for
// chat frames that carry no identifier. Exactly one of Alarm and Chat is set
// for non-heartbeat events.
type StreamEvent struct {
	Kind       EventKind
	ID         string
	Alarm      *AlarmPayload
	Chat       *ChatPayload
	ReceivedAt time.Time
}

// IsHeartbeat reports whether the event only signals liveness.
func (e StreamEvent) IsHeartbeat() bool { return e.Kind == KindHeartbeat }
