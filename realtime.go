package healthschool

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatTimeout     = 45 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultLeaveGrace           = 200 * time.Millisecond
	DefaultChatEndpoint         = "/ws-stomp"
	DefaultPublishRate          = 5
	DefaultPublishBurst         = 5
)

// RealtimeConfig configures AlarmStream and ChatSession.
type RealtimeConfig struct {
	// Token is the session token sent as a Bearer credential.
	Token string

	// MaxReconnectAttempts bounds the retries of an alarm stream failure run.
	// Negative means retry forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration `validate:"gte=0,ltefield=ReconnectMaxDelay"`
	ReconnectMaxDelay    time.Duration `validate:"gte=0"`

	// HeartbeatTimeout tears down an alarm stream that has been silent this
	// long. Negative disables the watchdog.
	HeartbeatTimeout time.Duration

	HandshakeTimeout time.Duration
	LeaveGrace       time.Duration `validate:"gte=0"`
	ChatEndpoint     string

	// PublishRate is the sustained chat send rate per second.
	PublishRate  float64
	PublishBurst int

	LedgerWindow int `validate:"gte=0"`

	// HTTPClient must not carry a Timeout, the alarm stream is long lived.
	HTTPClient *http.Client    `validate:"-"`
	Clock      clockwork.Clock `validate:"-"`
	Logger     *zerolog.Logger `validate:"-"`
	Metrics    *Metrics        `validate:"-"`
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.LeaveGrace == 0 {
		c.LeaveGrace = DefaultLeaveGrace
	}
	if c.ChatEndpoint == "" {
		c.ChatEndpoint = DefaultChatEndpoint
	}
	if !strings.HasPrefix(c.ChatEndpoint, "/") {
		c.ChatEndpoint = "/" + c.ChatEndpoint
	}
	if c.PublishRate <= 0 {
		c.PublishRate = DefaultPublishRate
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = DefaultPublishBurst
	}
	if c.LedgerWindow == 0 {
		c.LedgerWindow = DefaultLedgerWindow
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Validate reports configuration values that can never work. Unset fields
// are checked with their defaults applied.
func (c *RealtimeConfig) Validate() error {
	eff := *c
	eff.defaults()
	return validateStruct(&eff)
}

func (c *RealtimeConfig) backoff() BackoffPolicy {
	return BackoffPolicy{Base: c.ReconnectBaseDelay, Max: c.ReconnectMaxDelay}
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the lifecycle state of a stream client.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateLeaving      ConnectionState = "leaving"
	StateClosed       ConnectionState = "closed"

	// StateExhaustedRetries is the alarm stream's fail-stop state.
	StateExhaustedRetries ConnectionState = "exhausted_retries"
	// StateUnauthorized means the server refused the session.
	StateUnauthorized ConnectionState = "unauthorized"
)

// Terminal reports whether no further automatic transition will happen.
func (s ConnectionState) Terminal() bool {
	switch s {
	case StateClosed, StateExhaustedRetries, StateUnauthorized:
		return true
	}
	return false
}

// Failed reports whether the state should be shown to the user as an error.
func (s ConnectionState) Failed() bool {
	return s == StateExhaustedRetries || s == StateUnauthorized
}

// StateChange describes one transition. Err is set for failure transitions.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	log            zerolog.Logger
	onState        []func(StateChange)
	onAlarm        []func(NotificationItem)
	onChat         []func(ChatEntry)
	onReconnecting []func(attempt int, delay time.Duration)
	onDropped      []func(error)
}

func newEventDispatcher(log zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{log: log}
}

// Handlers run synchronously on the client's goroutine in delivery order. A
// panicking handler is logged and skipped.
func (d *eventDispatcher) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("handler", name).Msg("realtime handler panicked")
		}
	}()
	fn()
}

func (d *eventDispatcher) emitState(ch StateChange) {
	if ch.From == ch.To {
		return
	}
	d.mu.RLock()
	handlers := append([]func(StateChange){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safe("state", func() { h(ch) })
	}
}

func (d *eventDispatcher) emitAlarm(item NotificationItem) {
	d.mu.RLock()
	handlers := append([]func(NotificationItem){}, d.onAlarm...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safe("alarm", func() { h(item) })
	}
}

func (d *eventDispatcher) emitChat(e ChatEntry) {
	d.mu.RLock()
	handlers := append([]func(ChatEntry){}, d.onChat...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safe("chat", func() { h(e) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safe("reconnecting", func() { h(attempt, delay) })
	}
}

func (d *eventDispatcher) emitDropped(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDropped...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safe("dropped", func() { h(err) })
	}
}

func (d *eventDispatcher) addState(h func(StateChange)) {
	d.mu.Lock()
	d.onState = append(d.onState, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) addDropped(h func(error)) {
	d.mu.Lock()
	d.onDropped = append(d.onDropped, h)
	d.mu.Unlock()
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeClient creates push clients bound to a Client's base URL and REST
// sub-clients.
type RealtimeClient struct{ c *Client }

// AlarmsURL returns the notification stream URL.
func (r *RealtimeClient) AlarmsURL() string {
	return r.c.baseURL + alarmSubscribePath
}

// ChatURL returns the websocket URL of the chat endpoint.
func (r *RealtimeClient) ChatURL(endpoint string) string {
	if endpoint == "" {
		endpoint = DefaultChatEndpoint
	}
	return websocketURL(r.c.baseURL) + endpoint
}

// Alarms creates an AlarmStream. Call Start to connect.
func (r *RealtimeClient) Alarms(config *RealtimeConfig) *AlarmStream {
	cfg := r.inherit(config)
	return NewAlarmStream(r.c.baseURL, r.c.Alarms, cfg)
}

// Chat creates a ChatSession. Call Start to enter a room.
func (r *RealtimeClient) Chat(config *RealtimeConfig) *ChatSession {
	cfg := r.inherit(config)
	return NewChatSession(r.c.baseURL, r.c.Chats, cfg)
}

func (r *RealtimeClient) inherit(config *RealtimeConfig) RealtimeConfig {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = r.c.token
	}
	if cfg.Logger == nil {
		l := r.c.logger
		cfg.Logger = &l
	}
	return cfg
}

func websocketURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}
