package healthschool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	alarmSubscribePath = "/api/v1/alarm/subscribe"

	sseEventAlarm = "ALARM"
	sseEventDummy = "DUMMY"
)

var (
	errStreamEnded  = errors.New("stream closed by server")
	errSilentStream = errors.New("no frame within heartbeat timeout")
	errSuperseded   = errors.New("connection superseded")
)

// AlarmAPI is the REST boundary used to confirm notification commands.
type AlarmAPI interface {
	Read(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// AlarmStream keeps a NotificationTimeline in sync with the alarm SSE channel.
//
// One goroutine per Start owns the connection. It reconnects with backoff and
// Last-Event-ID resumption until MaxReconnectAttempts consecutive failures,
// then stops in StateExhaustedRetries. Every delivery is applied under the
// stream lock after a generation check, so once Stop returns the timeline is
// no longer mutated.
type AlarmStream struct {
	baseURL    string
	api        AlarmAPI
	cfg        RealtimeConfig
	policy     BackoffPolicy
	clock      clockwork.Clock
	log        zerolog.Logger
	metrics    *Metrics
	dispatcher *eventDispatcher
	timeline   *NotificationTimeline

	mu         sync.Mutex
	state      ConnectionState
	err        error
	gen        uint64
	closed     bool
	attempt    uint
	retryFloor time.Duration
	ledger     *DeliveryLedger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewAlarmStream returns a stream client for baseURL. api may be nil, in
// which case MarkRead and Delete only change local state.
func NewAlarmStream(baseURL string, api AlarmAPI, config RealtimeConfig) *AlarmStream {
	cfg := config
	cfg.defaults()
	log := cfg.Logger.With().Str("component", "alarm_stream").Logger()
	done := make(chan struct{})
	close(done)
	s := &AlarmStream{
		baseURL:    baseURL,
		api:        api,
		cfg:        cfg,
		policy:     cfg.backoff(),
		clock:      cfg.Clock,
		log:        log,
		metrics:    cfg.Metrics,
		dispatcher: newEventDispatcher(log),
		timeline:   NewNotificationTimeline(),
		state:      StateDisconnected,
		ledger:     NewDeliveryLedger(cfg.LedgerWindow),
		done:       done,
	}
	if api == nil {
		s.api = localAlarmAPI{}
	}
	return s
}

// OnAlarm registers a handler for each newly accepted notification.
func (s *AlarmStream) OnAlarm(h func(NotificationItem)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onAlarm = append(s.dispatcher.onAlarm, h)
	s.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (s *AlarmStream) OnStateChange(h func(StateChange)) { s.dispatcher.addState(h) }

// OnReconnecting registers a handler called before each scheduled retry.
func (s *AlarmStream) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// OnDropped registers a handler for frames dropped as malformed.
func (s *AlarmStream) OnDropped(h func(error)) { s.dispatcher.addDropped(h) }

// Timeline returns the notification timeline this stream writes to.
func (s *AlarmStream) Timeline() *NotificationTimeline { return s.timeline }

// State returns the current connection state.
func (s *AlarmStream) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error behind a failure state, or nil.
func (s *AlarmStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cursor returns the resumption token that the next connect will send.
func (s *AlarmStream) Cursor() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Cursor()
}

// Done is closed when the current run loop has exited.
func (s *AlarmStream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start connects in the background. token overrides RealtimeConfig.Token when
// set. Starting a running stream is a no-op. A stream in a failure state may
// be started again, e.g. with a fresh token. Cancelling ctx ends the run in
// StateDisconnected.
func (s *AlarmStream) Start(ctx context.Context, token string) error {
	if token == "" {
		token = s.cfg.Token
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.attempt = 0
	s.retryFloor = 0
	s.err = nil
	ch := s.setStateLocked(StateConnecting, nil)
	done := s.done
	s.mu.Unlock()

	s.dispatcher.emitState(ch)
	go s.run(runCtx, gen, token, done)
	return nil
}

// Stop closes the stream for good. It cancels any pending retry and the open
// connection. Safe to call from any state and more than once.
func (s *AlarmStream) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	ch := s.setStateLocked(StateClosed, nil)
	s.mu.Unlock()

	s.log.Debug().Msg("alarm stream stopped")
	s.dispatcher.emitState(ch)
}

func (s *AlarmStream) setStateLocked(to ConnectionState, err error) StateChange {
	ch := StateChange{From: s.state, To: to, Err: err}
	s.state = to
	if err != nil || to.Failed() {
		s.err = err
	}
	s.metrics.setState(ChannelAlarm, to)
	return ch
}

// transition moves to state to if gen is still current.
func (s *AlarmStream) transition(gen uint64, to ConnectionState, err error) bool {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return false
	}
	ch := s.setStateLocked(to, err)
	if to.Terminal() || to == StateDisconnected {
		s.cancel = nil
	}
	s.mu.Unlock()
	s.dispatcher.emitState(ch)
	return true
}

func (s *AlarmStream) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && !s.closed
}

func (s *AlarmStream) run(ctx context.Context, gen uint64, token string, done chan struct{}) {
	defer close(done)

	for {
		err := s.connectOnce(ctx, gen, token)

		if ctx.Err() != nil || !s.current(gen) {
			s.transition(gen, StateDisconnected, nil)
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.log.Warn().Int("status", authErr.StatusCode).Msg("alarm stream unauthorized")
			s.transition(gen, StateUnauthorized, err)
			return
		}

		s.mu.Lock()
		if s.gen != gen || s.closed {
			s.mu.Unlock()
			return
		}
		attempt := s.attempt
		if max := s.cfg.MaxReconnectAttempts; max >= 0 && attempt >= uint(max) {
			s.mu.Unlock()
			exhausted := fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, attempt, err)
			s.log.Error().Err(err).Uint("attempts", attempt).Msg("alarm stream gave up reconnecting")
			s.transition(gen, StateExhaustedRetries, exhausted)
			return
		}
		delay := s.policy.withFloor(attempt, s.retryFloor)
		s.attempt++
		ch := s.setStateLocked(StateReconnecting, nil)
		s.mu.Unlock()

		s.dispatcher.emitState(ch)
		s.metrics.reconnect()
		s.log.Debug().Err(err).Uint("attempt", attempt+1).Dur("delay", delay).Msg("alarm stream reconnecting")
		s.dispatcher.emitReconnecting(int(attempt+1), delay)

		timer := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(gen, StateDisconnected, nil)
			return
		case <-timer.Chan():
		}

		if !s.transition(gen, StateConnecting, nil) {
			return
		}
	}
}

// connectOnce opens one stream and reads it until it fails. It always
// returns a non-nil error describing why the stream ended.
func (s *AlarmStream) connectOnce(ctx context.Context, gen uint64, token string) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.baseURL+alarmSubscribePath, nil)
	if err != nil {
		return &TransientNetworkError{Op: "create request", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if cursor, ok := s.Cursor(); ok {
		req.Header.Set("Last-Event-ID", cursor)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return &TransientNetworkError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()

	if isAuthStatus(resp.StatusCode) {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &AuthError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
	if resp.StatusCode != http.StatusOK {
		return &TransientNetworkError{Op: "connect", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var stale atomic.Bool
	var watchdog clockwork.Timer
	if s.cfg.HeartbeatTimeout > 0 {
		watchdog = s.clock.AfterFunc(s.cfg.HeartbeatTimeout, func() {
			stale.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}

	reader := newSSEReader(resp.Body)
	for {
		f, err := reader.Next()
		if err != nil {
			switch {
			case stale.Load():
				return &TransientNetworkError{Op: "heartbeat", Err: errSilentStream}
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF):
				return &TransientNetworkError{Op: "read", Err: errStreamEnded}
			}
			return &TransientNetworkError{Op: "read", Err: err}
		}
		if watchdog != nil {
			watchdog.Reset(s.cfg.HeartbeatTimeout)
		}
		if !s.deliver(gen, f) {
			return errSuperseded
		}
	}
}

// deliver applies one frame. It returns false when gen is no longer current.
func (s *AlarmStream) deliver(gen uint64, f sseFrame) bool {
	now := s.clock.Now()
	ev, perr := decodeAlarmFrame(f, now)

	var (
		connected StateChange
		item      NotificationItem
		inserted  bool
		dup       bool
	)

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return false
	}
	if s.state != StateConnected {
		s.attempt = 0
		s.err = nil
		connected = s.setStateLocked(StateConnected, nil)
	}
	if f.hasRetry {
		s.retryFloor = f.Retry
	}
	if perr == nil && ev != nil {
		if !s.ledger.Observe(*ev) {
			dup = true
		} else if !ev.IsHeartbeat() {
			item = notificationFromAlarm(*ev)
			inserted = s.timeline.Insert(item)
			dup = !inserted
		}
	}
	s.mu.Unlock()

	if connected.To != "" {
		s.log.Debug().Msg("alarm stream connected")
		s.dispatcher.emitState(connected)
	}

	switch {
	case perr != nil:
		s.metrics.malformed(ChannelAlarm)
		s.log.Warn().Err(perr).Str("event_id", f.ID).Msg("dropping malformed alarm frame")
		s.dispatcher.emitDropped(perr)
	case ev == nil:
		s.log.Debug().Str("event", f.Event).Msg("ignoring unknown alarm event")
	case dup:
		s.metrics.duplicate(ChannelAlarm)
		s.log.Debug().Str("event_id", ev.ID).Msg("suppressed redelivered alarm")
	default:
		s.metrics.event(ChannelAlarm, ev.Kind)
		if inserted {
			s.dispatcher.emitAlarm(item)
		}
	}
	return true
}

// decodeAlarmFrame maps an SSE frame to a StreamEvent. A nil event with a nil
// error means the frame type is not one this client handles.
func decodeAlarmFrame(f sseFrame, now time.Time) (*StreamEvent, error) {
	switch {
	case f.truncated:
		return nil, &ProtocolError{Channel: ChannelAlarm, Reason: fmt.Sprintf("event line longer than %d bytes", maxSSELine)}
	case f.Event == sseEventDummy, f.heartbeat():
		return &StreamEvent{Kind: KindHeartbeat, ReceivedAt: now}, nil
	case f.Event != sseEventAlarm:
		return nil, nil
	}

	var p AlarmPayload
	if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
		return nil, &ProtocolError{Channel: ChannelAlarm, Reason: "decode ALARM payload", Err: err}
	}
	if err := validateStruct(&p); err != nil {
		return nil, &ProtocolError{Channel: ChannelAlarm, Reason: "invalid ALARM payload", Err: err}
	}
	id := f.ID
	if id == "" {
		id = p.ID.String()
	}
	return &StreamEvent{Kind: KindAlarm, ID: id, Alarm: &p, ReceivedAt: now}, nil
}

// ============================================================================
// Commands
// ============================================================================

// MarkRead marks a notification read. The local flag flips immediately and
// is rolled back if the server rejects the change.
func (s *AlarmStream) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	item, ok := s.timeline.Get(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("mark read %s: %w", id, ErrUnknownNotification)
	}
	if item.Read && !item.Pending {
		s.mu.Unlock()
		return nil
	}
	prevRead, _ := s.timeline.beginMarkRead(id)
	s.mu.Unlock()

	err := s.api.Read(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	if err != nil {
		s.timeline.rollbackRead(id, prevRead)
		s.log.Warn().Err(err).Str("alarm_id", id).Msg("mark read rolled back")
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	s.timeline.confirm(id)
	return nil
}

// Delete removes a notification. It disappears locally at once and comes back
// if the server rejects the delete.
func (s *AlarmStream) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	item, ok := s.timeline.Remove(id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrUnknownNotification)
	}

	err := s.api.Delete(ctx, id)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.timeline.restore(item)
		s.log.Warn().Err(err).Str("alarm_id", id).Msg("delete rolled back")
	}
	return fmt.Errorf("delete %s: %w", id, err)
}

// localAlarmAPI accepts every command without a server round trip.
type localAlarmAPI struct{}

func (localAlarmAPI) Read(context.Context, string) error   { return nil }
func (localAlarmAPI) Delete(context.Context, string) error { return nil }
