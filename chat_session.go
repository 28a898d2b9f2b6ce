package healthschool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

var errEmptyMessage = errors.New("message is empty")

// RoomAPI is the REST boundary used by ChatSession.
type RoomAPI interface {
	Messages(ctx context.Context, roomID string) ([]ChatPayload, error)
	AutoDelete(ctx context.Context, roomID string) error
}

type roomSubscriptions struct {
	chat   string
	system string
}

// ChatSession is the client side of one chat room over STOMP.
//
// States: disconnected -> connecting -> connected -> leaving -> closed, with
// connecting -> disconnected on failure. There is no automatic reconnect;
// the caller decides whether to Start again. After Leave every method
// returns ErrClosed and has no effect.
type ChatSession struct {
	baseURL    string
	api        RoomAPI
	cfg        RealtimeConfig
	clock      clockwork.Clock
	log        zerolog.Logger
	metrics    *Metrics
	dispatcher *eventDispatcher
	limiter    *rate.Limiter

	mu         sync.Mutex
	state      ConnectionState
	err        error
	gen        uint64
	closed     bool
	conn       *websocket.Conn
	stopRead   context.CancelFunc
	roomID     string
	user       ChatUser
	subs       roomSubscriptions
	ledger     *DeliveryLedger
	transcript *ChatTranscript
}

// NewChatSession returns a session for baseURL. api may be nil, which skips
// history backfill and the post-leave cleanup request.
func NewChatSession(baseURL string, api RoomAPI, config RealtimeConfig) *ChatSession {
	cfg := config
	cfg.defaults()
	log := cfg.Logger.With().Str("component", "chat_session").Logger()
	return &ChatSession{
		baseURL:    baseURL,
		api:        api,
		cfg:        cfg,
		clock:      cfg.Clock,
		log:        log,
		metrics:    cfg.Metrics,
		dispatcher: newEventDispatcher(log),
		limiter:    rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst),
		state:      StateDisconnected,
		ledger:     NewDeliveryLedger(cfg.LedgerWindow),
		transcript: NewChatTranscript(),
	}
}

// OnMessage registers a handler for each accepted chat or membership entry.
func (s *ChatSession) OnMessage(h func(ChatEntry)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onChat = append(s.dispatcher.onChat, h)
	s.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (s *ChatSession) OnStateChange(h func(StateChange)) { s.dispatcher.addState(h) }

// OnDropped registers a handler for frames dropped as malformed.
func (s *ChatSession) OnDropped(h func(error)) { s.dispatcher.addDropped(h) }

// Transcript returns the room transcript.
func (s *ChatSession) Transcript() *ChatTranscript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// State returns the current connection state.
func (s *ChatSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that last moved the session to disconnected.
func (s *ChatSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// RoomID returns the room the session is bound to.
func (s *ChatSession) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *ChatSession) setStateLocked(to ConnectionState, err error) StateChange {
	ch := StateChange{From: s.state, To: to, Err: err}
	s.state = to
	s.err = err
	s.metrics.setState(ChannelChat, to)
	return ch
}

// Start enters roomID as user: websocket dial, STOMP handshake, then one
// subscription for chat messages and one for membership events. On a
// connected session the previous subscriptions are dropped first, so
// messages are never delivered twice.
func (s *ChatSession) Start(ctx context.Context, roomID string, user ChatUser) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.New("room id is required")
	}
	if err := validateStruct(&user); err != nil {
		return fmt.Errorf("chat user: %w", err)
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state == StateConnecting:
		s.mu.Unlock()
		return errors.New("start already in progress")
	case s.state == StateConnected:
		s.mu.Unlock()
		return s.resubscribe(ctx, roomID, user)
	}
	s.gen++
	gen := s.gen
	ch := s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()
	s.dispatcher.emitState(ch)

	conn, subs, err := s.open(ctx, roomID, user)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen && !s.closed {
			ch = s.setStateLocked(StateDisconnected, err)
		} else {
			ch = StateChange{}
		}
		s.mu.Unlock()
		s.dispatcher.emitState(ch)
		s.log.Warn().Err(err).Str("room", roomID).Msg("chat connect failed")
		return err
	}

	readCtx, stopRead := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		stopRead()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return ErrClosed
	}
	if s.roomID != roomID {
		s.ledger = NewDeliveryLedger(s.cfg.LedgerWindow)
		s.transcript = NewChatTranscript()
	}
	s.conn = conn
	s.stopRead = stopRead
	s.roomID = roomID
	s.user = user
	s.subs = subs
	ch = s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	s.log.Debug().Str("room", roomID).Msg("chat session connected")
	s.dispatcher.emitState(ch)
	go s.readLoop(readCtx, gen, conn)
	return nil
}

// open dials, performs the STOMP handshake and subscribes both room topics.
func (s *ChatSession) open(ctx context.Context, roomID string, user ChatUser) (*websocket.Conn, roomSubscriptions, error) {
	token := user.Token
	if token == "" {
		token = s.cfg.Token
	}
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	opts := &websocket.DialOptions{HTTPHeader: header, Subprotocols: stompSubprotocols}
	if s.cfg.HTTPClient.Timeout == 0 {
		opts.HTTPClient = s.cfg.HTTPClient
	}

	endpoint := websocketURL(s.baseURL) + s.cfg.ChatEndpoint
	conn, resp, err := websocket.Dial(hctx, endpoint, opts)
	if err != nil {
		if resp != nil && isAuthStatus(resp.StatusCode) {
			return nil, roomSubscriptions{}, &AuthError{StatusCode: resp.StatusCode, Message: "chat handshake refused"}
		}
		return nil, roomSubscriptions{}, &TransientNetworkError{Op: "dial " + endpoint, Err: err}
	}

	fail := func(err error) (*websocket.Conn, roomSubscriptions, error) {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, roomSubscriptions{}, err
	}

	if err := writeFrame(hctx, conn, connectFrame(hostOf(s.baseURL), token)); err != nil {
		return fail(&TransientNetworkError{Op: "stomp connect", Err: err})
	}
	reply, err := readFrame(hctx, conn)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return fail(err)
		}
		return fail(&TransientNetworkError{Op: "stomp connect", Err: err})
	}
	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		return fail(stompError(reply))
	default:
		return fail(&ProtocolError{Channel: ChannelChat, Reason: "expected CONNECTED, got " + reply.Command})
	}

	subs := roomSubscriptions{chat: "sub-" + uuid.NewString(), system: "sub-" + uuid.NewString()}
	if err := s.subscribe(hctx, conn, roomID, subs); err != nil {
		return fail(err)
	}
	return conn, subs, nil
}

func (s *ChatSession) subscribe(ctx context.Context, conn *websocket.Conn, roomID string, subs roomSubscriptions) error {
	if err := writeFrame(ctx, conn, subscribeFrame(subs.chat, chatTopic(roomID))); err != nil {
		return &TransientNetworkError{Op: "subscribe chat", Err: err}
	}
	if err := writeFrame(ctx, conn, subscribeFrame(subs.system, systemTopic(roomID))); err != nil {
		return &TransientNetworkError{Op: "subscribe system", Err: err}
	}
	return nil
}

func (s *ChatSession) unsubscribe(ctx context.Context, conn *websocket.Conn, subs roomSubscriptions) error {
	var errs []error
	for _, id := range []string{subs.chat, subs.system} {
		if id == "" {
			continue
		}
		if err := writeFrame(ctx, conn, unsubscribeFrame(id)); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// resubscribe swaps the subscriptions of a connected session, possibly to a
// different room, over the existing socket. The fresh ids are active before
// any SUBSCRIBE is written, so the first broker frame on them is kept while
// frames still in flight for the old ids are ignored. A failed SUBSCRIBE
// tears the connection down.
func (s *ChatSession) resubscribe(ctx context.Context, roomID string, user ChatUser) error {
	s.mu.Lock()
	conn, old, gen := s.conn, s.subs, s.gen
	fresh := roomSubscriptions{chat: "sub-" + uuid.NewString(), system: "sub-" + uuid.NewString()}
	if s.roomID != roomID {
		s.ledger = NewDeliveryLedger(s.cfg.LedgerWindow)
		s.transcript = NewChatTranscript()
	}
	s.roomID = roomID
	s.user = user
	s.subs = fresh
	s.mu.Unlock()

	if err := s.unsubscribe(ctx, conn, old); err != nil {
		s.log.Debug().Err(err).Msg("unsubscribe before resubscribe failed")
	}
	if err := s.subscribe(ctx, conn, roomID, fresh); err != nil {
		if !s.teardown(gen, conn, err) {
			return ErrClosed
		}
		return err
	}
	s.log.Debug().Str("room", roomID).Msg("chat subscriptions renewed")
	return nil
}

func (s *ChatSession) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.lost(gen, conn, err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			s.drop(&ProtocolError{Channel: ChannelChat, Reason: "decode frame", Err: err})
			continue
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.MESSAGE:
			if !s.deliver(gen, f) {
				return
			}
		case frame.ERROR:
			s.log.Warn().Err(stompError(f)).Msg("broker reported an error")
		}
	}
}

// lost handles a read failure outside of Leave.
func (s *ChatSession) lost(gen uint64, conn *websocket.Conn, err error) {
	s.teardown(gen, conn, &TransientNetworkError{Op: "read", Err: err})
}

// teardown drops a broken connection and moves to disconnected with cause.
// It reports false when gen is no longer current.
func (s *ChatSession) teardown(gen uint64, conn *websocket.Conn, cause error) bool {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.conn = nil
	s.subs = roomSubscriptions{}
	if s.stopRead != nil {
		s.stopRead()
		s.stopRead = nil
	}
	ch := s.setStateLocked(StateDisconnected, cause)
	s.mu.Unlock()

	conn.CloseNow()
	s.log.Warn().Err(cause).Msg("chat connection lost")
	s.dispatcher.emitState(ch)
	return true
}

func (s *ChatSession) drop(err error) {
	s.metrics.malformed(ChannelChat)
	s.log.Warn().Err(err).Msg("dropping chat frame")
	s.dispatcher.emitDropped(err)
}

// deliver routes one MESSAGE frame. It returns false when gen is stale.
func (s *ChatSession) deliver(gen uint64, f *frame.Frame) bool {
	sub := f.Header.Get(frame.Subscription)
	dest := f.Header.Get(frame.Destination)

	var p ChatPayload
	perr := json.Unmarshal(f.Body, &p)
	if perr == nil {
		perr = validateStruct(&p)
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return false
	}
	kind, ok := s.classifyLocked(sub, dest, p)
	if !ok {
		s.mu.Unlock()
		s.log.Debug().Str("subscription", sub).Str("destination", dest).Msg("ignoring frame for inactive subscription")
		return true
	}
	if perr != nil {
		s.mu.Unlock()
		s.drop(&ProtocolError{Channel: ChannelChat, Reason: "invalid message on " + dest, Err: perr})
		return true
	}
	id := p.ID.String()
	if id == "" {
		id = f.Header.Get(frame.MessageId)
	}
	entry := ChatEntry{ID: id, Kind: kind, Payload: p, ReceivedAt: s.clock.Now()}
	accepted := s.ledger.Observe(StreamEvent{Kind: kind, ID: id, Chat: &p, ReceivedAt: entry.ReceivedAt}) &&
		s.transcript.Append(entry)
	s.mu.Unlock()

	if !accepted {
		s.metrics.duplicate(ChannelChat)
		return true
	}
	s.metrics.event(ChannelChat, kind)
	s.dispatcher.emitChat(entry)
	return true
}

func (s *ChatSession) classifyLocked(sub, dest string, p ChatPayload) (EventKind, bool) {
	switch {
	case sub != "" && sub == s.subs.chat, sub == "" && dest == chatTopic(s.roomID):
		return KindChatMessage, true
	case sub != "" && sub == s.subs.system, sub == "" && dest == systemTopic(s.roomID):
		return systemKind(p.Type), true
	}
	return "", false
}

func systemKind(t string) EventKind {
	switch strings.ToUpper(t) {
	case "LEAVE", "QUIT", "EXIT":
		return KindSystemLeave
	}
	return KindSystemJoin
}

// Publish sends message to the room. The message is not added locally; it
// shows up once the broker delivers it back on the chat topic. Failures leave
// the session connected.
func (s *ChatSession) Publish(ctx context.Context, message string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn, roomID, user := s.conn, s.roomID, s.user
	s.mu.Unlock()

	dest := publishMessage(roomID)
	if strings.TrimSpace(message) == "" {
		return &PublishError{Destination: dest, Err: errEmptyMessage}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		s.metrics.publishFailed()
		return &PublishError{Destination: dest, Err: err}
	}
	body, err := json.Marshal(chatEnvelope{WriterName: user.Name, ReceiverName: user.PeerName, Message: message})
	if err != nil {
		return &PublishError{Destination: dest, Err: err}
	}
	if err := writeFrame(ctx, conn, sendFrame(dest, body)); err != nil {
		s.metrics.publishFailed()
		s.log.Warn().Err(err).Str("room", roomID).Msg("chat publish failed")
		return &PublishError{Destination: dest, Err: err}
	}
	return nil
}

// LoadHistory backfills the transcript from the REST history endpoint and
// returns how many entries were new.
func (s *ChatSession) LoadHistory(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	roomID := s.roomID
	s.mu.Unlock()
	if roomID == "" {
		return 0, ErrNotConnected
	}
	if s.api == nil {
		return 0, nil
	}

	msgs, err := s.api.Messages(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("load history for room %s: %w", roomID, err)
	}
	now := s.clock.Now()
	entries := make([]ChatEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, ChatEntry{ID: m.ID.String(), Kind: KindChatMessage, Payload: m, ReceivedAt: now})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.roomID != roomID {
		return 0, nil
	}
	return s.transcript.Backfill(entries), nil
}

// Leave tells the room we are leaving and tears the session down. The leave
// envelope is fire and forget: after LeaveGrace the socket is closed whether
// or not the broker acknowledged anything, then the server is asked to clean
// up an empty room. Transport failures do not stop local teardown; they are
// returned joined. Calling Leave again is a no-op.
func (s *ChatSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	prev := s.state
	conn, stopRead := s.conn, s.stopRead
	roomID, user, subs := s.roomID, s.user, s.subs
	s.conn, s.stopRead = nil, nil
	ch := s.setStateLocked(StateLeaving, nil)
	s.mu.Unlock()
	s.dispatcher.emitState(ch)

	var errs []error
	if conn != nil && prev == StateConnected {
		body, _ := json.Marshal(leaveEnvelope{WriterName: user.Name, ReceiverName: user.PeerName})
		if err := writeFrame(ctx, conn, sendFrame(publishLeave(roomID), body)); err != nil {
			errs = append(errs, fmt.Errorf("send leave: %w", err))
		}
		if err := s.unsubscribe(ctx, conn, subs); err != nil {
			errs = append(errs, err)
		}
		if err := writeFrame(ctx, conn, frame.New(frame.DISCONNECT, frame.Receipt, "leave-"+uuid.NewString())); err != nil {
			errs = append(errs, fmt.Errorf("send disconnect: %w", err))
		}
		s.sleep(ctx, s.cfg.LeaveGrace)
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "leave")
	}
	if stopRead != nil {
		stopRead()
	}

	if roomID != "" && s.api != nil {
		if err := s.api.AutoDelete(ctx, roomID); err != nil {
			s.log.Debug().Err(err).Str("room", roomID).Msg("room cleanup request failed")
			errs = append(errs, fmt.Errorf("auto delete room %s: %w", roomID, err))
		}
	}

	s.mu.Lock()
	ch = s.setStateLocked(StateClosed, nil)
	s.mu.Unlock()
	s.dispatcher.emitState(ch)
	s.log.Debug().Str("room", roomID).Msg("left chat room")
	return errors.Join(errs...)
}

func (s *ChatSession) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.Chan():
	}
}

func hostOf(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}
