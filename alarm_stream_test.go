package healthschool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer serves the alarm subscribe endpoint. Each connection is handed
// to handle together with its 1-based dial number.
type sseServer struct {
	*httptest.Server

	dials atomic.Int32

	mu          sync.Mutex
	lastEventID []string
	auth        []string
}

func newSSEServer(t *testing.T, handle func(n int, w http.ResponseWriter, r *http.Request)) *sseServer {
	t.Helper()
	s := &sseServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != alarmSubscribePath {
			http.NotFound(w, r)
			return
		}
		n := int(s.dials.Add(1))
		s.mu.Lock()
		s.lastEventID = append(s.lastEventID, r.Header.Get("Last-Event-ID"))
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		handle(n, w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sseServer) eventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastEventID...)
}

func (s *sseServer) authHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

func writeEvents(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, f := range frames {
		fmt.Fprint(w, f)
	}
	w.(http.Flusher).Flush()
}

func alarmFrame(id string) string {
	return fmt.Sprintf("id: %s\nevent: ALARM\ndata: {\"id\":%s,\"title\":\"t%s\",\"message\":\"m%s\"}\n\n", id, id, id, id)
}

func holdOpen(r *http.Request) { <-r.Context().Done() }

func testConfig() RealtimeConfig {
	return RealtimeConfig{
		Token:              "tok",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HeartbeatTimeout:   -1,
	}
}

func timelineIDs(tl *NotificationTimeline) []string { return ids(tl.Snapshot()) }

func TestAlarmStreamResumesWithoutDuplicates(t *testing.T) {
	srv := newSSEServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		switch n {
		case 1:
			writeEvents(w, ": welcome\n\n", alarmFrame("5"))
		default:
			writeEvents(w, alarmFrame("5"), alarmFrame("6"))
			holdOpen(r)
		}
	})

	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := testConfig()
	cfg.Metrics = metrics
	s := NewAlarmStream(srv.URL, nil, cfg)
	defer s.Stop()

	var mu sync.Mutex
	var delivered []string
	s.OnAlarm(func(n NotificationItem) {
		mu.Lock()
		delivered = append(delivered, n.ID)
		mu.Unlock()
	})

	require.NoError(t, s.Start(context.Background(), ""))
	require.Eventually(t, func() bool { return s.Timeline().Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"5", "6"}, timelineIDs(s.Timeline()))
	assert.Equal(t, []string{"", "5"}, srv.eventIDs(), "reconnect resumes from the last id")
	assert.Equal(t, "Bearer tok", srv.authHeaders()[0])
	assert.Equal(t, 2, s.Timeline().UnreadCount())
	assert.Equal(t, StateConnected, s.State())

	mu.Lock()
	assert.Equal(t, []string{"5", "6"}, delivered)
	mu.Unlock()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DuplicatesDropped.WithLabelValues(ChannelAlarm)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EventsReceived.WithLabelValues(ChannelAlarm, string(KindAlarm))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionState.WithLabelValues(ChannelAlarm, string(StateConnected))))

	cur, ok := s.Cursor()
	require.True(t, ok)
	assert.Equal(t, "6", cur)
}

func TestAlarmStreamExhaustsRetries(t *testing.T) {
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	clock := clockwork.NewFakeClock()
	cfg := RealtimeConfig{Clock: clock, HeartbeatTimeout: -1}
	s := NewAlarmStream(srv.URL, nil, cfg)

	var mu sync.Mutex
	var delays []time.Duration
	s.OnReconnecting(func(_ int, d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	})

	require.NoError(t, s.Start(context.Background(), "tok"))
	for i := 0; i < DefaultMaxReconnectAttempts; i++ {
		clock.BlockUntil(1)
		clock.Advance(DefaultReconnectMaxDelay)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}

	assert.Equal(t, StateExhaustedRetries, s.State())
	assert.ErrorIs(t, s.Err(), ErrExhaustedRetries)
	var netErr *TransientNetworkError
	assert.ErrorAs(t, s.Err(), &netErr)
	assert.EqualValues(t, DefaultMaxReconnectAttempts+1, srv.dials.Load())

	mu.Lock()
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)
	mu.Unlock()

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, DefaultMaxReconnectAttempts+1, srv.dials.Load(), "no dial after giving up")
}

func TestAlarmStreamRestartAfterExhaustion(t *testing.T) {
	var healthy atomic.Bool
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		writeEvents(w, alarmFrame("1"))
		holdOpen(r)
	})

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	s := NewAlarmStream(srv.URL, nil, cfg)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background(), ""))
	require.Eventually(t, func() bool { return s.State() == StateExhaustedRetries }, 2*time.Second, 5*time.Millisecond)
	<-s.Done()

	healthy.Store(true)
	require.NoError(t, s.Start(context.Background(), ""))
	require.Eventually(t, func() bool { return s.Timeline().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, s.State())
	assert.NoError(t, s.Err())
}

func TestAlarmStreamStopCancelsPendingRetry(t *testing.T) {
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	clock := clockwork.NewFakeClock()
	s := NewAlarmStream(srv.URL, nil, RealtimeConfig{Clock: clock, HeartbeatTimeout: -1})

	var mu sync.Mutex
	var states []ConnectionState
	s.OnStateChange(func(ch StateChange) {
		mu.Lock()
		states = append(states, ch.To)
		mu.Unlock()
	})

	require.NoError(t, s.Start(context.Background(), ""))
	clock.BlockUntil(1)
	s.Stop()
	s.Stop()
	clock.Advance(time.Hour)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit")
	}
	assert.EqualValues(t, 1, srv.dials.Load())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, s.Timeline().Len())
	assert.ErrorIs(t, s.Start(context.Background(), ""), ErrClosed)

	mu.Lock()
	assert.Equal(t, []ConnectionState{StateConnecting, StateReconnecting, StateClosed}, states)
	mu.Unlock()
}

func TestAlarmStreamUnauthorized(t *testing.T) {
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired session", http.StatusUnauthorized)
	})

	s := NewAlarmStream(srv.URL, nil, testConfig())
	defer s.Stop()

	require.NoError(t, s.Start(context.Background(), ""))
	<-s.Done()

	assert.Equal(t, StateUnauthorized, s.State())
	assert.True(t, IsAuthError(s.Err()))
	var authErr *AuthError
	require.ErrorAs(t, s.Err(), &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.EqualValues(t, 1, srv.dials.Load(), "auth failures are not retried")
}

func TestAlarmStreamDropsMalformedFrames(t *testing.T) {
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			"id: 1\nevent: ALARM\ndata: {broken\n\n",
			"id: 2\nevent: ALARM\ndata: {\"title\":\"missing id\"}\n\n",
			"event: DUMMY\ndata: EventStream Created\n\n",
			"event: PROMO\ndata: {}\n\n",
			alarmFrame("3"),
		)
		holdOpen(r)
	})

	metrics := NewMetrics(nil)
	cfg := testConfig()
	cfg.Metrics = metrics
	s := NewAlarmStream(srv.URL, nil, cfg)
	defer s.Stop()

	var dropped atomic.Int32
	s.OnDropped(func(err error) {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			dropped.Add(1)
		}
	})

	require.NoError(t, s.Start(context.Background(), ""))
	require.Eventually(t, func() bool { return s.Timeline().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 2, dropped.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.MalformedFrames.WithLabelValues(ChannelAlarm)))
	assert.Equal(t, StateConnected, s.State(), "bad frames do not tear the stream down")
	assert.EqualValues(t, 1, srv.dials.Load())

	cur, _ := s.Cursor()
	assert.Equal(t, "3", cur)
}

func TestAlarmStreamSurvivesOversizedEvent(t *testing.T) {
	huge := "id: 1\nevent: ALARM\ndata: {\"id\":1,\"message\":\"" + strings.Repeat("x", maxSSELine) + "\"}\n\n"
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		writeEvents(w, huge, alarmFrame("2"))
		holdOpen(r)
	})

	s := NewAlarmStream(srv.URL, nil, testConfig())
	defer s.Stop()

	var dropped atomic.Int32
	s.OnDropped(func(err error) {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			dropped.Add(1)
		}
	})

	require.NoError(t, s.Start(context.Background(), ""))
	require.Eventually(t, func() bool { return s.Timeline().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"2"}, timelineIDs(s.Timeline()))
	assert.EqualValues(t, 1, dropped.Load())
	assert.Equal(t, StateConnected, s.State())
	assert.EqualValues(t, 1, srv.dials.Load(), "connection kept")
}

func TestAlarmStreamRetryHintFloorsBackoff(t *testing.T) {
	srv := newSSEServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			writeEvents(w, "retry: 5000\n\n")
			return
		}
		writeEvents(w, alarmFrame("1"))
		holdOpen(r)
	})

	clock := clockwork.NewFakeClock()
	s := NewAlarmStream(srv.URL, nil, RealtimeConfig{Clock: clock, HeartbeatTimeout: -1})
	defer s.Stop()

	delay := make(chan time.Duration, 1)
	s.OnReconnecting(func(_ int, d time.Duration) { delay <- d })

	require.NoError(t, s.Start(context.Background(), ""))
	select {
	case d := <-delay:
		assert.Equal(t, 5*time.Second, d)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect scheduled")
	}
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return s.Timeline().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestAlarmStreamRestartForgetsRetryHint(t *testing.T) {
	srv := newSSEServer(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			writeEvents(w, "retry: 5000\n\n")
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	clock := clockwork.NewFakeClock()
	s := NewAlarmStream(srv.URL, nil, RealtimeConfig{Clock: clock, HeartbeatTimeout: -1, MaxReconnectAttempts: 1})
	defer s.Stop()

	delays := make(chan time.Duration, 4)
	s.OnReconnecting(func(_ int, d time.Duration) { delays <- d })
	next := func() time.Duration {
		select {
		case d := <-delays:
			return d
		case <-time.After(2 * time.Second):
			t.Fatal("no reconnect scheduled")
			return 0
		}
	}

	require.NoError(t, s.Start(context.Background(), ""))
	assert.Equal(t, 5*time.Second, next())
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	<-s.Done()
	require.Equal(t, StateExhaustedRetries, s.State())

	require.NoError(t, s.Start(context.Background(), ""))
	assert.Equal(t, DefaultReconnectBaseDelay, next(), "hint from the previous run does not carry over")
}

func TestAlarmStreamWatchdogReconnectsSilentStream(t *testing.T) {
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		writeEvents(w, ": ping\n\n")
		holdOpen(r)
	})

	clock := clockwork.NewFakeClock()
	s := NewAlarmStream(srv.URL, nil, RealtimeConfig{Clock: clock, HeartbeatTimeout: 45 * time.Second})
	defer s.Stop()

	require.NoError(t, s.Start(context.Background(), ""))
	require.Eventually(t, func() bool { return s.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	clock.Advance(45 * time.Second)
	require.Eventually(t, func() bool { return s.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return srv.dials.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestAlarmStreamContextCancelDisconnects(t *testing.T) {
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		writeEvents(w, alarmFrame("1"))
		holdOpen(r)
	})

	s := NewAlarmStream(srv.URL, nil, testConfig())
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, ""))
	require.Eventually(t, func() bool { return s.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Start(ctx, ""), "start while running is a no-op")

	cancel()
	<-s.Done()
	assert.Equal(t, StateDisconnected, s.State())
	assert.EqualValues(t, 1, srv.dials.Load())
}

// ============================================================================
// Commands
// ============================================================================

type fakeAlarmAPI struct {
	mu      sync.Mutex
	err     error
	reads   []string
	deletes []string
}

func (f *fakeAlarmAPI) Read(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id)
	return f.err
}

func (f *fakeAlarmAPI) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return f.err
}

func seededStream(api AlarmAPI, ids ...string) *AlarmStream {
	s := NewAlarmStream("http://127.0.0.1:0", api, testConfig())
	for _, id := range ids {
		s.timeline.Insert(item(id))
	}
	return s
}

func TestAlarmStreamMarkRead(t *testing.T) {
	api := &fakeAlarmAPI{}
	s := seededStream(api, "1", "2")
	ctx := context.Background()

	require.NoError(t, s.MarkRead(ctx, "1"))
	got, _ := s.Timeline().Get("1")
	assert.True(t, got.Read)
	assert.False(t, got.Pending)
	assert.Equal(t, 1, s.Timeline().UnreadCount())

	require.NoError(t, s.MarkRead(ctx, "1"))
	assert.Equal(t, []string{"1"}, api.reads, "already read needs no round trip")

	assert.ErrorIs(t, s.MarkRead(ctx, "404"), ErrUnknownNotification)
}

func TestAlarmStreamMarkReadRollsBack(t *testing.T) {
	api := &fakeAlarmAPI{err: &APIError{StatusCode: 500, Message: "boom"}}
	s := seededStream(api, "1")

	err := s.MarkRead(context.Background(), "1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)

	got, _ := s.Timeline().Get("1")
	assert.False(t, got.Read)
	assert.False(t, got.Pending)
	assert.Equal(t, 1, s.Timeline().UnreadCount())
}

// gatedAlarmAPI hands each Read to the test, which decides its result.
type gatedAlarmAPI struct{ calls chan chan error }

func (g *gatedAlarmAPI) Read(context.Context, string) error {
	reply := make(chan error)
	g.calls <- reply
	return <-reply
}

func (g *gatedAlarmAPI) Delete(context.Context, string) error { return nil }

func TestAlarmStreamOverlappingMarkReadSettlesRead(t *testing.T) {
	rejected := &APIError{StatusCode: 500, Message: "boom"}
	for _, rejectFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("reject first %v", rejectFirst), func(t *testing.T) {
			api := &gatedAlarmAPI{calls: make(chan chan error)}
			s := seededStream(api, "1")
			ctx := context.Background()

			results := make(chan error, 2)
			go func() { results <- s.MarkRead(ctx, "1") }()
			first := <-api.calls
			go func() { results <- s.MarkRead(ctx, "1") }()
			second := <-api.calls

			if rejectFirst {
				first <- rejected
				require.Error(t, <-results)
				second <- nil
				require.NoError(t, <-results)
			} else {
				second <- nil
				require.NoError(t, <-results)
				first <- rejected
				require.Error(t, <-results)
			}

			got, _ := s.Timeline().Get("1")
			assert.True(t, got.Read, "the accepted request decides")
			assert.False(t, got.Pending)
			assert.Equal(t, 0, s.Timeline().UnreadCount())
		})
	}
}

func TestAlarmStreamDelete(t *testing.T) {
	api := &fakeAlarmAPI{}
	s := seededStream(api, "1", "2", "3")
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "2"))
	assert.Equal(t, []string{"1", "3"}, timelineIDs(s.Timeline()))
	assert.Equal(t, 2, s.Timeline().UnreadCount())
	assert.ErrorIs(t, s.Delete(ctx, "2"), ErrUnknownNotification)

	api.err = &TransientNetworkError{Op: "request", Err: errors.New("reset")}
	require.Error(t, s.Delete(ctx, "3"))
	assert.Equal(t, []string{"1", "3"}, timelineIDs(s.Timeline()), "failed delete is restored")
	assert.Equal(t, 2, s.Timeline().UnreadCount())
}

func TestAlarmStreamCommandsAfterStop(t *testing.T) {
	api := &fakeAlarmAPI{}
	s := seededStream(api, "1")
	s.Stop()

	assert.ErrorIs(t, s.MarkRead(context.Background(), "1"), ErrClosed)
	assert.ErrorIs(t, s.Delete(context.Background(), "1"), ErrClosed)
	assert.Empty(t, api.reads)
	assert.Equal(t, 1, s.Timeline().UnreadCount())
}

func TestAlarmStreamNoRollbackAfterStop(t *testing.T) {
	api := &blockingAlarmAPI{release: make(chan struct{}), started: make(chan struct{})}
	s := seededStream(api, "1")

	errc := make(chan error, 1)
	go func() { errc <- s.MarkRead(context.Background(), "1") }()
	<-api.started
	s.Stop()
	close(api.release)

	require.Error(t, <-errc)
	got, _ := s.Timeline().Get("1")
	assert.True(t, got.Read, "timeline is frozen once stopped")
	assert.True(t, got.Pending)
}

type blockingAlarmAPI struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingAlarmAPI) Read(context.Context, string) error {
	close(b.started)
	<-b.release
	return errors.New("rejected")
}

func (b *blockingAlarmAPI) Delete(context.Context, string) error { return nil }

func TestRealtimeFactoryInheritsClient(t *testing.T) {
	srv := newSSEServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		writeEvents(w, alarmFrame("1"))
		holdOpen(r)
	})

	c := NewClient("client-token", WithBaseURL(srv.URL+"/"))
	assert.Equal(t, srv.URL+alarmSubscribePath, c.Realtime.AlarmsURL())
	assert.Equal(t, "ws"+srv.URL[len("http"):]+DefaultChatEndpoint, c.Realtime.ChatURL(""))

	s := c.Realtime.Alarms(&RealtimeConfig{HeartbeatTimeout: -1})
	defer s.Stop()
	require.NoError(t, s.Start(context.Background(), ""))
	require.Eventually(t, func() bool { return s.Timeline().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bearer client-token", srv.authHeaders()[0])
}
