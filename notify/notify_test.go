package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/metrics"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func testNotification(nonce byte) interfaces.Notification {
	rec := interfaces.RegistryRecord{
		ID:       interfaces.RecordID{nonce},
		Referrer: interfaces.Address{0xaa},
		Referee:  interfaces.Address{0xbb},
		Nonce:    big.NewInt(int64(nonce)),
		IssuedAt: time.Unix(1_700_000_000, 0).UTC(),
		Status:   interfaces.StatusConfirmed,
	}
	return NewNotification(interfaces.EventRecorded, rec, time.Unix(1_700_000_010, 0))
}

// collectingSink records every event it receives.
type collectingSink struct {
	mu     sync.Mutex
	events []interfaces.Notification
	block  chan struct{}
	err    error
}

func (s *collectingSink) Notify(_ context.Context, n interfaces.Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, n)
	return s.err
}

func (s *collectingSink) Name() string { return "collect" }

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestNewNotification(t *testing.T) {
	n := testNotification(1)
	assert.Len(t, n.EventID, 26)
	assert.Equal(t, interfaces.EventRecorded, n.Kind)
	assert.Equal(t, interfaces.RecordID{1}, n.RecordID)

	data, err := MarshalEvent(n)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "recorded", decoded["kind"])
	assert.Equal(t, n.RecordID.String(), decoded["id"])
	assert.Equal(t, n.Referrer.String(), decoded["referrer"])
	assert.NotContains(t, decoded, "Record")
	assert.NotContains(t, decoded, "Envelope")
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	ok := &collectingSink{}
	failing := &collectingSink{err: errors.New("sink down")}
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistryMetrics(reg, "test")

	d := NewDispatcher(testLog, []interfaces.Notifier{ok, failing}, WithMetrics(m))
	d.Start(context.Background())

	for i := byte(1); i <= 5; i++ {
		require.NoError(t, d.Notify(context.Background(), testNotification(i)))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 5, ok.count())
	assert.Equal(t, 5, failing.count())
	assert.Equal(t, 10.0, testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("collect", "ok"))+
		testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("collect", "error")))

	assert.ErrorIs(t, d.Notify(context.Background(), testNotification(6)), ErrDispatcherClosed)
	assert.NoError(t, d.Close(context.Background()))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &collectingSink{block: make(chan struct{})}
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistryMetrics(reg, "test")

	d := NewDispatcher(testLog, []interfaces.Notifier{sink}, WithQueueSize(1), WithMetrics(m))

	// No worker yet: the first event fills the queue, the rest are dropped.
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, d.Notify(context.Background(), testNotification(i)))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NotificationsDropped))

	d.Start(context.Background())
	close(sink.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestDispatcherCloseWithoutStart(t *testing.T) {
	d := NewDispatcher(testLog, nil)
	require.NoError(t, d.Notify(context.Background(), testNotification(1)))
	assert.NoError(t, d.Close(context.Background()))
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		p.records = append(p.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func TestKafkaSink(t *testing.T) {
	producer := &fakeProducer{}
	sink := NewKafkaSink(producer, "")

	n := testNotification(3)
	require.NoError(t, sink.Notify(context.Background(), n))
	require.Len(t, producer.records, 1)

	rec := producer.records[0]
	assert.Equal(t, DefaultKafkaTopic, rec.Topic)
	assert.Equal(t, n.RecordID.Bytes(), rec.Key)
	assert.Contains(t, string(rec.Value), `"kind":"recorded"`)

	producer.err = errors.New("broker unavailable")
	assert.Error(t, sink.Notify(context.Background(), n))
}

type memBackend struct {
	mock.Mock
}

func (b *memBackend) Fetch(ctx context.Context, id interfaces.ContentID, ct interfaces.ContentType) ([]byte, error) {
	args := b.Called(ctx, id, ct)
	return nil, args.Error(1)
}

func (b *memBackend) Store(ctx context.Context, data []byte, ct interfaces.ContentType) (interfaces.ContentID, error) {
	args := b.Called(ctx, data, ct)
	return interfaces.ComputeID(data), args.Error(0)
}

func (b *memBackend) Available(context.Context) bool { return true }
func (b *memBackend) Name() string                   { return "mem" }
func (b *memBackend) LocationURI() string            { return "mem://" }

func TestArchiveSink(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	sink := NewArchiveSink(backend, testLog)

	n := testNotification(4)
	n.Envelope = []byte("signed-envelope")

	backend.On("Store", ctx, n.Envelope, interfaces.EnvelopeType).Return(nil).Once()
	backend.On("Store", ctx, mock.Anything, interfaces.EventType).Return(nil).Once()
	require.NoError(t, sink.Notify(ctx, n))
	backend.AssertExpectations(t)

	// Revocation events carry no envelope.
	revoked := testNotification(5)
	backend.On("Store", ctx, mock.Anything, interfaces.EventType).Return(errors.New("disk full")).Once()
	assert.Error(t, sink.Notify(ctx, revoked))
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(testLog)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	n := testNotification(7)
	require.NoError(t, hub.Notify(context.Background(), n))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var decoded interfaces.Notification
	require.NoError(t, json.Unmarshal(msg, &decoded))
	assert.Equal(t, n.EventID, decoded.EventID)
	assert.Equal(t, n.RecordID, decoded.RecordID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubOriginCheck(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  func(srvURL string) string
		ok      bool
	}{
		{"no origin header", nil, func(string) string { return "" }, true},
		{"same origin", nil, func(u string) string { return u }, true},
		{"cross origin rejected by default", nil, func(string) string { return "https://evil.example" }, false},
		{"cross origin allowed", []string{"https://app.example.com/"}, func(string) string { return "https://APP.example.com" }, true},
		{"cross origin not listed", []string{"https://app.example.com"}, func(string) string { return "https://evil.example" }, false},
		{"scheme must match", []string{"https://app.example.com"}, func(string) string { return "http://app.example.com" }, false},
		{"wildcard", []string{"*"}, func(string) string { return "https://evil.example" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(testLog, tt.allowed...)
			srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
			defer srv.Close()
			defer hub.Close()

			header := http.Header{}
			if origin := tt.origin(srv.URL); origin != "" {
				header.Set("Origin", origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
			if !tt.ok {
				require.ErrorIs(t, err, websocket.ErrBadHandshake)
				assert.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
			conn.Close()
		})
	}
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(testLog)
	assert.NoError(t, sink.Notify(context.Background(), testNotification(1)))
	assert.Equal(t, "log", sink.Name())
}
