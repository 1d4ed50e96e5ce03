package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilupskalvis/rewind/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() models.Event {
	return models.Event{
		Type:         models.EventRollbackApply,
		Outcome:      models.OutcomeSuccess,
		Root:         "/work/project",
		CheckpointID: "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		RunID:        "run-1",
		Time:         time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Restored:     2,
		Deleted:      1,
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Emit(_ context.Context, e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestSlogSink_Emit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	NewSlogSink(logger).Emit(context.Background(), testEvent())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "rollback.apply", line["event"])
	assert.Equal(t, "run-1", line["run"])
	assert.Equal(t, float64(2), line["restored"])
}

func TestSlogSink_FailureIsWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := testEvent()
	e.Outcome = models.OutcomeFailure
	e.Error = "boom"
	NewSlogSink(logger).Emit(context.Background(), e)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "boom", line["error"])
}

func TestMulti_Emit(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, nil, b, Discard{}}.Emit(context.Background(), testEvent())

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestNewWebhookSink_NilConfig(t *testing.T) {
	assert.Nil(t, NewWebhookSink(nil, slog.Default()))
	assert.Nil(t, NewWebhookSink(&WebhookConfig{URLs: nil}, slog.Default()))
}

func TestWebhookSink_NilReceiver(t *testing.T) {
	// Should not panic
	var ws *WebhookSink
	ws.Emit(context.Background(), testEvent())
	assert.NoError(t, ws.Flush(context.Background()))
}

func TestWebhookSink_Emit(t *testing.T) {
	var mu sync.Mutex
	var received []models.Event

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event models.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ws := NewWebhookSink(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, ws)

	ws.Emit(context.Background(), testEvent())
	require.NoError(t, ws.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, models.EventRollbackApply, received[0].Type)
	assert.Equal(t, "run-1", received[0].RunID)
	assert.Equal(t, 1, received[0].Deleted)
}

func TestWebhookSink_NoRetryOn4xx(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	ws := NewWebhookSink(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	ws.Emit(context.Background(), testEvent())
	require.NoError(t, ws.Flush(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhookSink_FlushTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	ws := NewWebhookSink(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	ws.Emit(context.Background(), testEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ws.Flush(ctx), context.DeadlineExceeded)
}
