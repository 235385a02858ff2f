package telegram

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/pipeline"
)

type sent struct {
	method  string
	chatID  string
	text    string
	photo   []byte
	caption string
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []sent
	fail  bool
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var call sent
		switch {
		case strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"):
			var payload map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			call = sent{method: "sendMessage", chatID: payload["chat_id"], text: payload["text"]}
		case strings.HasSuffix(r.URL.Path, "/bottoken/sendPhoto"):
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			file, _, err := r.FormFile("photo")
			assert.NoError(t, err)
			photo, _ := io.ReadAll(file)
			call = sent{method: "sendPhoto", chatID: r.FormValue("chat_id"), caption: r.FormValue("caption"), photo: photo}
		default:
			http.NotFound(w, r)
			return
		}

		f.mu.Lock()
		f.calls = append(f.calls, call)
		fail := f.fail
		f.mu.Unlock()

		if fail {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}
}

func (f *fakeAPI) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.calls...)
}

func newTestNotifier(t *testing.T) (*Notifier, *fakeAPI, *pipeline.Aggregator) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	agg := pipeline.NewAggregator(4, 0)
	agg.Register("cam", pipeline.KindCamera)
	agg.Register("mic", pipeline.KindAudio)

	n, err := NewNotifier(Config{BotToken: "token", ChatID: "42", Cooldown: time.Minute, APIBase: srv.URL},
		agg, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return n, api, agg
}

func TestEventWithFrameSendsPhoto(t *testing.T) {
	n, api, agg := newTestNotifier(t)
	jpegData := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	require.NoError(t, agg.Observe(&pipeline.Frame{
		Source: "cam", Seq: 3, Width: 2, Height: 2, Pix: make([]byte, 4),
		Encoded: jpegData, Format: pipeline.FormatJPEG,
	}, pipeline.Result{State: pipeline.AnalyzerTracking}))

	n.OnEvent(pipeline.Event{ID: "e1", Source: "cam", Seq: 3, Score: 0.42, Timestamp: time.Now()})

	calls := api.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendPhoto", calls[0].method)
	assert.Equal(t, "42", calls[0].chatID)
	assert.Equal(t, jpegData, calls[0].photo)
	assert.Contains(t, calls[0].caption, "Motion on cam")
	assert.Contains(t, calls[0].caption, "42%")
}

func TestEventWithoutFrameSendsMessage(t *testing.T) {
	n, api, _ := newTestNotifier(t)
	n.OnEvent(pipeline.Event{ID: "a1", Source: "mic<1>", Score: 0.9, Timestamp: time.Now()})

	calls := api.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendMessage", calls[0].method)
	assert.Contains(t, calls[0].text, "mic&lt;1&gt;")
}

func TestCooldownPerSource(t *testing.T) {
	n, api, _ := newTestNotifier(t)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	n.OnEvent(pipeline.Event{ID: "1", Source: "mic"})
	n.OnEvent(pipeline.Event{ID: "2", Source: "mic"})
	n.OnEvent(pipeline.Event{ID: "3", Source: "cam"})
	assert.Len(t, api.sent(), 2)

	now = now.Add(time.Minute)
	n.OnEvent(pipeline.Event{ID: "4", Source: "mic"})
	assert.Len(t, api.sent(), 3)
}

func TestHealthFailureAndRecovery(t *testing.T) {
	n, api, _ := newTestNotifier(t)

	n.OnHealth(pipeline.DeviceHealth{Source: "cam", State: pipeline.StateStarting})
	n.OnHealth(pipeline.DeviceHealth{Source: "cam", State: pipeline.StateDegraded, LastError: "read timeout"})
	assert.Empty(t, api.sent())

	n.OnHealth(pipeline.DeviceHealth{Source: "cam", State: pipeline.StateFailed, LastError: "device gone"})
	n.OnHealth(pipeline.DeviceHealth{Source: "cam", State: pipeline.StateFailed, LastError: "device gone"})
	n.OnHealth(pipeline.DeviceHealth{Source: "cam", State: pipeline.StateRunning})

	calls := api.sent()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].text, "cam failed")
	assert.Contains(t, calls[0].text, "device gone")
	assert.Contains(t, calls[1].text, "cam recovered")
}

func TestAPIErrorIsReported(t *testing.T) {
	n, api, _ := newTestNotifier(t)
	api.fail = true

	err := n.sendMessage(t.Context(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	assert.NotPanics(t, func() { n.OnEvent(pipeline.Event{ID: "x", Source: "mic"}) })
}

func TestConfigValidate(t *testing.T) {
	_, err := NewNotifier(Config{ChatID: "1"}, nil, nil)
	assert.Error(t, err)
	_, err = NewNotifier(Config{BotToken: "t"}, nil, nil)
	assert.Error(t, err)
	_, err = NewNotifier(Config{BotToken: "t", ChatID: "1", Cooldown: -time.Second}, nil, nil)
	assert.Error(t, err)

	n, err := NewNotifier(Config{BotToken: "t", ChatID: "1"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultCooldown, n.cooldown)
	assert.Equal(t, defaultAPIBase, n.apiBase)
}
