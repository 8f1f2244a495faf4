package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voiceloop/voiceloop/internal/conversation"
	"github.com/voiceloop/voiceloop/internal/history"
	"github.com/voiceloop/voiceloop/internal/shared"
	"github.com/voiceloop/voiceloop/internal/transport"
	"github.com/voiceloop/voiceloop/internal/usage"
)

type fakePipeline struct {
	state     conversation.State
	events    *conversation.Broadcaster
	startErr  error
	sendErr   error
	lastText  string
	stops     int
	reconnect int
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{state: conversation.StateIdle, events: conversation.NewBroadcaster()}
}

func (p *fakePipeline) StartUserInput() error {
	if p.startErr != nil {
		return p.startErr
	}
	p.state = conversation.StateListening
	return nil
}

func (p *fakePipeline) StopUserInput() {
	p.stops++
	p.state = conversation.StateIdle
}

func (p *fakePipeline) SendTextMessage(text string) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.lastText = text
	p.state = conversation.StateProcessing
	return nil
}

func (p *fakePipeline) Reconnect() error { p.reconnect++; return nil }

func (p *fakePipeline) State() conversation.State { return p.state }

func (p *fakePipeline) SessionID() string { return "sess_test" }

func (p *fakePipeline) Events() *conversation.Broadcaster { return p.events }

type fakeConnection struct {
	state transport.ConnectionState
}

func (f *fakeConnection) State() transport.ConnectionState { return f.state }

func setupHandler(t *testing.T) (*Handler, *fakePipeline) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	historyStore := history.NewStore(db)
	if err := historyStore.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	usageStore := usage.NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	pipeline := newFakePipeline()
	h := NewHandler(pipeline, &fakeConnection{state: transport.StateConnected}, historyStore, usageStore, nil)
	return h, pipeline
}

func doRequest(h echo.HandlerFunc, method, target, body string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	err := h(e.NewContext(req, rec))
	return rec, err
}

func TestHandler_StartInput(t *testing.T) {
	h, pipeline := setupHandler(t)

	rec, err := doRequest(h.StartInput, http.MethodPost, "/input/start", "")
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.State != conversation.StateListening {
		t.Errorf("expected listening, got %s", resp.State)
	}
	if resp.SessionID != "sess_test" {
		t.Errorf("unexpected session id %q", resp.SessionID)
	}
	_ = pipeline
}

func TestHandler_StartInputDeviceUnavailable(t *testing.T) {
	h, pipeline := setupHandler(t)
	pipeline.startErr = shared.ErrDeviceUnavailable

	_, err := doRequest(h.StartInput, http.MethodPost, "/input/start", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", httpErr.Code)
	}
}

func TestHandler_StopInput(t *testing.T) {
	h, pipeline := setupHandler(t)

	rec, err := doRequest(h.StopInput, http.MethodPost, "/input/stop", "")
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if pipeline.stops != 1 {
		t.Errorf("expected one stop, got %d", pipeline.stops)
	}
}

func TestHandler_SendText(t *testing.T) {
	h, pipeline := setupHandler(t)

	rec, err := doRequest(h.SendText, http.MethodPost, "/text", `{"text":"hello"}`)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if pipeline.lastText != "hello" {
		t.Errorf("expected text forwarded, got %q", pipeline.lastText)
	}
}

func TestHandler_SendTextValidation(t *testing.T) {
	h, _ := setupHandler(t)

	_, err := doRequest(h.SendText, http.MethodPost, "/text", `{"text":""}`)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", httpErr.Code)
	}
}

func TestHandler_SendTextNotConnected(t *testing.T) {
	h, pipeline := setupHandler(t)
	pipeline.sendErr = shared.ErrNotConnected

	_, err := doRequest(h.SendText, http.MethodPost, "/text", `{"text":"hello"}`)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", httpErr.Code)
	}
}

func TestHandler_Reconnect(t *testing.T) {
	h, pipeline := setupHandler(t)

	rec, err := doRequest(h.Reconnect, http.MethodPost, "/reconnect", "")
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if pipeline.reconnect != 1 {
		t.Errorf("expected one reconnect, got %d", pipeline.reconnect)
	}
}

func TestHandler_GetState(t *testing.T) {
	h, _ := setupHandler(t)

	rec, err := doRequest(h.GetState, http.MethodGet, "/state", "")
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.State != conversation.StateIdle {
		t.Errorf("expected idle, got %s", resp.State)
	}
	if resp.Connection != transport.StateConnected {
		t.Errorf("expected connected, got %s", resp.Connection)
	}
}

func TestHandler_StreamEvents(t *testing.T) {
	h, pipeline := setupHandler(t)

	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan error, 1)
	go func() {
		done <- h.StreamEvents(e.NewContext(req, rec))
	}()

	// wait until the handler has subscribed, then publish
	deadline := time.Now().Add(time.Second)
	for pipeline.events.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	pipeline.events.Publish(conversation.Event{Kind: conversation.EventState, State: conversation.StateListening})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on context cancel")
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"kind":"state"`) || !strings.Contains(body, "data: ") {
		t.Errorf("expected SSE event in body, got %q", body)
	}
}

func TestHandler_GetUsageEmpty(t *testing.T) {
	h, _ := setupHandler(t)

	rec, err := doRequest(h.GetUsage, http.MethodGet, "/usage?days=2", "")
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var resp struct {
		Days []usage.Daily `json:"days"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(resp.Days) != 2 {
		t.Errorf("expected 2 buckets, got %d", len(resp.Days))
	}
}

func TestHandler_GetHistoryEmpty(t *testing.T) {
	h, _ := setupHandler(t)

	rec, err := doRequest(h.GetHistory, http.MethodGet, "/history", "")
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
