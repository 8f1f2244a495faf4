package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voiceloop/voiceloop/internal/conversation"
	"github.com/voiceloop/voiceloop/internal/transport"
)

type fakeConnection struct {
	state transport.ConnectionState
}

func (f *fakeConnection) State() transport.ConnectionState { return f.state }

type fakePipeline struct{}

func (fakePipeline) State() conversation.State { return conversation.StateIdle }
func (fakePipeline) SessionID() string         { return "sess_test" }

func setupHandler(t *testing.T, connState transport.ConnectionState) *Handler {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return NewHandler(db, redisClient, &fakeConnection{state: connState}, fakePipeline{}, "test")
}

func doRequest(t *testing.T, h echo.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestHandler_Liveness(t *testing.T) {
	h := setupHandler(t, transport.StateConnected)

	rec := doRequest(t, h.Liveness, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ReadinessHealthy(t *testing.T) {
	h := setupHandler(t, transport.StateConnected)

	rec := doRequest(t, h.Readiness, "/health/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", resp.Status)
	}
	if resp.Components["backend"].Status != StatusHealthy {
		t.Errorf("expected healthy backend, got %+v", resp.Components["backend"])
	}
	if resp.Pipeline.State != conversation.StateIdle {
		t.Errorf("unexpected pipeline state %s", resp.Pipeline.State)
	}
}

func TestHandler_ReadinessDegradedWhileReconnecting(t *testing.T) {
	h := setupHandler(t, transport.StateReconnecting)

	rec := doRequest(t, h.Readiness, "/health/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("reconnecting should not fail readiness, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", resp.Status)
	}
}

func TestHandler_ReadinessUnhealthyWithoutDatabase(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := NewHandler(nil, redisClient, &fakeConnection{state: transport.StateConnected}, fakePipeline{}, "test")

	rec := doRequest(t, h.Readiness, "/health/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestComputeOverallStatus(t *testing.T) {
	cases := []struct {
		name       string
		components map[string]ComponentStatus
		expect     Status
	}{
		{
			name: "all healthy",
			components: map[string]ComponentStatus{
				"database": {Status: StatusHealthy},
				"redis":    {Status: StatusHealthy},
				"backend":  {Status: StatusHealthy},
			},
			expect: StatusHealthy,
		},
		{
			name: "critical unhealthy",
			components: map[string]ComponentStatus{
				"database": {Status: StatusUnhealthy},
				"redis":    {Status: StatusHealthy},
			},
			expect: StatusUnhealthy,
		},
		{
			name: "non-critical unhealthy degrades",
			components: map[string]ComponentStatus{
				"database": {Status: StatusHealthy},
				"redis":    {Status: StatusHealthy},
				"backend":  {Status: StatusUnhealthy},
			},
			expect: StatusDegraded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := computeOverallStatus(tc.components); got != tc.expect {
				t.Errorf("expected %s, got %s", tc.expect, got)
			}
		})
	}
}
