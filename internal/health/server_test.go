package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/metrics"
)

type stubChecker struct {
	err error
}

func (s stubChecker) Ping(context.Context) error {
	return s.err
}

func serve(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, response) {
	t.Helper()

	rr := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

	var resp response
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rr, resp
}

func TestHealthReportsChecksAndUptime(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	start := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	srv := NewServer(0, logrus.NewEntry(logger),
		WithCheck("mongo", stubChecker{}),
		WithCheck("redis", CheckFunc(func(context.Context) error { return nil })),
		WithStartTime(start),
	)
	srv.now = func() time.Time { return start.Add(90 * time.Second) }

	rr, resp := serve(t, srv, "/healthz")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200, got %d", rr.Code)
	}
	if resp.Status != statusOK || resp.UptimeSeconds != 90 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Checks["mongo"] != statusOK || resp.Checks["redis"] != statusOK {
		t.Fatalf("expected both checks ok, got %v", resp.Checks)
	}
}

func TestHealthDegradedStillLive(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	srv := NewServer(0, logrus.NewEntry(logger),
		WithCheck("mongo", stubChecker{err: errors.New("mongo down")}),
		WithCheck("redis", stubChecker{}),
	)

	rr, resp := serve(t, srv, "/healthz")

	if rr.Code != http.StatusOK {
		t.Fatalf("liveness must stay 200, got %d", rr.Code)
	}
	if resp.Status != statusDegraded || resp.Checks["mongo"] != statusError || resp.Checks["redis"] != statusOK {
		t.Fatalf("unexpected response: %+v", resp)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["check"] != "mongo" {
		t.Fatalf("expected warning for the failing check, got %+v", entry)
	}
}

func TestReadyzFailsWhileDegraded(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	healthy := NewServer(0, logrus.NewEntry(logger), WithCheck("mongo", stubChecker{}))
	if rr, _ := serve(t, healthy, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200, got %d", rr.Code)
	}

	missing := NewServer(0, logrus.NewEntry(logger), WithCheck("mongo", nil))
	rr, resp := serve(t, missing, "/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTP 503, got %d", rr.Code)
	}
	if resp.Checks["mongo"] != statusError {
		t.Fatalf("expected unconfigured checker to fail, got %v", resp.Checks)
	}
}

func TestHealthWithoutChecks(t *testing.T) {
	srv := NewServer(0, nil)

	_, resp := serve(t, srv, "/healthz")
	if resp.Status != statusOK || resp.Checks != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	m := metrics.New()
	m.TransitionApplied(domain.Transition{Kind: domain.RefWager, To: domain.WagerSettled})
	srv := NewServer(0, logrus.NewEntry(logger), WithMetrics(m.Handler()))

	rr, _ := serve(t, srv, "/metrics")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `wager_bot_transitions_total{kind="wager",to="settled"} 1`) {
		t.Fatalf("expected transition counter in scrape, got:\n%s", rr.Body.String())
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	srv := NewServer(0, logrus.NewEntry(logger))

	rr, _ := serve(t, srv, "/metrics")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected HTTP 404 without metrics, got %d", rr.Code)
	}
}
