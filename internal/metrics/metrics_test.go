package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tg_wager_bot/internal/domain"
)

func TestJournalPostedCountsCreditedPoints(t *testing.T) {
	m := New()

	m.JournalPosted(domain.Journal{
		Type: domain.JournalPayout,
		Postings: []domain.Posting{
			domain.NewPosting(domain.EscrowAccount(-1, "wager:w1"), -30),
			domain.NewPosting(domain.UserAccount(-1, 1), 20),
			domain.NewPosting(domain.UserAccount(-1, 2), 10),
		},
	})

	if got := testutil.ToFloat64(m.journals.WithLabelValues("payout")); got != 1 {
		t.Fatalf("expected 1 payout journal, got %v", got)
	}
	if got := testutil.ToFloat64(m.pointsMoved.WithLabelValues("payout")); got != 30 {
		t.Fatalf("expected 30 points moved, got %v", got)
	}
}

func TestTicksAndSends(t *testing.T) {
	m := New()

	m.TickObserved(time.Millisecond, nil)
	m.TickObserved(time.Millisecond, errors.New("boom"))
	m.TickSkipped()
	m.MessageSent(nil)
	m.TransitionApplied(domain.Transition{Kind: domain.RefWager, To: domain.WagerLocked})
	m.SetOpen(domain.RefDispute, 4)

	if got := testutil.ToFloat64(m.ticks.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed tick, got %v", got)
	}
	if got := testutil.ToFloat64(m.ticks.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("expected 1 skipped tick, got %v", got)
	}
	if got := testutil.ToFloat64(m.sends.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 sent message, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("wager", "locked")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.open.WithLabelValues("dispute")); got != 4 {
		t.Fatalf("expected gauge 4, got %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.MessageSent(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wager_bot_telegram_messages_total") {
		t.Fatalf("expected bot collectors in output")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.JournalPosted(domain.Journal{})
	m.TransitionApplied(domain.Transition{})
	m.TickObserved(time.Second, nil)
	m.TickSkipped()
	m.MessageSent(nil)
	m.SetOpen("wager", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics, got %d", rec.Code)
	}
}
