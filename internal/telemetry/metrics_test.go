package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestResult(t *testing.T) {
	if Result(nil) != "ok" || Result(errors.New("x")) != "error" {
		t.Error("unexpected result labels")
	}
}

func TestCountersExported(t *testing.T) {
	before := testutil.ToFloat64(Transitions.WithLabelValues("task", "ok"))
	Transitions.WithLabelValues("task", "ok").Inc()
	if got := testutil.ToFloat64(Transitions.WithLabelValues("task", "ok")); got != before+1 {
		t.Errorf("transitions = %v, want %v", got, before+1)
	}

	ObserveSince(SearchDuration, time.Now())
	EntitiesIndexed.Set(3)

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, name := range []string{"waymark_transitions_total", "waymark_entities_indexed 3", "waymark_search_duration_seconds_count"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
