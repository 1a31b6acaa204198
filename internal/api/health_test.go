package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/txexec/internal/engine"
	"github.com/seantiz/txexec/internal/persistence"
)

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Delivery != engine.DeliveryLoop {
		t.Errorf("delivery = %q, want %q", body.Delivery, engine.DeliveryLoop)
	}
	if body.TasksInFlight != 0 {
		t.Errorf("tasks_in_flight = %d, want 0", body.TasksInFlight)
	}
}

func TestHealthzReportsRunningTasks(t *testing.T) {
	srv := newTestServer(t)
	release := make(chan struct{})
	running := make(chan struct{})

	x, err := srv.container.Execute("busy", engine.WorkFuncs{Do: func(context.Context, *persistence.EntityManager) error {
		close(running)
		<-release
		return nil
	}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-running

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		close(release)
		t.Fatalf("GET /healthz: %v", err)
	}
	var body healthResponse
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	close(release)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.TasksInFlight != 1 {
		t.Errorf("tasks_in_flight = %d, want 1", body.TasksInFlight)
	}
	if body.JournalPending != 1 {
		t.Errorf("journal_pending = %d, want 1", body.JournalPending)
	}
	x.WaitForTask()
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Make a request to generate metrics.
	http.Get(ts.URL + "/healthz")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	if !strings.Contains(body, "txexec_http_requests_total") {
		t.Error("metrics output missing txexec_http_requests_total")
	}
	if !strings.Contains(body, "txexec_http_request_duration_seconds") {
		t.Error("metrics output missing txexec_http_request_duration_seconds")
	}
	if !strings.Contains(body, "txexec_tasks_in_flight") {
		t.Error("metrics output missing txexec_tasks_in_flight")
	}
}
