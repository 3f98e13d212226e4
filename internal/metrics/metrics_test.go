package metrics_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"astoria/internal/metrics"
)

func TestManagerOnlineGauge(t *testing.T) {
	metrics.SetManagerOnline("astdiskd-test", true)
	if !metrics.ManagerOnlineValue("astdiskd-test") {
		t.Fatal("expected gauge to read online")
	}
	metrics.SetManagerOnline("astdiskd-test", false)
	if metrics.ManagerOnlineValue("astdiskd-test") {
		t.Fatal("expected gauge to read offline")
	}
}

func TestCountersIncrement(t *testing.T) {
	before := metrics.UsercodeRunCount("code_finished")
	metrics.ObserveUsercodeRun("code_finished")
	if got := metrics.UsercodeRunCount("code_finished"); got != before+1 {
		t.Fatalf("run count = %v, want %v", got, before+1)
	}
	before = metrics.DiskEventCount("insert", "USERCODE")
	metrics.ObserveDiskEvent("insert", "USERCODE")
	if got := metrics.DiskEventCount("insert", "USERCODE"); got != before+1 {
		t.Fatalf("disk events = %v, want %v", got, before+1)
	}
}

func TestServerRoutes(t *testing.T) {
	server := metrics.NewServer(":0", func() any {
		return map[string]string{"name": "astmetad"}
	}, nil)
	handler := server.Handler()
	metrics.ObserveRequest("astmetad", "mutate", "success")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "astoria_rpc_requests_total") {
		t.Fatalf("unexpected /metrics response %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /state: %v", err)
	}
	if body["name"] != "astmetad" {
		t.Fatalf("unexpected /state body %v", body)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz status %d", rec.Code)
	}
}

func TestServerDisabledWithoutBind(t *testing.T) {
	if err := metrics.NewServer("", nil, nil).Run(t.Context()); err != nil {
		t.Fatalf("disabled server returned %v", err)
	}
}
