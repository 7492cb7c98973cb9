package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/fraglink/internal/link"
	"github.com/danmuck/fraglink/internal/simlink"
	"github.com/danmuck/fraglink/internal/testutil/testlog"
)

func openLinkPair(t *testing.T) (*link.Link, *link.Link) {
	t.Helper()
	ea, eb := simlink.Pair(simlink.Options{}, simlink.Options{})
	cfgA := link.DefaultConfig()
	cfgA.Name = "alpha"
	cfgB := link.DefaultConfig()
	cfgB.Name = "beta"

	la, err := link.Open(context.Background(), ea, cfgA)
	if err != nil {
		t.Fatalf("open alpha: %v", err)
	}
	lb, err := link.Open(context.Background(), eb, cfgB)
	if err != nil {
		t.Fatalf("open beta: %v", err)
	}
	t.Cleanup(func() {
		_ = la.Close()
		_ = lb.Close()
	})
	return la, lb
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatsReportsDeliveredMessage(t *testing.T) {
	testlog.Start(t)
	la, lb := openLinkPair(t)
	s := New("admin-test", nil)
	s.AddLink(la)
	s.AddLink(lb)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d, err := la.Writer().WriteTracked(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("delivery: %v", err)
	}

	rec := get(t, s, "/stats/alpha")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var stats link.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Name != "alpha" || stats.MessagesSent != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = get(t, s, "/stats")
	var all struct {
		Links []link.Stats `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode stats list: %v", err)
	}
	if len(all.Links) != 2 || all.Links[0].Name != "alpha" || all.Links[1].Name != "beta" {
		t.Fatalf("unexpected stats list: %+v", all.Links)
	}
}

func TestStatsUnknownLink(t *testing.T) {
	testlog.Start(t)
	s := New("admin-test", nil)
	rec := get(t, s, "/stats/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown link") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHealthReflectsClosedLink(t *testing.T) {
	testlog.Start(t)
	la, lb := openLinkPair(t)
	s := New("admin-test", []string{"http://localhost:3000"})
	s.AddLink(la)
	s.AddLink(lb)

	if rec := get(t, s, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("unexpected healthy status: %d %s", rec.Code, rec.Body.String())
	}

	_ = lb.Close()
	rec := get(t, s, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected degraded status: %d", rec.Code)
	}
	var body struct {
		Status string       `json:"status"`
		Links  []linkHealth `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "degraded" || len(body.Links) != 2 || body.Links[1].Status != "closed" {
		t.Fatalf("unexpected health: %+v", body)
	}
}

func TestPendingAndMetricsRoutes(t *testing.T) {
	testlog.Start(t)
	la, _ := openLinkPair(t)
	s := New("admin-test", nil)
	s.AddLink(la)

	rec := get(t, s, "/stats/alpha/pending")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pending"`) {
		t.Fatalf("unexpected pending response: %d %s", rec.Code, rec.Body.String())
	}

	rec = get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fraglink_") {
		t.Fatalf("metrics output missing fraglink namespace")
	}
}

func TestServeListenerShutsDownOnCancel(t *testing.T) {
	testlog.Start(t)
	s := New("admin-test", nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected serve error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
