package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/tosproject/tosminer/internal/mining"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	farm := mining.NewFarm(zaptest.NewLogger(t))
	return NewServer(farm, nil, nil, "1.0-test", zaptest.NewLogger(t))
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Version != "1.0-test" {
		t.Errorf("version = %q", body.Version)
	}
	if !strings.HasSuffix(body.HashratePhr, "H/s") {
		t.Errorf("hashrate_human = %q", body.HashratePhr)
	}
}

func TestStatusAveragedHashrate(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	// Two push-tick samples land in the display average.
	s.avg.Add(3)
	s.avg.Add(6)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.HashrateAvg != 4.5 {
		t.Errorf("hashrate_avg = %f, want 4.5", body.HashrateAvg)
	}
}

func TestStatsAndDevicesEndpoints(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	for _, path := range []string{"/stats", "/devices"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s content type = %q", path, ct)
		}
		resp.Body.Close()
	}
}

func TestHealthReflectsWorkerlessFarm(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	// No workers, no pool: not healthy.
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", resp.StatusCode)
	}
}

func TestMethodDiscipline(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", resp.StatusCode)
	}
}

func TestWebsocketFeed(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	s.pushStats()

	var payload statsResponse
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Devices != nil && len(payload.Devices) != 0 {
		t.Errorf("unexpected devices in empty farm feed: %+v", payload.Devices)
	}
}
