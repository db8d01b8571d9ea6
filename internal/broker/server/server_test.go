package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scriptbroker/scriptbroker/internal/broker"
	"github.com/scriptbroker/scriptbroker/internal/config"
	"github.com/scriptbroker/scriptbroker/internal/logging"
	"github.com/scriptbroker/scriptbroker/internal/monitoring"
	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

const testToken = "test-token"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.DefaultBroker()
	cfg.Auth.Token = testToken
	cfg.RateLimit.Enabled = false

	b := broker.New(broker.Config{
		Token: testToken,
		MaxConcurrency: map[protocol.Language]int{
			protocol.LanguageJS:     2,
			protocol.LanguagePython: 2,
		},
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
	}, logging.NewNop(), monitoring.New(prometheus.NewRegistry()))

	s := New(cfg, b, logging.NewNop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		b.Close()
	})
	return ts
}

func dialRunner(t *testing.T, ts *httptest.Server, token string, lang protocol.Language) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runner"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(protocol.AuthRequest{
		Type:     protocol.MessageAuth,
		Token:    token,
		Language: lang,
		RunnerID: "run_test",
	}); err != nil {
		t.Fatalf("auth send failed: %v", err)
	}
	return conn
}

func TestSubmitRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	conn := dialRunner(t, ts, testToken, protocol.LanguageJS)

	var ack protocol.AuthAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("ack read failed: %v", err)
	}
	if ack.Type != protocol.MessageAuthAck || ack.ConnID == "" {
		t.Fatalf("bad ack: %+v", ack)
	}

	// Echo runner: serve exactly one task.
	go func() {
		var task protocol.TaskMessage
		if err := conn.ReadJSON(&task); err != nil {
			return
		}
		conn.WriteJSON(protocol.ResultMessage{
			Type:    protocol.MessageResult,
			TaskID:  task.TaskID,
			Status:  protocol.StatusSuccess,
			Payload: json.RawMessage("7"),
		})
	}()

	body, _ := json.Marshal(protocol.SubmitRequest{
		Language: protocol.LanguageJS,
		Code:     "return 3 + 4",
	})
	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out protocol.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Status != protocol.StatusSuccess {
		t.Errorf("status = %q, want success", out.Status)
	}
	if string(out.Payload) != "7" {
		t.Errorf("payload = %s, want 7", out.Payload)
	}
	if out.TaskID == "" {
		t.Error("task id missing")
	}
}

func TestSubmitNoRunnerIs503(t *testing.T) {
	ts := newTestServer(t)

	body, _ := json.Marshal(protocol.SubmitRequest{
		Language: protocol.LanguagePython,
		Code:     "return 1",
	})
	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	var out protocol.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Fault == nil || out.Fault.Code != protocol.FaultNoRunnerAvailable {
		t.Errorf("fault = %+v, want NoRunnerAvailable", out.Fault)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"unknown language", `{"language":"ruby","code":"return 1"}`},
		{"empty code", `{"language":"javascript","code":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("submit failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestRunnerAuthRejectedClosesConnection(t *testing.T) {
	ts := newTestServer(t)
	conn := dialRunner(t, ts, "wrong-token", protocol.LanguageJS)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack protocol.AuthAck
	err := conn.ReadJSON(&ack)
	if err == nil {
		t.Fatal("expected connection close, got ack")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("close error = %v, want policy violation", err)
	}
}

func TestHealthReportsRunners(t *testing.T) {
	ts := newTestServer(t)
	conn := dialRunner(t, ts, testToken, protocol.LanguagePython)
	var ack protocol.AuthAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("ack read failed: %v", err)
	}

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Runners int    `json:"runners"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Status != "healthy" || body.Runners != 1 {
		t.Errorf("health = %+v, want healthy with 1 runner", body)
	}
}
