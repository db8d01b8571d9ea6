package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

func newBrokerStub(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestSubmitSuccess(t *testing.T) {
	c := newBrokerStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req protocol.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad body: %v", err)
		}
		if req.Language != protocol.LanguageJS {
			t.Errorf("language = %q", req.Language)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.SubmitResponse{
			TaskID:  "task_1",
			Status:  protocol.StatusSuccess,
			Payload: json.RawMessage("42"),
		})
	})

	payload, err := c.RunJS(context.Background(), "return 6 * 7", nil)
	if err != nil {
		t.Fatalf("RunJS() error = %v", err)
	}
	if string(payload) != "42" {
		t.Errorf("payload = %s, want 42", payload)
	}
}

func TestSubmitFaultIsTypedError(t *testing.T) {
	c := newBrokerStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.SubmitResponse{
			TaskID: "task_2",
			Status: protocol.StatusError,
			Fault:  protocol.ModuleDisallowed("ctypes"),
		})
	})

	out, err := c.Submit(context.Background(), protocol.SubmitRequest{
		Language: protocol.LanguagePython,
		Code:     "import ctypes",
	})

	var fault *protocol.Fault
	if !errors.As(err, &fault) || fault.Code != protocol.FaultModuleDisallowed {
		t.Fatalf("error = %v, want ModuleDisallowed", err)
	}
	if out == nil || out.TaskID != "task_2" {
		t.Errorf("response not returned alongside fault: %+v", out)
	}
}

func TestSubmitNoRunnerAvailable(t *testing.T) {
	c := newBrokerStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(protocol.SubmitResponse{
			Status: protocol.StatusError,
			Fault:  protocol.NewFault(protocol.FaultNoRunnerAvailable, "no runner registered for python"),
		})
	})

	_, err := c.Submit(context.Background(), protocol.SubmitRequest{
		Language: protocol.LanguagePython,
		Code:     "return 1",
	})

	var fault *protocol.Fault
	if !errors.As(err, &fault) || fault.Code != protocol.FaultNoRunnerAvailable {
		t.Fatalf("error = %v, want NoRunnerAvailable", err)
	}
}

func TestHealth(t *testing.T) {
	c := newBrokerStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "healthy", "runners": 3})
	})

	n, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if n != 3 {
		t.Errorf("runners = %d, want 3", n)
	}
}
