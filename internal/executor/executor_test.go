package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atelierhq/helix/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{"classified non-retryable", NewError(NonRetryable, errors.New("bad")), NonRetryable},
		{"classified rate-limited", NewError(RateLimited, errors.New("429")), RateLimited},
		{"wrapped classified", fmt.Errorf("run agent: %w", NewError(NonRetryable, errors.New("bad"))), NonRetryable},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"plain error", errors.New("boom"), Retryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHTTPBridgeExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/execute" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":{"title":"launch"}}`)
	}))
	defer srv.Close()

	bridge := NewHTTPBridge(srv.URL, testLogger(t))
	out, err := bridge.Execute(context.Background(), "brief", "prompt", map[string]any{"params": map[string]any{}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["title"] != "launch" {
		t.Fatalf("Execute output: %v", out)
	}
}

func TestHTTPBridgeStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   Classification
	}{
		{"rate limited", http.StatusTooManyRequests, RateLimited},
		{"server error", http.StatusBadGateway, Retryable},
		{"client error", http.StatusUnprocessableEntity, NonRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			bridge := NewHTTPBridge(srv.URL, testLogger(t))
			_, err := bridge.Execute(context.Background(), "brief", "prompt", nil)
			if err == nil {
				t.Fatalf("Execute: expected error")
			}
			if got := Classify(err); got != tc.want {
				t.Fatalf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHTTPBridgeRunnerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"model refused"}`)
	}))
	defer srv.Close()

	bridge := NewHTTPBridge(srv.URL, testLogger(t))
	_, err := bridge.Execute(context.Background(), "brief", "prompt", nil)
	if err == nil || !strings.Contains(err.Error(), "model refused") {
		t.Fatalf("Execute: err=%v", err)
	}
	if Classify(err) != NonRetryable {
		t.Fatalf("Classify = %v, want NonRetryable", Classify(err))
	}
}

func TestHTTPBridgeHonorsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context; otherwise
		// srv.Close deadlocks waiting on this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	bridge := NewHTTPBridge(srv.URL, testLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := bridge.Execute(ctx, "brief", "prompt", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute: err=%v, want DeadlineExceeded", err)
	}
}
