package oauthflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/localrouter/gateway/secrets"
)

func TestStartFlowBuildsAuthURLAndSucceedsOnCallback(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse token request: %v", err)
		}
		if r.Form.Get("code_verifier") == "" {
			t.Fatalf("expected code_verifier in token request")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"abc123","token_type":"Bearer","expires_in":3600}`)
	})
	srv := startTestServer(t, mux)
	defer srv.Close()

	kc := secrets.New(secrets.NewMemoryBackend())
	mgr := NewManager(kc, nil)
	defer mgr.Close()

	port := freePort(t)
	res, err := mgr.StartFlow(context.Background(), FlowConfig{
		ClientID:     "client-a",
		ClientSecret: "secret-a",
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		RedirectPort: port,
		KeychainKey:  "upstream:srv-a",
		Timeout:      5 * time.Second,
	})
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	if res.State == "" || res.AuthURL == "" {
		t.Fatalf("expected populated StartResult, got %+v", res)
	}

	parsed, err := url.Parse(res.AuthURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if parsed.Query().Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 code_challenge_method in auth url: %s", res.AuthURL)
	}

	// Simulate the browser redirect hitting the local callback.
	cbURL := fmt.Sprintf("http://127.0.0.1:%d/callback?code=auth-code-1&state=%s", port, url.QueryEscape(res.State))
	resp, err := http.Get(cbURL)
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	var status FlowStatus
	for time.Now().Before(deadline) {
		status, err = mgr.PollStatus(res.FlowID)
		if err != nil {
			t.Fatalf("PollStatus: %v", err)
		}
		if status.State == FlowSuccess || status.State == FlowError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status.State != FlowSuccess {
		t.Fatalf("expected FlowSuccess, got %+v", status)
	}
	if status.Tokens == nil || status.Tokens.AccessToken != "abc123" {
		t.Fatalf("expected exchanged token, got %+v", status.Tokens)
	}

	stored, err := kc.Get(context.Background(), "upstream:srv-a")
	if err != nil || stored == "" {
		t.Fatalf("expected token persisted to keychain: %v", err)
	}
}

func TestUnknownStateCallbackIsRejected(t *testing.T) {
	t.Parallel()
	kc := secrets.New(secrets.NewMemoryBackend())
	mgr := NewManager(kc, nil)
	defer mgr.Close()

	port := freePort(t)
	_, err := mgr.StartFlow(context.Background(), FlowConfig{
		AuthURL:      "http://example.invalid/authorize",
		TokenURL:     "http://example.invalid/token",
		RedirectPort: port,
		Timeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/callback?code=x&state=not-a-real-state", port))
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", resp.StatusCode)
	}
}

func TestCancelFlowTransitionsToCancelled(t *testing.T) {
	t.Parallel()
	kc := secrets.New(secrets.NewMemoryBackend())
	mgr := NewManager(kc, nil)
	defer mgr.Close()

	res, err := mgr.StartFlow(context.Background(), FlowConfig{
		AuthURL:      "http://example.invalid/authorize",
		TokenURL:     "http://example.invalid/token",
		RedirectPort: freePort(t),
		Timeout:      time.Minute,
	})
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	if err := mgr.CancelFlow(res.FlowID); err != nil {
		t.Fatalf("CancelFlow: %v", err)
	}
	status, err := mgr.PollStatus(res.FlowID)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if status.State != FlowCancelled {
		t.Fatalf("expected FlowCancelled, got %v", status.State)
	}
}
