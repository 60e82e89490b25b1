package webhookapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/chengis-ci/chengis/internal/pipeline"
	"github.com/chengis-ci/chengis/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "chengis.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustPushJob(t *testing.T, s *store.Store, sourceURL string, branches []string) *store.Job {
	t.Helper()
	j := &store.Job{
		OrgID:     "org-1",
		Name:      "app",
		SourceURL: sourceURL,
		Pipeline: pipeline.Pipeline{
			Name:     "app",
			Triggers: []pipeline.Trigger{{Kind: "push", Branches: branches}},
			Stages:   []pipeline.Stage{{Name: "build", Steps: []pipeline.Step{{Name: "a", Kind: pipeline.KindShell, Command: "true"}}}},
		},
	}
	if err := s.CreateJob(j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func githubPushPayload(ref string) []byte {
	b, _ := json.Marshal(map[string]any{
		"ref":   ref,
		"after": "abc123",
		"repository": map[string]any{
			"clone_url": "https://github.com/acme/app.git",
		},
	})
	return b
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGitHubWebhookTriggersMatchingJob(t *testing.T) {
	s := newTestStore(t)
	mustPushJob(t, s, "github.com/acme/app", nil)

	h := New(s, nil, Config{GitHubSecret: "topsecret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body := githubPushPayload("refs/heads/main")
	req := httptest.NewRequest("POST", "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", sign("topsecret", body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["triggered_builds"].(float64) != 1 {
		t.Fatalf("expected 1 triggered build, got %v", resp["triggered_builds"])
	}
}

func TestGitHubWebhookRejectsBadSignature(t *testing.T) {
	s := newTestStore(t)
	mustPushJob(t, s, "github.com/acme/app", nil)

	h := New(s, nil, Config{GitHubSecret: "topsecret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body := githubPushPayload("refs/heads/main")
	req := httptest.NewRequest("POST", "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "delivery-2")
	req.Header.Set("X-Hub-Signature-256", sign("wrong-secret", body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	exists, err := s.WebhookEventExists("github", "delivery-2")
	if err != nil {
		t.Fatalf("check webhook event: %v", err)
	}
	if !exists {
		t.Fatal("expected the rejected delivery to still be logged")
	}
}

func TestGitHubWebhookIsIdempotentByDeliveryID(t *testing.T) {
	s := newTestStore(t)
	mustPushJob(t, s, "github.com/acme/app", nil)

	h := New(s, nil, Config{GitHubSecret: "topsecret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body := githubPushPayload("refs/heads/main")
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-GitHub-Delivery", "delivery-dup")
		req.Header.Set("X-Hub-Signature-256", sign("topsecret", body))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	send()
	w2 := send()

	var resp map[string]any
	if err := json.Unmarshal(w2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["status"] != "duplicate" {
		t.Fatalf("expected the second delivery to be flagged as a duplicate, got %v", resp["status"])
	}
}

func TestGitHubWebhookSkipsNonMatchingBranch(t *testing.T) {
	s := newTestStore(t)
	mustPushJob(t, s, "github.com/acme/app", []string{"main"})

	h := New(s, nil, Config{GitHubSecret: "topsecret"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body := githubPushPayload("refs/heads/feature-x")
	req := httptest.NewRequest("POST", "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "delivery-3")
	req.Header.Set("X-Hub-Signature-256", sign("topsecret", body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["triggered_builds"].(float64) != 0 {
		t.Fatalf("expected 0 triggered builds for a non-matching branch, got %v", resp["triggered_builds"])
	}
}

func TestGitLabWebhookTokenMismatchRejected(t *testing.T) {
	s := newTestStore(t)
	mustPushJob(t, s, "gitlab.com/acme/app", nil)

	h := New(s, nil, Config{GitLabToken: "shared-token"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]any{
		"ref":          "refs/heads/main",
		"checkout_sha": "def456",
		"project":      map[string]any{"git_http_url": "https://gitlab.com/acme/app.git"},
	})
	req := httptest.NewRequest("POST", "/webhooks/gitlab", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", "wrong-token")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGitLabWebhookTriggersMatchingJob(t *testing.T) {
	s := newTestStore(t)
	mustPushJob(t, s, "gitlab.com/acme/app", nil)

	h := New(s, nil, Config{GitLabToken: "shared-token"}, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]any{
		"ref":          "refs/heads/main",
		"checkout_sha": "def456",
		"project":      map[string]any{"git_http_url": "https://gitlab.com/acme/app.git"},
	})
	req := httptest.NewRequest("POST", "/webhooks/gitlab", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", "shared-token")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["triggered_builds"].(float64) != 1 {
		t.Fatalf("expected 1 triggered build, got %v", resp["triggered_builds"])
	}
}
