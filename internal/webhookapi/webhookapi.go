// Package webhookapi implements the inbound webhook endpoints of §6:
// POST /webhooks/github and /webhooks/gitlab. Every delivery is verified,
// matched against jobs by (host-normalised source URL, branch), and
// logged to webhook_events whether accepted or rejected, giving idempotent
// de-duplication by (provider, event-id). A body that cannot be read or
// exceeds the size cap is answered 400 without being logged.
package webhookapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chengis-ci/chengis/internal/events"
	"github.com/chengis-ci/chengis/internal/pipeline"
	"github.com/chengis-ci/chengis/internal/store"
)

// maxPayloadSize caps an inbound delivery body, matching the 1MiB cap the
// Workspace Manager already applies to in-repo pipeline files.
const maxPayloadSize = 1 << 20

// Config carries the per-provider verification secrets. A zero-value
// secret disables verification for that provider, which must only be
// used in local development — Handler logs a warning once per provider
// at construction when a secret is empty.
type Config struct {
	GitHubSecret string // HMAC-SHA256 key for X-Hub-Signature-256
	GitLabToken  string // static shared token, compared to X-Gitlab-Token
}

// Handler serves the two provider-specific webhook endpoints.
type Handler struct {
	store  *store.Store
	bus    *events.Bus
	cfg    Config
	logger *zap.Logger
}

// New builds a Handler. bus may be nil to disable live event publishing.
func New(s *store.Store, bus *events.Bus, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GitHubSecret == "" {
		logger.Warn("webhookapi: no github secret configured, signature verification disabled")
	}
	if cfg.GitLabToken == "" {
		logger.Warn("webhookapi: no gitlab token configured, token verification disabled")
	}
	return &Handler{store: s, bus: bus, cfg: cfg, logger: logger}
}

// Register wires both endpoints onto mux using the stdlib Go 1.22
// method-pattern routing the rest of the control plane uses.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/github", h.handleGitHub)
	mux.HandleFunc("POST /webhooks/gitlab", h.handleGitLab)
}

type delivery struct {
	provider       string
	eventID        string
	eventType      string
	repoURL        string
	branch         string
	commitSHA      string
	signatureValid bool
}

func (h *Handler) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sigValid := h.cfg.GitHubSecret == "" || verifyGitHubSignature(h.cfg.GitHubSecret, body, r.Header.Get("X-Hub-Signature-256"))

	d := delivery{
		provider:       "github",
		eventID:        r.Header.Get("X-GitHub-Delivery"),
		eventType:      r.Header.Get("X-GitHub-Event"),
		signatureValid: sigValid,
	}
	if d.eventID == "" {
		d.eventID = fallbackEventID("github", body)
	}

	if !sigValid {
		h.reject(w, r, d, len(body), "invalid-signature")
		return
	}

	var payload struct {
		Ref        string `json:"ref"`
		After      string `json:"after"`
		Repository struct {
			CloneURL string `json:"clone_url"`
			HTMLURL  string `json:"html_url"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		h.reject(w, r, d, len(body), "malformed-payload")
		return
	}
	d.repoURL = normalizeSourceURL(firstNonEmpty(payload.Repository.CloneURL, payload.Repository.HTMLURL))
	d.branch = strings.TrimPrefix(payload.Ref, "refs/heads/")
	d.commitSHA = payload.After

	h.accept(w, r, d, len(body))
}

func (h *Handler) handleGitLab(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sigValid := h.cfg.GitLabToken == "" || hmac.Equal([]byte(r.Header.Get("X-Gitlab-Token")), []byte(h.cfg.GitLabToken))

	d := delivery{
		provider:       "gitlab",
		eventType:      r.Header.Get("X-Gitlab-Event"),
		signatureValid: sigValid,
	}

	var payload struct {
		Ref        string `json:"ref"`
		CheckoutSHA string `json:"checkout_sha"`
		Project    struct {
			GitHTTPURL string `json:"git_http_url"`
			WebURL     string `json:"web_url"`
		} `json:"project"`
	}
	_ = json.Unmarshal(body, &payload)
	d.repoURL = normalizeSourceURL(firstNonEmpty(payload.Project.GitHTTPURL, payload.Project.WebURL))
	d.branch = strings.TrimPrefix(payload.Ref, "refs/heads/")
	d.commitSHA = payload.CheckoutSHA

	// GitLab has no per-delivery id header; fall back to a content hash of
	// (repo-url, event-type, payload) as its idempotency key (§9 open
	// question (b)).
	d.eventID = fallbackEventID(d.repoURL+"|"+d.eventType, body)

	if !sigValid {
		h.reject(w, r, d, len(body), "invalid-signature")
		return
	}
	h.accept(w, r, d, len(body))
}

// reject logs a rejected delivery (bad signature or malformed payload)
// and responds 401/400 without attempting job matching.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, d delivery, payloadSize int, reason string) {
	started := time.Now()
	_, _ = h.store.RecordWebhookEvent(&store.WebhookEvent{
		Provider: d.provider, EventID: d.eventID, EventType: d.eventType,
		RepoURL: d.repoURL, Branch: d.branch, CommitSHA: d.commitSHA,
		SignatureValid: d.signatureValid, Status: reason, PayloadSize: payloadSize,
		ProcessingMS: time.Since(started).Milliseconds(),
	})
	status := http.StatusBadRequest
	if reason == "invalid-signature" {
		status = http.StatusUnauthorized
	}
	writeError(w, status, reason)
}

// accept logs the delivery, de-duplicates by (provider, event-id), matches
// jobs, and queues one build per match.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, d delivery, payloadSize int) {
	started := time.Now()

	rec := &store.WebhookEvent{
		Provider: d.provider, EventID: d.eventID, EventType: d.eventType,
		RepoURL: d.repoURL, Branch: d.branch, CommitSHA: d.commitSHA,
		SignatureValid: d.signatureValid, Status: "accepted", PayloadSize: payloadSize,
	}
	inserted, err := h.store.RecordWebhookEvent(rec)
	if err != nil {
		h.logger.Error("webhookapi: record webhook event failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "matched_jobs": 0, "triggered_builds": 0})
		return
	}

	jobs, err := h.store.ListJobsBySourceURL(d.repoURL)
	if err != nil {
		h.logger.Error("webhookapi: list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	triggered := 0
	for _, job := range jobs {
		if !matchesPushTrigger(job.Pipeline.Triggers, d.branch) {
			continue
		}
		build, err := h.store.CreateBuild(job.ID, job.OrgID, store.TriggerWebhook, map[string]string{"branch": d.branch, "commit": d.commitSHA}, nil)
		if err != nil {
			h.logger.Warn("webhookapi: create build failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		triggered++
		h.publish(build)
	}

	_ = h.store.UpdateWebhookOutcome(rec.ID, "accepted", len(jobs), triggered, time.Since(started).Milliseconds())
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "matched_jobs": len(jobs), "triggered_builds": triggered})
}

func (h *Handler) publish(build *store.Build) {
	_ = h.store.AppendEvent(&store.EventRecord{BuildID: build.ID, EventType: string(events.KindBuildQueued)})
	if h.bus != nil {
		h.bus.Publish(events.Event{Kind: events.KindBuildQueued, BuildID: build.ID, JobID: build.JobID, Timestamp: time.Now().UTC()})
	}
}

// matchesPushTrigger reports whether the pipeline declares a push trigger
// that accepts branch — an empty branch list accepts every branch, per
// §4.3's `on.push.branches` semantics.
func matchesPushTrigger(triggers []pipeline.Trigger, branch string) bool {
	for _, t := range triggers {
		if t.Kind != "push" {
			continue
		}
		if len(t.Branches) == 0 {
			return true
		}
		for _, b := range t.Branches {
			if b == branch {
				return true
			}
		}
	}
	return false
}

func verifyGitHubSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func fallbackEventID(seed string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeSourceURL(raw string) string {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), ".git")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Host + strings.TrimSuffix(u.Path, "/"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxPayloadSize {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxPayloadSize)
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
