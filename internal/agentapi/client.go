package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chengis-ci/chengis/internal/pipeline"
	"github.com/chengis-ci/chengis/internal/shared/signing"
	"github.com/chengis-ci/chengis/internal/store"
)

// BuildSpec is the payload sent to a remote agent's build endpoint: enough
// of a build and its job's pipeline for the agent to run it without
// reaching back into the master's store.
type BuildSpec struct {
	BuildID     string            `json:"build_id"`
	JobID       string            `json:"job_id"`
	BuildNumber int               `json:"build_number"`
	Pipeline    pipeline.Pipeline `json:"pipeline"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// Client pushes build/cancel requests to remote agents and pulls their
// artifacts back, the counterpart to the in-process Runner invocation
// path the dispatcher chooses between (§4's "data flow").
type Client struct {
	http   *http.Client
	signer *signing.Signer
}

// NewClient builds a Client with the given per-request timeout, a
// fixed-timeout http.Client idiom.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// WithSigner enables HMAC signing of outbound requests, for deployments
// with AuthEnabled set; a nil signer (the default) sends unsigned requests.
func (c *Client) WithSigner(signer *signing.Signer) *Client {
	c.signer = signer
	return c
}

// Dispatch sends a build to the agent at agent.URL. The agent accepts the
// request synchronously and reports status asynchronously via its own
// events published back through (not modeled in this module — §6 notes
// the returned status is an accepted/not-accepted decision only).
func (c *Client) Dispatch(ctx context.Context, agent *store.Agent, spec BuildSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("agentapi: marshal build spec: %w", err)
	}
	url := strings.TrimRight(agent.URL, "/") + "/agent/" + agent.ID + "/build"
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return fmt.Errorf("agentapi: dispatch to %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("agentapi: agent %s rejected build %s: %s", agent.ID, spec.BuildID, resp.Status)
	}
	return nil
}

// Cancel asks the agent to abort a running build.
func (c *Client) Cancel(ctx context.Context, agent *store.Agent, buildID string) error {
	url := strings.TrimRight(agent.URL, "/") + "/agent/" + agent.ID + "/cancel/" + buildID
	resp, err := c.post(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("agentapi: cancel on %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("agentapi: agent %s rejected cancel of %s: %s", agent.ID, buildID, resp.Status)
	}
	return nil
}

// FetchArtifact retrieves one named artifact's bytes from the agent that
// produced it, for pulling it into the master's own artifact store once
// the build completes.
func (c *Client) FetchArtifact(ctx context.Context, agent *store.Agent, name string) ([]byte, error) {
	url := strings.TrimRight(agent.URL, "/") + "/agent/" + agent.ID + "/artifacts/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agentapi: build artifact request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentapi: fetch artifact %s from %s: %w", name, agent.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentapi: agent %s has no artifact %q: %s", agent.ID, name, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		requestID := uuid.NewString()
		sig, err := c.signer.Sign(requestID, json.RawMessage(body))
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(requestIDHeader, requestID)
		req.Header.Set(signatureHeader, sig)
	}
	return c.http.Do(req)
}
