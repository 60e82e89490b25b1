package secrets

import (
	"context"
	"fmt"
	"net/http"
)

// VaultBackend resolves secrets against an external KV HTTP API. It is the
// `vault` backend named in §4.2; the wire format here is a minimal
// "read one path, get a JSON object of values" contract, kept deliberately
// small since no executable Vault server exists in this exercise's
// environment and integration with a specific vendor's API surface is
// outside this module's scope.
type VaultBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewVaultBackend constructs a vault-backed secret backend.
func NewVaultBackend(baseURL, token string, client *http.Client) *VaultBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &VaultBackend{baseURL: baseURL, token: token, client: client}
}

// Name identifies this backend for fallback logging.
func (v *VaultBackend) Name() string { return "vault" }

// Resolve fetches secrets from the configured KV endpoint. A transport
// error or a 5xx response is wrapped in ErrBackendUnavailable so the
// Resolver's fallback-to-local policy can detect it; a 4xx response
// resolves to an empty set with no error, and a body that fails to decode
// is returned as a plain error.
func (v *VaultBackend) Resolve(ctx context.Context, orgID string, scope Scope, names []string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v1/secret/"+orgID+"/"+string(scope), nil)
	if err != nil {
		return nil, &ErrBackendUnavailable{Backend: "vault", Cause: err}
	}
	if v.token != "" {
		req.Header.Set("X-Vault-Token", v.token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, &ErrBackendUnavailable{Backend: "vault", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &ErrBackendUnavailable{Backend: "vault", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return map[string]string{}, nil
	}

	return decodeVaultResponse(resp, names)
}
