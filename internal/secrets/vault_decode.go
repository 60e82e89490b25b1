package secrets

import (
	"encoding/json"
	"net/http"
)

type vaultKVResponse struct {
	Data map[string]string `json:"data"`
}

func decodeVaultResponse(resp *http.Response, names []string) (map[string]string, error) {
	var body vaultKVResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return body.Data, nil
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := body.Data[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}
