package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPOracle queries a remote registry service:
//
//	GET <base>/v1/accounts/{id}            -> {"exists":bool,"active":bool}
//	GET <base>/v1/accounts/{id}/keys/{key} -> {"authorized":bool}
type HTTPOracle struct {
	base   string
	client *http.Client
}

func NewHTTPOracle(base string) *HTTPOracle {
	return &HTTPOracle{base: base, client: &http.Client{Timeout: 5 * time.Second}}
}

func (o *HTTPOracle) ResolveAccount(ctx context.Context, accountID string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
		Active bool `json:"active"`
	}
	u := o.base + "/v1/accounts/" + url.PathEscape(accountID)
	if err := o.getJSON(ctx, u, &out); err != nil {
		return false, err
	}
	return out.Exists && out.Active, nil
}

func (o *HTTPOracle) IsAuthorizedSigner(ctx context.Context, accountID, signingKey string) (bool, error) {
	var out struct {
		Authorized bool `json:"authorized"`
	}
	u := o.base + "/v1/accounts/" + url.PathEscape(accountID) + "/keys/" + url.PathEscape(signingKey)
	if err := o.getJSON(ctx, u, &out); err != nil {
		return false, err
	}
	return out.Authorized, nil
}

func (o *HTTPOracle) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// absent resources read as unregistered, not as errors
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
