package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"socialmesh/pkg/models"
	"socialmesh/pkg/protocol"
)

// Upstream clients use net/http rather than the federation client so a
// dropped gateway request cancels its in-flight fan-out immediately.

type HubClient struct {
	httpc *http.Client
}

func NewHubClient(timeout time.Duration) *HubClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HubClient{httpc: &http.Client{Timeout: timeout}}
}

// BatchPage is one page of a hub's merged multi-account listing.
type BatchPage struct {
	Messages []models.Message `json:"messages"`
	Cursor   string           `json:"cursor,omitempty"`
}

func (c *HubClient) FetchBatch(ctx context.Context, endpoint string, accounts []string, limit int, cursor string) (*BatchPage, error) {
	q := url.Values{}
	q.Set("accounts", strings.Join(accounts, ","))
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page BatchPage
	if err := c.getJSON(ctx, endpoint+"/api/v1/messages/batch?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *HubClient) GetMessage(ctx context.Context, endpoint, hash string) (*models.Message, error) {
	var m models.Message
	if err := c.getJSON(ctx, endpoint+"/api/v1/messages/"+hash, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Submit posts a message to a hub and returns the hub's verdict.
func (c *HubClient) Submit(ctx context.Context, endpoint string, m *models.Message) (*models.MessageResult, error) {
	var res models.MessageResult
	if err := c.postJSON(ctx, endpoint+"/api/v1/messages", m, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HubClient) Search(ctx context.Context, endpoint, query string, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.getJSON(ctx, endpoint+"/api/v1/messages/search?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

type PDSClient struct {
	httpc *http.Client
}

func NewPDSClient(timeout time.Duration) *PDSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PDSClient{httpc: &http.Client{Timeout: timeout}}
}

// ProfileResponse is a PDS profile lookup; MigratedTo is set when the
// account has moved and points at the new owning server.
type ProfileResponse struct {
	models.Profile
	MigratedTo string `json:"migratedTo,omitempty"`
}

func (c *PDSClient) GetProfile(ctx context.Context, endpoint, repo string) (*ProfileResponse, error) {
	var out ProfileResponse
	err := c.getJSON(ctx, endpoint+"/xrpc/com.atproto.repo.getProfile?repo="+url.QueryEscape(repo), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PDSClient) GetFollows(ctx context.Context, endpoint, repo string) ([]string, error) {
	var out struct {
		Follows []string `json:"follows"`
	}
	err := c.getJSON(ctx, endpoint+"/xrpc/com.atproto.graph.getFollows?repo="+url.QueryEscape(repo), &out)
	if err != nil {
		return nil, err
	}
	return out.Follows, nil
}

func (c *PDSClient) CreateRecord(ctx context.Context, endpoint, repo, collection string, value any) (*models.Record, error) {
	body := map[string]any{"repo": repo, "collection": collection, "record": value}
	var rec models.Record
	if err := c.postJSON(ctx, endpoint+"/xrpc/com.atproto.repo.createRecord", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *PDSClient) DeleteFollow(ctx context.Context, endpoint, repo, subject string) error {
	body := map[string]any{"repo": repo, "subject": subject}
	return c.postJSON(ctx, endpoint+"/xrpc/com.atproto.graph.deleteFollow", body, nil)
}

func (c *PDSClient) SearchActors(ctx context.Context, endpoint, query string, limit int) ([]models.Profile, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Actors []models.Profile `json:"actors"`
	}
	err := c.getJSON(ctx, endpoint+"/xrpc/com.atproto.actor.searchActors?"+q.Encode(), &out)
	if err != nil {
		return nil, err
	}
	return out.Actors, nil
}

func (c *HubClient) getJSON(ctx context.Context, uri string, out any) error {
	return doJSON(ctx, c.httpc, http.MethodGet, uri, nil, out)
}

func (c *HubClient) postJSON(ctx context.Context, uri string, in, out any) error {
	return doJSON(ctx, c.httpc, http.MethodPost, uri, in, out)
}

func (c *PDSClient) getJSON(ctx context.Context, uri string, out any) error {
	return doJSON(ctx, c.httpc, http.MethodGet, uri, nil, out)
}

func (c *PDSClient) postJSON(ctx context.Context, uri string, in, out any) error {
	return doJSON(ctx, c.httpc, http.MethodPost, uri, in, out)
}

// ErrNotFound marks a 404 from an upstream so callers can distinguish
// absence from peer trouble.
var ErrNotFound = fmt.Errorf("not found upstream")

func doJSON(ctx context.Context, httpc *http.Client, method, uri string, in, out any) error {
	var body *strings.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = strings.NewReader(string(b))
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return protocol.Errf(protocol.CodePeerTimeout, "%s: %v", uri, err)
		}
		return protocol.Errf(protocol.CodePeerUnreachable, "%s: %v", uri, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return protocol.Errf(protocol.CodePeerUnreachable, "%s returned %d", uri, resp.StatusCode)
	case resp.StatusCode >= 400:
		var pe struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&pe)
		return protocol.Errf(protocol.CodePeerMalformedResponse, "%s returned %d: %s", uri, resp.StatusCode, pe.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return protocol.Errf(protocol.CodePeerMalformedResponse, "%s: %v", uri, err)
	}
	return nil
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}
