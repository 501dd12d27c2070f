// Package fedclient is the outbound HTTP client nodes use to talk to
// their peers: hub-to-hub sync pulls and pushes, and PDS-to-PDS
// replication. All calls are deadline-bounded; failures map onto the
// protocol error codes so callers can tell transient peer trouble from
// malformed responses.
package fedclient

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"socialmesh/pkg/models"
	"socialmesh/pkg/protocol"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	http    *fasthttp.Client
	timeout time.Duration
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http: &fasthttp.Client{
			MaxIdleConnDuration: time.Minute,
			ReadBufferSize:      64 * 1024,
		},
		timeout: timeout,
	}
}

// SyncPage is one page of a hub sync pull.
type SyncPage struct {
	Messages []models.Message `json:"messages"`
	Cursor   string           `json:"cursor,omitempty"`
}

// PullMessages fetches messages stored at or after since from a peer
// hub, one page. An empty returned cursor means the peer is drained.
func (c *Client) PullMessages(peer string, since int64, limit int, cursor string) (*SyncPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, err := c.get(peer + "/api/v1/sync/messages?" + q.Encode())
	if err != nil {
		return nil, err
	}
	var page SyncPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, protocol.Errf(protocol.CodePeerMalformedResponse, "sync page from %s: %v", peer, err)
	}
	return &page, nil
}

// PushMessages forwards validated messages to a peer hub. The peer
// re-validates; per-message rejections come back in the results.
func (c *Client) PushMessages(peer string, msgs []models.Message) ([]models.MessageResult, error) {
	body, err := c.post(peer+"/api/v1/sync/push", map[string]any{"messages": msgs})
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []models.MessageResult `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, protocol.Errf(protocol.CodePeerMalformedResponse, "push results from %s: %v", peer, err)
	}
	return out.Results, nil
}

// ReplicationItem is one unit pushed between personal data servers.
type ReplicationItem struct {
	Type    string          `json:"type"` // user | record | follow | unfollow | migration
	Payload json.RawMessage `json:"payload"`
}

// PushReplication delivers a replication item to a federation peer.
func (c *Client) PushReplication(peer string, item ReplicationItem) error {
	_, err := c.post(peer+"/xrpc/com.atproto.replication.receive", item)
	return err
}

// RecordPage is one page of a replication records pull.
type RecordPage struct {
	Records []models.Record `json:"records"`
	Cursor  string          `json:"cursor,omitempty"`
}

// PullRecords fetches records created after since from a federation peer.
func (c *Client) PullRecords(peer string, since int64, limit int, cursor string) (*RecordPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, err := c.get(peer + "/xrpc/com.atproto.replication.listRecords?" + q.Encode())
	if err != nil {
		return nil, err
	}
	var page RecordPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, protocol.Errf(protocol.CodePeerMalformedResponse, "record page from %s: %v", peer, err)
	}
	return &page, nil
}

func (c *Client) get(uri string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	return c.do(req, resp)
}

func (c *Client) post(uri string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)
	return c.do(req, resp)
}

func (c *Client) do(req *fasthttp.Request, resp *fasthttp.Response) ([]byte, error) {
	peer := string(req.URI().Host())
	if err := c.http.DoDeadline(req, resp, time.Now().Add(c.timeout)); err != nil {
		if err == fasthttp.ErrTimeout || err == fasthttp.ErrDialTimeout {
			return nil, protocol.Errf(protocol.CodePeerTimeout, "peer %s: %v", peer, err)
		}
		return nil, protocol.Errf(protocol.CodePeerUnreachable, "peer %s: %v", peer, err)
	}
	status := resp.StatusCode()
	if status >= 500 {
		return nil, protocol.Errf(protocol.CodePeerUnreachable, "peer %s returned %d", peer, status)
	}
	if status >= 400 {
		return nil, protocol.Errf(protocol.CodePeerMalformedResponse, "peer %s returned %d: %s", peer, status, resp.Body())
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}
