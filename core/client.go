package core

// HTTP client for the gateway API. Every authenticated request carries a
// freshly issued short-lived invocation token addressed to the gateway,
// witnessed by the author's delegation, with the proof chain enumerated in
// auxiliary ucan headers.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"
)

// invocationLifetime bounds the validity of per-request tokens.
const invocationLifetime = 2 * time.Minute

// Client speaks the v0alpha2 protocol to one gateway on behalf of one
// sphere author.
type Client struct {
	baseURL         *url.URL
	httpClient      *http.Client
	author          *Author
	sphere          Did
	gatewayIdentity Did
	tokens          TokenStore
	logger          *log.Logger
}

// NewGatewayClient resolves the gateway's DID and returns a bound client.
func NewGatewayClient(ctx context.Context, base string, author *Author, sphere Did, tokens TokenStore, logger *log.Logger) (*Client, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: gateway url %q: %v", ErrNetwork, base, err)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{},
		author:     author,
		sphere:     sphere,
		tokens:     tokens,
		logger:     logger,
	}
	identity, err := client.Did(ctx)
	if err != nil {
		return nil, err
	}
	client.gatewayIdentity = identity
	return client, nil
}

// GatewayIdentity returns the gateway's DID as resolved at bind time.
func (c *Client) GatewayIdentity() Did { return c.gatewayIdentity }

func (c *Client) routeURL(route string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + APIBasePath + route
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Did asks the gateway for its identity. The route is unauthenticated.
func (c *Client) Did(ctx context.Context) (Did, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.routeURL(RouteDid, nil), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", ErrorForStatus(resp.StatusCode, "did route")
	}
	identity, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return Did(strings.TrimSpace(string(identity))), nil
}

// invoke issues a request-scoped token claiming the action on the client's
// sphere and attaches it with its proof chain.
func (c *Client) invoke(ctx context.Context, req *http.Request, action SphereAction) error {
	builder := NewUcanBuilder().
		IssuedBy(c.author.Key).
		ForAudience(c.gatewayIdentity).
		WithLifetime(invocationLifetime).
		ClaimingCapability(SphereCapability(c.sphere, action))
	if c.author.Authorization != nil {
		builder = builder.WitnessedBy(c.author.Authorization)
	}
	invocation, err := builder.Build()
	if err != nil {
		return err
	}
	proofs, err := CollectProofJwts(ctx, c.tokens, invocation)
	if err != nil {
		return err
	}
	AttachUcanHeaders(req, invocation, proofs)
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, action SphereAction, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := c.invoke(ctx, req, action); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return resp, nil
}

func drainError(resp *http.Response) error {
	defer resp.Body.Close()
	var body ErrorBody
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		if decodeErr := DecodeCanonical(data, &body); decodeErr != nil {
			body.Error = strings.TrimSpace(string(data))
		}
	}
	return ErrorForStatus(resp.StatusCode, body.Error)
}

// Identify fetches the gateway's signed assertion that it serves this
// sphere.
func (c *Client) Identify(ctx context.Context) (*IdentifyResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, c.routeURL(RouteIdentify, nil), SphereActionFetch, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}
	defer resp.Body.Close()
	var identity IdentifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("%w: identify response: %v", ErrDecode, err)
	}
	return &identity, nil
}

// Fetch streams every block reachable from the counterpart's tip but not
// from since into store, returning the counterpart's new tip and the number
// of blocks transferred.
func (c *Client) Fetch(ctx context.Context, since cid.Cid, store BlockStore) (cid.Cid, int, error) {
	query := url.Values{}
	if since.Defined() {
		query.Set("since", since.String())
	}
	resp, err := c.do(ctx, http.MethodGet, c.routeURL(RouteFetch, query), SphereActionFetch, nil)
	if err != nil {
		return cid.Undef, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return cid.Undef, 0, drainError(resp)
	}
	defer resp.Body.Close()
	roots, count, err := ReadBlockStream(ctx, store, resp.Body)
	if err != nil {
		return cid.Undef, count, fmt.Errorf("fetch: %w", err)
	}
	if len(roots) != 1 {
		return cid.Undef, count, fmt.Errorf("%w: fetch returned %d roots", ErrDecode, len(roots))
	}
	return roots[0], count, nil
}

// Push sends the framed body plus a stream of every block reachable from
// the local tip but not the base, and decodes the gateway's verdict.
func (c *Client) Push(ctx context.Context, body *PushBody, store BlockStore) (*PushResponse, error) {
	var payload bytes.Buffer
	if err := WritePushBody(&payload, body); err != nil {
		return nil, err
	}
	base := cid.Undef
	if body.LocalBase != nil {
		base = body.LocalBase.Cid
	}
	if err := WriteBlockStream(ctx, store, &payload, body.LocalTip.Cid, base); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPut, c.routeURL(RoutePush, nil), SphereActionPush, &payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: push response: %v", ErrNetwork, err)
	}
	var result PushResponse
	if err := DecodeCanonical(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Replicate streams the DAG slice rooted at id (optionally excluding blocks
// reachable from since) into store.
func (c *Client) Replicate(ctx context.Context, id cid.Cid, since cid.Cid, store BlockStore) (int, error) {
	query := url.Values{}
	if since.Defined() {
		query.Set("since", since.String())
	}
	resp, err := c.do(ctx, http.MethodGet, c.routeURL(RouteReplicate+"/"+id.String(), query), SphereActionFetch, nil)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, drainError(resp)
	}
	defer resp.Body.Close()
	_, count, err := ReadBlockStream(ctx, store, resp.Body)
	return count, err
}

// RequestBlock implements BlockSource over the replicate route, letting the
// client serve as the context's remote block source.
func (c *Client) RequestBlock(ctx context.Context, id cid.Cid) ([]byte, error) {
	scratch := NewMemoryStorage()
	if _, err := c.Replicate(ctx, id, cid.Undef, scratch.Blocks); err != nil {
		return nil, err
	}
	data, err := scratch.Blocks.GetBlock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: replicate did not return %s", ErrMissingHistory, id)
	}
	return data, nil
}

var _ BlockSource = (*Client)(nil)
