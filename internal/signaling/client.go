// Package signaling is a typed HTTP client for the rendezvous server:
// offer publication, answer/ICE polling, and service
// discovery. It never reaches for WebSockets — the rendezvous protocol this
// client speaks is plain HTTP polling, watermark-driven for the batch
// endpoints.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xtr-dev/rondevu-client/pkg/protocol"
)

// ClientConfig holds configuration for a signaling Client.
type ClientConfig struct {
	// BaseURL is the HTTPS (or HTTP, for local testing) base URL of the
	// rendezvous server, e.g. "https://rondevu.example.com".
	BaseURL string

	// Credential authenticates requests that require it. May be the zero
	// value before Register is called — SetCredential updates it afterwards.
	Credential protocol.Credential

	// HTTPClient is the underlying HTTP client. If nil, a client with
	// RequestTimeout is constructed.
	HTTPClient *http.Client

	// RequestTimeout bounds each individual HTTP call. Defaults to 10s.
	RequestTimeout time.Duration

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is a typed HTTP client for the rendezvous server's signaling
// surface. It holds no mutable connection state, only the credential, so
// its request methods are safe for concurrent use with each other;
// SetCredential is not synchronized with requests in flight.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger

	cred protocol.Credential
}

// NewClient creates a signaling Client from the given configuration.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "signaling")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		log:     log,
		cred:    cfg.Credential,
	}
}

// SetCredential updates the bearer credential used for authenticated calls.
// Safe to call after Register returns.
func (c *Client) SetCredential(cred protocol.Credential) {
	c.cred = cred
}

// Credential returns the currently configured credential.
func (c *Client) Credential() protocol.Credential {
	return c.cred
}

// Register issues a new Credential from the rendezvous server. Unauthenticated.
func (c *Client) Register(ctx context.Context) (protocol.Credential, error) {
	var out protocol.Credential
	if _, err := c.do(ctx, http.MethodPost, "/register", nil, &out, authNone, "credential", "", true); err != nil {
		return protocol.Credential{}, err
	}
	return out, nil
}

// OfferRequest describes one offer to publish via CreateOffers.
type OfferRequest struct {
	SDP    string        `json:"sdp"`
	Topics []string      `json:"topics,omitempty"`
	TTL    time.Duration `json:"-"`
}

// MarshalJSON encodes TTL as milliseconds, matching the server's wire format.
func (r OfferRequest) MarshalJSON() ([]byte, error) {
	type wire struct {
		SDP    string   `json:"sdp"`
		Topics []string `json:"topics,omitempty"`
		TTLMs  int64    `json:"ttl,omitempty"`
	}
	w := wire{SDP: r.SDP, Topics: r.Topics}
	if r.TTL > 0 {
		w.TTLMs = r.TTL.Milliseconds()
	}
	return json.Marshal(w)
}

// CreateOffers publishes one or more offers. Authenticated.
func (c *Client) CreateOffers(ctx context.Context, offers []OfferRequest) ([]protocol.Offer, error) {
	body := struct {
		Offers []OfferRequest `json:"offers"`
	}{Offers: offers}

	var out struct {
		Offers []protocol.Offer `json:"offers"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/offers", body, &out, authRequired, "offers", "", true); err != nil {
		return nil, err
	}
	return out.Offers, nil
}

// GetOffer fetches one offer by id. A 404 is a required fetch, so it
// surfaces as NotFoundError rather than a nil/empty result.
func (c *Client) GetOffer(ctx context.Context, id string) (*protocol.Offer, error) {
	var out protocol.Offer
	if _, err := c.do(ctx, http.MethodGet, "/offers/"+url.PathEscape(id), nil, &out, authRequired, "offer", id, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat extends an offer's TTL.
func (c *Client) Heartbeat(ctx context.Context, offerID string) error {
	_, err := c.do(ctx, http.MethodPut, "/offers/"+url.PathEscape(offerID)+"/heartbeat", nil, nil, authRequired, "offer", offerID, true)
	return err
}

// DeleteOffer removes an offer.
func (c *Client) DeleteOffer(ctx context.Context, offerID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/offers/"+url.PathEscape(offerID), nil, nil, authRequired, "offer", offerID, true)
	return err
}

// AnswerOffer submits an answer SDP for the given offer id.
func (c *Client) AnswerOffer(ctx context.Context, offerID, sdp string) (string, error) {
	body := struct {
		SDP string `json:"sdp"`
	}{SDP: sdp}

	var out struct {
		OfferID string `json:"offerId"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/offers/"+url.PathEscape(offerID)+"/answer", body, &out, authNone, "offer", offerID, true); err != nil {
		return "", err
	}
	return out.OfferID, nil
}

// GetAnswers batch-polls all of the caller's own offers' answers recorded
// since the given watermark. The returned watermark is monotonically
// non-decreasing relative to the input and should be passed as since on the
// next call.
func (c *Client) GetAnswers(ctx context.Context, since time.Time) ([]protocol.AnsweredOffer, time.Time, error) {
	path := "/offers/answers"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(strconv.FormatInt(since.UnixMilli(), 10))
	}

	var out struct {
		Answers []protocol.AnsweredOffer `json:"answers"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, authRequired, "answers", "", true); err != nil {
		return nil, since, err
	}

	watermark := since
	for _, a := range out.Answers {
		if a.AnsweredAt.After(watermark) {
			watermark = a.AnsweredAt
		}
	}
	return out.Answers, watermark, nil
}

// AddIceCandidates appends locally gathered ICE candidates for the given offer.
func (c *Client) AddIceCandidates(ctx context.Context, offerID string, candidates []protocol.IceCandidateRecord) error {
	body := struct {
		Candidates []protocol.IceCandidateRecord `json:"candidates"`
	}{Candidates: candidates}
	_, err := c.do(ctx, http.MethodPost, "/offers/"+url.PathEscape(offerID)+"/ice-candidates", body, nil, authRequired, "offer", offerID, true)
	return err
}

// GetIceCandidates polls remote ICE candidate records recorded since the
// given watermark. Callers filter by Role themselves.
func (c *Client) GetIceCandidates(ctx context.Context, offerID string, since time.Time) ([]protocol.IceCandidateRecord, error) {
	path := "/offers/" + url.PathEscape(offerID) + "/ice-candidates"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(strconv.FormatInt(since.UnixMilli(), 10))
	}

	var out struct {
		Candidates []protocol.IceCandidateRecord `json:"candidates"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, authRequired, "offer", offerID, true); err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

// FindOptions controls pagination/filtering for discovery endpoints.
type FindOptions struct {
	Limit int
	// BloomFilter is a pre-encoded (base64) client-side filter, passed
	// through to the server unexamined — its encoding is a server-side
	// contract the client does not interpret.
	BloomFilter string
}

// FindByTopic discovers public offers tagged with the given topic. Unauthenticated.
func (c *Client) FindByTopic(ctx context.Context, topic string, opts FindOptions) ([]protocol.Offer, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.BloomFilter != "" {
		q.Set("bloom", opts.BloomFilter)
	}
	path := "/offers/by-topic/" + url.PathEscape(topic)
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Offers []protocol.Offer `json:"offers"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, authNone, "offers", "", true); err != nil {
		return nil, err
	}
	return out.Offers, nil
}

// FindByUsername discovers services published under a username. Unauthenticated.
func (c *Client) FindByUsername(ctx context.Context, username string, opts FindOptions) ([]protocol.Service, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/users/" + url.PathEscape(username) + "/services"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Services []protocol.Service `json:"services"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, authNone, "services", "", true); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// PublishServiceRequest is the signed request body for PublishService.
type PublishServiceRequest struct {
	ServiceFQN string
	PublicKey  string
	Signature  string
	Message    string
	IsPublic   bool
	Metadata   map[string]string
	OfferSDP   string
	TTL        time.Duration
}

// PublishService publishes a service under an already-claimed username.
func (c *Client) PublishService(ctx context.Context, username string, req PublishServiceRequest) (protocol.Service, error) {
	body := struct {
		ServiceFQN string            `json:"serviceFqn"`
		PublicKey  string            `json:"publicKey"`
		Signature  string            `json:"signature"`
		Message    string            `json:"message"`
		IsPublic   bool              `json:"isPublic"`
		Metadata   map[string]string `json:"metadata,omitempty"`
		OfferSDP   string            `json:"offerSdp"`
		TTLMs      int64             `json:"ttl,omitempty"`
	}{
		ServiceFQN: req.ServiceFQN,
		PublicKey:  req.PublicKey,
		Signature:  req.Signature,
		Message:    req.Message,
		IsPublic:   req.IsPublic,
		Metadata:   req.Metadata,
		OfferSDP:   req.OfferSDP,
	}
	if req.TTL > 0 {
		body.TTLMs = req.TTL.Milliseconds()
	}

	var out protocol.Service
	if _, err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(username)+"/services", body, &out, authRequired, "service", req.ServiceFQN, true); err != nil {
		return protocol.Service{}, err
	}
	return out, nil
}

// GetServiceByUUID fetches a service by its server-assigned uuid. This is an
// optional getter: a 404 means no such service (yet, or any more) and
// returns (nil, nil) rather than a NotFoundError, so callers polling for a
// not-yet-published service can treat absence as "not found" instead of
// a hard failure.
func (c *Client) GetServiceByUUID(ctx context.Context, uuid string) (*protocol.Service, error) {
	var out protocol.Service
	notFound, err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(uuid), nil, &out, authNone, "service", uuid, false)
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, nil
	}
	return &out, nil
}

// GetServiceByFQN performs a direct service lookup by (username, fqn). Like
// GetServiceByUUID, this is an optional getter: a 404 returns (nil, nil).
func (c *Client) GetServiceByFQN(ctx context.Context, username, fqn string) (*protocol.Service, error) {
	_, _, err := protocol.ParseFQN(fqn)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	var out protocol.Service
	path := "/users/" + url.PathEscape(username) + "/services/" + url.PathEscape(fqn)
	notFound, err := c.do(ctx, http.MethodGet, path, nil, &out, authNone, "service", fqn, false)
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, nil
	}
	return &out, nil
}

// DiscoverService lists public services matching a version constraint,
// paginated. Unauthenticated.
func (c *Client) DiscoverService(ctx context.Context, version string, limit, offset int) ([]protocol.Service, error) {
	q := url.Values{}
	if version != "" {
		q.Set("version", version)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/services"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Services []protocol.Service `json:"services"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, authNone, "services", "", true); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// UsernameInfo is the response from GetUsername.
type UsernameInfo struct {
	Available bool   `json:"available"`
	PublicKey string `json:"publicKey,omitempty"`
}

// GetUsername checks username availability. Unauthenticated.
func (c *Client) GetUsername(ctx context.Context, username string) (UsernameInfo, error) {
	var out UsernameInfo
	if _, err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(username), nil, &out, authNone, "username", username, true); err != nil {
		return UsernameInfo{}, err
	}
	return out, nil
}

// ClaimUsername claims a username with a signed proof-of-possession message.
// Unauthenticated — possession of the private key is the proof.
func (c *Client) ClaimUsername(ctx context.Context, username, publicKey, signature, message string) error {
	body := struct {
		PublicKey string `json:"publicKey"`
		Signature string `json:"signature"`
		Message   string `json:"message"`
	}{PublicKey: publicKey, Signature: signature, Message: message}

	_, err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(username), body, nil, authNone, "username", username, true)
	return err
}

type authMode int

const (
	authNone authMode = iota
	authRequired
)

// do performs one HTTP round trip against the rendezvous server, applying
// the Authorization header when required, JSON-encoding the request body
// (if any), and classifying non-2xx responses into the client's error
// types. required controls 404 handling: for a required fetch, 404 is
// classified as a NotFoundError; for an optional getter (required=false),
// 404 is reported back via the notFound return value instead, with err
// nil and out left unpopulated, so the caller can return a nil/zero result
// rather than an error.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, auth authMode, resource, id string, required bool) (notFound bool, err error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, &ValidationError{Msg: fmt.Sprintf("marshaling request body: %v", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return false, &NetworkError{Msg: "building request", Err: err}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth == authRequired {
		if c.cred.IsZero() {
			return false, &AuthError{Msg: "no credential configured"}
		}
		req.Header.Set("Authorization", "Bearer "+c.cred.Bearer())
	}

	c.log.Debug("signaling request", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, &NetworkError{Msg: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, &NetworkError{Msg: "reading response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound && !required {
			return true, nil
		}
		serverMsg := parseServerError(respBody)
		return false, classifyStatus(resp.StatusCode, resource, id, serverMsg)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, &NetworkError{Msg: "decoding response body", Err: err}
		}
	}
	return false, nil
}

// parseServerError extracts the "error" field from a non-2xx JSON response,
// matching the {error: string} contract of the rendezvous server.
func parseServerError(body []byte) string {
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return errResp.Error
	}
	return string(body)
}
