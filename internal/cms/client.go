// Package cms talks to the headless CMS HTTP API (GROQ queries, mutations
// and file assets) that holds the route documents.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"runroute.dev/route-metrics/internal/fetch"
)

const (
	DefaultAPIVersion = "2023-05-03"
	DefaultAPIHost    = "api.sanity.io"
)

// Config identifies a project and dataset. It is passed explicitly to New;
// nothing in this package reads the environment.
type Config struct {
	ProjectID         string
	Dataset           string
	Token             string
	APIVersion        string
	APIHost           string
	RequestsPerSecond float64
	Timeout           time.Duration
}

func (c Config) Validate() error {
	if c.ProjectID == "" {
		return errors.New("cms: project ID is required")
	}
	if c.Dataset == "" {
		return errors.New("cms: dataset is required")
	}
	return nil
}

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cms: HTTP %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	assets  *fetch.Fetcher
}

type Option func(*Client)

// WithBaseURL replaces https://<project>.<host>/v<version>.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.base = strings.TrimRight(base, "/")
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		c.assets.Client = hc
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.APIHost == "" {
		cfg.APIHost = DefaultAPIHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	assets := fetch.NewFetcher(cfg.RequestsPerSecond, 1, cfg.Timeout)
	c := &Client{
		cfg:     cfg,
		base:    fmt.Sprintf("https://%s.%s/v%s", cfg.ProjectID, cfg.APIHost, strings.TrimPrefix(cfg.APIVersion, "v")),
		http:    assets.Client,
		limiter: assets.Limiter,
		assets:  assets,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Query runs a GROQ query and decodes its result into out.
func (c *Client) Query(ctx context.Context, query string, params map[string]any, out any) error {
	q := url.Values{}
	q.Set("query", query)
	for k, v := range params {
		bs, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("cms: param %s: %w", k, err)
		}
		q.Set("$"+k, string(bs))
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/data/query/"+c.cfg.Dataset+"?"+q.Encode(), "", nil, &resp); err != nil {
		return err
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

type Mutation map[string]any

func Patch(id string, set map[string]any) Mutation {
	return Mutation{"patch": map[string]any{"id": id, "set": set}}
}

// Mutate commits the mutations as a single transaction and returns its ID.
func (c *Client) Mutate(ctx context.Context, mutations ...Mutation) (string, error) {
	txID := uuid.NewString()
	body, err := json.Marshal(map[string]any{"mutations": mutations})
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("transactionId", txID)
	q.Set("returnIds", "false")

	var resp struct {
		TransactionID string `json:"transactionId"`
	}
	path := "/data/mutate/" + c.cfg.Dataset + "?" + q.Encode()
	if err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.TransactionID != "" {
		txID = resp.TransactionID
	}
	return txID, nil
}

type Asset struct {
	ID  string `json:"_id"`
	URL string `json:"url"`
}

// Upload stores data as a file asset.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (Asset, error) {
	q := url.Values{}
	q.Set("filename", filename)

	var resp struct {
		Document Asset `json:"document"`
	}
	path := "/assets/files/" + c.cfg.Dataset + "?" + q.Encode()
	if err := c.do(ctx, http.MethodPost, path, "application/gpx+xml", bytes.NewReader(data), &resp); err != nil {
		return Asset{}, err
	}
	if resp.Document.ID == "" {
		return Asset{}, errors.New("cms: upload returned no asset document")
	}
	return resp.Document, nil
}

// Fetch downloads an asset from its public URL. The API token is not sent.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	return c.assets.Fetch(ctx, url)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   struct {
			Description string `json:"description"`
		} `json:"error"`
	}
	// "error" is an object on query errors and a string on auth errors.
	_ = json.Unmarshal(data, &body)
	if body.Error.Description != "" {
		return body.Error.Description
	}
	if body.Message != "" {
		return body.Message
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
