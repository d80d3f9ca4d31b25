package resolver

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

	"github.com/rotisserie/eris"
)

// Transport performs the two remote calls the resolver needs. Errors must
// wrap ErrUnauthorized, ErrNotFound, ErrTransient or ErrRejected.
type Transport interface {
	// Login exchanges the configured credentials for a bearer token.
	Login(ctx context.Context) (string, error)
	// Lookup fetches the product record for a barcode.
	Lookup(ctx context.Context, barcode, token string) (*LookupResponse, error)
}

// LookupResponse is the subset of the product record used for routing.
type LookupResponse struct {
	Winner *Winner `json:"winner,omitempty"`
	Meta   *Meta   `json:"meta,omitempty"`
}

// Winner names the module that won the valuation.
type Winner struct {
	Module    string `json:"winnerModule"`
	SubModule string `json:"winnerSubModule"`
}

// Meta carries catalogue metadata.
type Meta struct {
	ProductGroup string `json:"product_group"`
}

// Credentials used by Login.
type Credentials struct {
	Email    string
	Password string
	TeamID   int
}

// Option configures the HTTP transport.
type Option func(*httpTransport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *httpTransport) {
		t.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(t *httpTransport) {
		if d > 0 {
			t.http.Timeout = d
		}
	}
}

type httpTransport struct {
	loginURL     string
	dataTemplate string
	creds        Credentials
	http         *http.Client
}

// NewHTTPTransport creates a transport for the product lookup service.
// dataTemplate may contain {scan} and {token} placeholders.
func NewHTTPTransport(loginURL, dataTemplate string, creds Credentials, opts ...Option) Transport {
	t := &httpTransport{
		loginURL:     loginURL,
		dataTemplate: dataTemplate,
		creds:        creds,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type loginRequest struct {
	TeamID   int    `json:"wl_team_id"`
	Email    string `json:"user_email"`
	Password string `json:"user_password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (t *httpTransport) Login(ctx context.Context) (string, error) {
	if t.loginURL == "" {
		return "", eris.Wrap(ErrNoTransport, "lookup: login url not configured")
	}

	payload, err := json.Marshal(loginRequest{
		TeamID:   t.creds.TeamID,
		Email:    t.creds.Email,
		Password: t.creds.Password,
	})
	if err != nil {
		return "", eris.Wrap(err, "lookup: marshal login request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.loginURL, bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "lookup: create login request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := t.do(req)
	if err != nil {
		return "", eris.Wrap(err, "lookup: login")
	}

	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", eris.Wrap(ErrRejected, fmt.Sprintf("lookup: decode login response: %v", err))
	}
	if out.Token == "" {
		return "", eris.Wrap(ErrUnauthorized, "lookup: login returned no token")
	}
	return out.Token, nil
}

func (t *httpTransport) Lookup(ctx context.Context, barcode, token string) (*LookupResponse, error) {
	if t.dataTemplate == "" {
		return nil, eris.Wrap(ErrNoTransport, "lookup: data url template not configured")
	}

	reqURL := strings.NewReplacer(
		"{scan}", url.PathEscape(barcode),
		"{token}", url.QueryEscape(token),
	).Replace(t.dataTemplate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	body, err := t.do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "lookup: barcode %s", barcode)
	}

	var out LookupResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(ErrRejected, fmt.Sprintf("lookup: decode response for %s: %v", barcode, err))
	}
	return &out, nil
}

// do sends the request and maps the outcome onto the transport error classes.
func (t *httpTransport) do(req *http.Request) ([]byte, error) {
	resp, err := t.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, eris.Wrap(ErrTransient, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(ErrTransient, fmt.Sprintf("read body: %v", err))
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyStatus returns nil for 2xx and a wrapped class error otherwise.
func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	msg := fmt.Sprintf("status %d: %s", code, truncate(string(body), 200))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return eris.Wrap(ErrUnauthorized, msg)
	case code == http.StatusNotFound:
		return eris.Wrap(ErrNotFound, msg)
	case code == http.StatusBadRequest && strings.Contains(strings.ToLower(string(body)), "no results"):
		return eris.Wrap(ErrNotFound, msg)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return eris.Wrap(ErrTransient, msg)
	default:
		return eris.Wrap(ErrRejected, msg)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
