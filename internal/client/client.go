package client

import (
	"net/http"
	"strings"

	"casewatch-agent/internal/config"
	"casewatch-agent/internal/logging"
)

// TokenSource yields the current bearer token, or "" when the session is
// cookie-managed and no token is readable client-side.
type TokenSource func() string

type APIClient struct {
	http      *http.Client
	token     TokenSource
	endpoints config.APIEndpoints
	logger    *logging.Logger
}

func New(httpClient *http.Client, token TokenSource, endpoints config.APIEndpoints, logger *logging.Logger) *APIClient {
	if logger == nil {
		panic("client.New: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &APIClient{http: httpClient, token: token, endpoints: endpoints, logger: logger}
}

func (c *APIClient) Endpoints() config.APIEndpoints { return c.endpoints }

func (c *APIClient) authorize(req *http.Request) {
	raw := strings.TrimSpace(c.token())
	if raw == "" {
		return
	}
	if !strings.HasPrefix(raw, "Bearer ") {
		raw = "Bearer " + raw
	}
	req.Header.Set("Authorization", raw)
}
