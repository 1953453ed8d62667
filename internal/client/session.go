package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"casewatch-agent/internal/logging"
)

// RenewSession asks the backend to silently renew the current session. The
// renewed credential travels back out of band (a rotated cookie), so there
// is no response payload of interest.
func (c *APIClient) RenewSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.RefreshURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Warn("session renewal failed",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	c.logger.Debug("session renewed")
	return nil
}

type WhoAmI struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

// FetchWhoAmI queries the identity endpoint. Works with HttpOnly cookie
// deployments where the token itself is never readable client-side.
func (c *APIClient) FetchWhoAmI(ctx context.Context) (WhoAmI, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.WhoAmIURL, nil)
	if err != nil {
		return WhoAmI{}, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return WhoAmI{}, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		c.logger.Debug("whoami lookup failed",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return WhoAmI{}, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	me := WhoAmI{}
	if err := json.Unmarshal(data, &me); err != nil {
		return WhoAmI{}, err
	}
	return me, nil
}
