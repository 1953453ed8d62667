package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"casewatch-agent/internal/logging"
)

// FetchUnseenCounts pulls the current unseen-message counters snapshot: a
// flat string-to-integer mapping whose key shape is owned by the server.
func (c *APIClient) FetchUnseenCounts(ctx context.Context) (map[string]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.CountsURL, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		c.logger.Debug("counts snapshot fetch failed",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	counts := map[string]int{}
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
