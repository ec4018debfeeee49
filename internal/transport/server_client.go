package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopmeet/tasksync/internal/tasksync"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client is the HTTP half of the server sync contract. It implements
// tasksync.ServerAPI.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) FetchChecksum(ctx context.Context, workspaceID string) (tasksync.ChecksumInfo, error) {
	var out tasksync.ChecksumInfo
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/workspaces/%s/tasks/checksum", url.PathEscape(workspaceID)), nil, &out)
	return out, err
}

func (c *Client) FetchDelta(ctx context.Context, workspaceID, sinceEventID string) ([]tasksync.TaskRecord, error) {
	q := url.Values{}
	if strings.TrimSpace(sinceEventID) != "" {
		q.Set("since", strings.TrimSpace(sinceEventID))
	}
	var out struct {
		Tasks []tasksync.TaskRecord `json:"tasks"`
	}
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/workspaces/%s/tasks/delta?%s", url.PathEscape(workspaceID), q.Encode()), nil, &out)
	return out.Tasks, err
}

func (c *Client) FetchEventMetadata(ctx context.Context, workspaceID, eventID string) (tasksync.EventMetadata, error) {
	var out tasksync.EventMetadata
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/workspaces/%s/events/%s/metadata", url.PathEscape(workspaceID), url.PathEscape(eventID)), nil, &out)
	return out, err
}

func (c *Client) FetchBackfill(ctx context.Context, workspaceID string, sequenceNums []uint64) ([]tasksync.SyncEvent, error) {
	body := map[string]any{"sequenceNumbers": sequenceNums}
	var out struct {
		Events []tasksync.SyncEvent `json:"events"`
	}
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/workspaces/%s/events/backfill", url.PathEscape(workspaceID)), body, &out)
	return out.Events, err
}

func (c *Client) FetchFullState(ctx context.Context, workspaceID string) (tasksync.FullState, error) {
	var out tasksync.FullState
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/workspaces/%s/tasks/full", url.PathEscape(workspaceID)), nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "sync_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// retryDelay doubles per attempt from baseDelay, capped at maxDelay.
// An explicit Retry-After from the server overrides the schedule but
// never the cap.
func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	limit := c.maxDelay
	if limit <= 0 {
		limit = 2 * time.Second
	}
	delay := parseRetryAfter(retryAfterHeader)
	if delay <= 0 {
		delay = c.baseDelay
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		if attempt > 1 {
			delay <<= attempt - 1
		}
	}
	if delay > limit || delay <= 0 {
		return limit
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if until := time.Until(ts); until > 0 {
			return until
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
