package feed

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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/feedsync/internal/retry"
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

// Client is the REST surface the feed core consumes.
type Client interface {
	ListPage(ctx context.Context, page, pageSize int) (Page, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkAllRead(ctx context.Context) (int, error)
}

type listResponse struct {
	Items      []Item `json:"items"`
	Pagination struct {
		Page       int `json:"page"`
		TotalPages int `json:"totalPages"`
		Total      int `json:"total"`
	} `json:"pagination"`
	UnreadCount *int `json:"unreadCount"`
}

type markAllReadResponse struct {
	Count int `json:"count"`
}

type HTTPClient struct {
	baseURL    string
	kind       Kind
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	tokenMu sync.RWMutex
	token   string
}

func NewHTTPClient(baseURL string, kind Kind, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080/api"
	}
	if kind == "" {
		kind = KindNotifications
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		kind:       kind,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetToken replaces the bearer token used by subsequent requests.
func (c *HTTPClient) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = strings.TrimSpace(token)
	c.tokenMu.Unlock()
}

func (c *HTTPClient) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

func (c *HTTPClient) ListPage(ctx context.Context, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	out, err := c.list(ctx, page, pageSize)
	if err != nil {
		return Page{}, err
	}
	result := Page{
		Items:      out.Items,
		PageNumber: out.Pagination.Page,
		TotalPages: out.Pagination.TotalPages,
		TotalCount: out.Pagination.Total,
	}
	if result.PageNumber == 0 {
		result.PageNumber = page
	}
	return result, nil
}

// UnreadCount asks the list endpoint for the smallest possible page and
// reads only the unread counter from it.
func (c *HTTPClient) UnreadCount(ctx context.Context) (int, error) {
	out, err := c.list(ctx, 1, 1)
	if err != nil {
		return 0, err
	}
	if out.UnreadCount == nil {
		return 0, fmt.Errorf("unread count missing from %s response", c.kind)
	}
	return *out.UnreadCount, nil
}

func (c *HTTPClient) MarkAllRead(ctx context.Context) (int, error) {
	var out markAllReadResponse
	err := c.doJSON(ctx, http.MethodPost, c.kind.path()+"/mark-all-read", nil, &out)
	return out.Count, err
}

func (c *HTTPClient) list(ctx context.Context, page, pageSize int) (listResponse, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	q.Set("sortField", "createdAt")
	q.Set("sortOrder", "desc")
	var out listResponse
	err := c.doJSON(ctx, http.MethodGet, c.kind.path()+"?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
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
		if token := c.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := retry.Sleep(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
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
			if waitErr := retry.Sleep(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
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

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
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
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
