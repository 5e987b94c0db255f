package docstore

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

	"example.com/workoutsync/internal/domain"
)

// HTTPClient implements Store against the backend API. The supplied *http.Client is expected to
// attach credentials, for example one built by oauth2.NewClient.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient constructs an HTTPClient rooted at baseURL.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// LinkRequest is the body of the link endpoint.
type LinkRequest struct {
	RecordID string `json:"record_id"`
}

// Get implements Store.
func (c *HTTPClient) Get(ctx context.Context, userID string) (Document, error) {
	var doc Document
	err := c.do(ctx, http.MethodGet, c.documentPath(userID), nil, &doc, nil)
	return doc, err
}

// Apply implements Store. ExpectVersion is sent as If-Match.
func (c *HTTPClient) Apply(ctx context.Context, userID string, update Update) error {
	if err := update.Validate(); err != nil {
		return err
	}
	var header http.Header
	if update.ExpectVersion != nil {
		header = http.Header{"If-Match": []string{ETag(*update.ExpectVersion)}}
	}
	return c.do(ctx, http.MethodPatch, c.documentPath(userID), update, nil, header)
}

// AttachLinkedRecord implements Store.
func (c *HTTPClient) AttachLinkedRecord(ctx context.Context, userID, activityID, recordID string) error {
	return c.do(ctx, http.MethodPost, c.activityPath(userID, activityID)+"/link", LinkRequest{RecordID: recordID}, nil, nil)
}

// DeleteActivity implements Store.
func (c *HTTPClient) DeleteActivity(ctx context.Context, userID, activityID string) error {
	return c.do(ctx, http.MethodDelete, c.activityPath(userID, activityID), nil, nil, nil)
}

func (c *HTTPClient) documentPath(userID string) string {
	return fmt.Sprintf("%s/v1/users/%s/document", c.baseURL, url.PathEscape(userID))
}

func (c *HTTPClient) activityPath(userID, activityID string) string {
	return fmt.Sprintf("%s/v1/users/%s/activities/%s", c.baseURL, url.PathEscape(userID), url.PathEscape(activityID))
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Type   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d %s: %s", e.Status, e.Type, e.Detail)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusPreconditionFailed:
		return ErrVersionConflict
	}
	return nil
}

// ETag formats a document version as a strong entity tag.
func ETag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

// ParseETag reads a version written by ETag.
func ParseETag(tag string) (int64, error) {
	unquoted, err := strconv.Unquote(strings.TrimSpace(tag))
	if err != nil {
		return 0, fmt.Errorf("malformed entity tag %q", tag)
	}
	return strconv.ParseInt(unquoted, 10, 64)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any, header http.Header) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var problem struct {
			Type   string `json:"type"`
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
			apiErr.Type, apiErr.Detail = problem.Type, problem.Detail
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
