package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// defaultHTTPTimeout bounds a single request. Poll requests use the
// subscription timeout instead.
const defaultHTTPTimeout = 60 * time.Second

// Client is a [Service] that talks JSON over HTTP to a calendar gateway
// fronting the Exchange server. Create one with [NewClient] or through
// [HTTPDialer].
type Client struct {
	baseURL string
	creds   Credentials
	hc      *http.Client
}

// NewClient returns a Client for baseURL. A nil hc uses a client with
// [defaultHTTPTimeout].
func NewClient(baseURL string, creds Credentials, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		hc:      hc,
	}
}

// HTTPDialer dials [Client]s against one server URL.
type HTTPDialer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Dial implements [Dialer]. It probes the folder listing so that bad
// credentials fail here rather than mid-pass.
func (d HTTPDialer) Dial(ctx context.Context, creds Credentials) (Service, error) {
	c := NewClient(d.BaseURL, creds, d.HTTPClient)
	if _, err := c.ListCalendarFolders(ctx); err != nil {
		return nil, fmt.Errorf("dial %s as %s: %w", d.BaseURL, creds.Login(), err)
	}
	return c, nil
}

// do sends one request and decodes a JSON response into out when out is
// non-nil. Status codes map to the package sentinel errors.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.creds.Login(), c.creds.Password)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w: %w", method, path, ErrMalformed, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	var e struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&e)
	if e.Message != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, e.Message)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

func escape(id string) string { return url.PathEscape(id) }

// ListCalendarFolders implements [Service].
func (c *Client) ListCalendarFolders(ctx context.Context) ([]Folder, error) {
	var out struct {
		Folders []Folder `json:"folders"`
	}
	if err := c.do(ctx, http.MethodGet, "/folders", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Folders, nil
}

// GetFolder implements [Service].
func (c *Client) GetFolder(ctx context.Context, folderID string) (*Folder, error) {
	var f Folder
	if err := c.do(ctx, http.MethodGet, "/folders/"+escape(folderID), nil, nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// FindItems implements [Service].
func (c *Client) FindItems(ctx context.Context, folderID string, since time.Time, page Page) ([]*Item, bool, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	q.Set("offset", strconv.Itoa(page.Offset))
	if page.Size > 0 {
		q.Set("limit", strconv.Itoa(page.Size))
	}
	var out struct {
		Items []*Item `json:"items"`
		More  bool    `json:"more"`
	}
	if err := c.do(ctx, http.MethodGet, "/folders/"+escape(folderID)+"/items", q, nil, &out); err != nil {
		return nil, false, err
	}
	return out.Items, out.More, nil
}

// SyncDelta implements [Service].
func (c *Client) SyncDelta(ctx context.Context, folderID, cursor string) (*DeltaPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page DeltaPage
	if err := c.do(ctx, http.MethodGet, "/folders/"+escape(folderID)+"/sync", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Subscribe implements [Service].
func (c *Client) Subscribe(ctx context.Context, folderIDs []string, events []EventType, timeout time.Duration) (*Subscription, error) {
	in := struct {
		Folders        []string    `json:"folders"`
		Events         []EventType `json:"events"`
		TimeoutMinutes int         `json:"timeout_minutes"`
	}{
		Folders:        folderIDs,
		Events:         events,
		TimeoutMinutes: int(timeout / time.Minute),
	}
	var sub Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", nil, in, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Poll implements [Service]. The subscription's watermark advances to the
// one returned by the server.
func (c *Client) Poll(ctx context.Context, sub *Subscription) (*Notifications, error) {
	if sub == nil {
		return nil, errors.New("poll: nil subscription")
	}
	q := url.Values{}
	if sub.Watermark != "" {
		q.Set("watermark", sub.Watermark)
	}
	var n Notifications
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+escape(sub.ID)+"/events", q, nil, &n); err != nil {
		return nil, err
	}
	if n.Watermark != "" {
		sub.Watermark = n.Watermark
	}
	return &n, nil
}

// Unsubscribe implements [Service].
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+escape(sub.ID), nil, nil, nil)
}

// GetItem implements [Service].
func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var it Item
	if err := c.do(ctx, http.MethodGet, "/items/"+escape(itemID), nil, nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// FindOccurrence implements [Service].
func (c *Client) FindOccurrence(ctx context.Context, masterID string, originalStart time.Time) (*Item, error) {
	q := url.Values{"original_start": {originalStart.UTC().Format(time.RFC3339)}}
	var it Item
	if err := c.do(ctx, http.MethodGet, "/items/"+escape(masterID)+"/occurrence", q, nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// Save implements [Service].
func (c *Client) Save(ctx context.Context, item *Item, folderID string) (*Item, error) {
	var saved Item
	if err := c.do(ctx, http.MethodPost, "/folders/"+escape(folderID)+"/items", nil, item, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// Update implements [Service].
func (c *Client) Update(ctx context.Context, item *Item) (*Item, error) {
	if item.ID == "" {
		return nil, errors.New("update: item has no id")
	}
	var saved Item
	if err := c.do(ctx, http.MethodPut, "/items/"+escape(item.ID), nil, item, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// Delete implements [Service]. A soft delete moves the item to the
// server's deleted-items folder.
func (c *Client) Delete(ctx context.Context, itemID string, hard bool) error {
	q := url.Values{"hard": {strconv.FormatBool(hard)}}
	return c.do(ctx, http.MethodDelete, "/items/"+escape(itemID), q, nil, nil)
}
