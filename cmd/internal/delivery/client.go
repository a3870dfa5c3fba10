package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultClientTimeout = 10 * time.Second

// StatusError is a non-2xx answer from the delivery API.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("delivery: http %d", e.Status)
	}
	return fmt.Sprintf("delivery: http %d: %s: %s", e.Status, e.Code, e.Message)
}

// Client acknowledges deliveries over HTTP as one user. It implements the
// reconciler's DeliveryAPI.
type Client struct {
	base   *url.URL
	userID int64
	http   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient builds a Client for the service rooted at baseURL.
func NewClient(baseURL string, userID int64, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("delivery: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("delivery: base url must be http(s), got %q", baseURL)
	}
	if userID <= 0 {
		return nil, OpError{Op: "delivery.NewClient", Kind: ErrInvalidInput, Msg: "user_id must be positive"}
	}

	c := &Client{
		base:   u,
		userID: userID,
		http:   &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// PutDeliveredUpTo records that messages up to messageID reached the user.
func (c *Client) PutDeliveredUpTo(ctx context.Context, threadID, messageID int64) error {
	if err := validate("delivery.Client.PutDeliveredUpTo", threadID, c.userID, messageID); err != nil {
		return err
	}

	body, err := json.Marshal(putRequest{MessageID: messageID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.markURL(threadID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, strconv.FormatInt(c.userID, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delivery: put: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return decodeStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Get fetches the user's current mark for threadID.
func (c *Client) Get(ctx context.Context, threadID int64) (Mark, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.markURL(threadID), nil)
	if err != nil {
		return Mark{}, err
	}
	req.Header.Set(UserHeader, strconv.FormatInt(c.userID, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return Mark{}, fmt.Errorf("delivery: get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return Mark{}, OpError{Op: "delivery.Client.Get", Kind: ErrNotFound}
	}
	if resp.StatusCode/100 != 2 {
		return Mark{}, decodeStatusError(resp)
	}

	var m Mark
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Mark{}, fmt.Errorf("delivery: decode mark: %w", err)
	}
	return m, nil
}

func (c *Client) markURL(threadID int64) string {
	return c.base.JoinPath("api", "v1", "booking-requests", strconv.FormatInt(threadID, 10), "delivered").String()
}

func decodeStatusError(resp *http.Response) error {
	se := &StatusError{Status: resp.StatusCode}
	var env errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&env); err == nil {
		se.Code = env.Error.Code
		se.Message = env.Error.Message
	}
	return se
}

// IsStatus reports whether err is a StatusError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
