// Package bili talks to the Bilibili web APIs and converts their payloads into
// typed snapshots.
package bili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"bilirelay/pkg/logx"
)

const (
	DefaultFeedURL   = "https://api.bilibili.com/x/polymer/web-dynamic/v1/feed/space"
	DefaultLiveURL   = "https://api.live.bilibili.com/xlive/web-room/v1/index/getInfoByRoom"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	maxBody = 8 << 20
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	UID       string
	RoomID    string
	SESSDATA  string
	UserAgent string
	Timeout   time.Duration

	Attempts   uint
	RetryDelay time.Duration

	FeedURL string
	LiveURL string

	HTTPClient *http.Client
}

// Client fetches raw snapshot payloads.
type Client struct {
	opt  Options
	http *http.Client
	log  logx.Logger
}

// APIError is a well-formed response whose envelope code is not zero.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bili api code %d: %s", e.Code, e.Message)
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bili http %d for %s", e.Status, e.URL)
}

var ErrNotConfigured = errors.New("bili: source not configured")

func New(opt Options, log logx.Logger) *Client {
	if opt.UserAgent == "" {
		opt.UserAgent = DefaultUserAgent
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.Attempts == 0 {
		opt.Attempts = 3
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = time.Second
	}
	if opt.FeedURL == "" {
		opt.FeedURL = DefaultFeedURL
	}
	if opt.LiveURL == "" {
		opt.LiveURL = DefaultLiveURL
	}
	hc := opt.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opt.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{opt: opt, http: hc, log: log.With(logx.String("comp", "bili"))}
}

// FetchFeed returns the raw data payload of the watched account's dynamics.
func (c *Client) FetchFeed(ctx context.Context) ([]byte, error) {
	if c.opt.UID == "" {
		return nil, fmt.Errorf("fetch feed: %w", ErrNotConfigured)
	}
	u, err := withQuery(c.opt.FeedURL, "host_mid", c.opt.UID)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, "feed", u)
}

// FetchLiveRoom returns the raw data payload of the watched live room.
func (c *Client) FetchLiveRoom(ctx context.Context) ([]byte, error) {
	if c.opt.RoomID == "" {
		return nil, fmt.Errorf("fetch live room: %w", ErrNotConfigured)
	}
	u, err := withQuery(c.opt.LiveURL, "room_id", c.opt.RoomID)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, "live", u)
}

func withQuery(base, key, val string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", base, err)
	}
	q := u.Query()
	q.Set(key, val)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) fetch(ctx context.Context, what, target string) ([]byte, error) {
	var data []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", c.opt.UserAgent)
			req.Header.Set("Accept", "application/json, text/plain, */*")
			req.Header.Set("Referer", "https://www.bilibili.com/")
			if c.opt.SESSDATA != "" {
				req.AddCookie(&http.Cookie{Name: "SESSDATA", Value: c.opt.SESSDATA})
			}

			start := time.Now()
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			c.log.Debug("http request completed",
				logx.String("what", what),
				logx.Int("status", resp.StatusCode),
				logx.Duration("took", time.Since(start)),
			)

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
				return &StatusError{URL: target, Status: resp.StatusCode}
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			var env envelope
			if err := json.Unmarshal(body, &env); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode envelope: %w", err))
			}
			if env.Code != 0 {
				return retry.Unrecoverable(&APIError{Code: env.Code, Message: env.Message})
			}
			if len(env.Data) == 0 || strings.TrimSpace(string(env.Data)) == "null" {
				return retry.Unrecoverable(fmt.Errorf("%s: %w", what, ErrEmptyPayload))
			}
			data = env.Data
			return nil
		},
		retry.Attempts(c.opt.Attempts),
		retry.Delay(c.opt.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.opt.RetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Info("retrying fetch", logx.String("what", what), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status == http.StatusTooManyRequests || se.Status >= 500
			}
			return true
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", what, err)
	}
	return data, nil
}
