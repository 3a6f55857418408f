// Package httpsource reads feed items from a JSON HTTP endpoint.
package httpsource

import (
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

	"github.com/lzyats/core-feed-go/pkg/feed"
)

// Breaker short-circuits calls to an upstream that keeps failing.
type Breaker interface {
	Allow(key string) bool
	Success(key string)
	Failure(key string) (opened bool)
}

var ErrBreakerOpen = errors.New("breaker open")

type Source struct {
	Client  *http.Client
	Name    string
	URL     string
	Breaker Breaker
	// Header is sent with every request (e.g. an API key).
	Header http.Header
}

func New(name, rawURL string, timeout time.Duration) *Source {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Source{
		Client: &http.Client{Timeout: timeout},
		Name:   name,
		URL:    strings.TrimRight(rawURL, "/"),
	}
}

func (s *Source) Type() string { return feed.KindHTTP }

// wireItem accepts the loose shapes upstreams send.
type wireItem struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	URL       string            `json:"url"`
	Link      string            `json:"link"`
	Summary   string            `json:"summary"`
	Timestamp json.RawMessage   `json:"timestamp"`
	Published json.RawMessage   `json:"published"`
	Priority  int               `json:"priority"`
	Meta      map[string]string `json:"meta"`
}

type envelope struct {
	Items []wireItem `json:"items"`
}

func (s *Source) FetchItems(ctx context.Context, q feed.Query) ([]feed.Item, error) {
	if s.Breaker != nil && !s.Breaker.Allow(s.Name) {
		return nil, fmt.Errorf("%s: %w", s.Name, ErrBreakerOpen)
	}
	items, err := s.fetch(ctx, q)
	if s.Breaker != nil {
		if err != nil {
			s.Breaker.Failure(s.Name)
		} else {
			s.Breaker.Success(s.Name)
		}
	}
	return items, err
}

func (s *Source) fetch(ctx context.Context, q feed.Query) ([]feed.Item, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, err
	}
	vals := u.Query()
	for k, v := range q.Filters {
		vals.Set(k, v)
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	u.RawQuery = vals.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s status=%d", s.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	wire, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", s.Name, err)
	}

	out := make([]feed.Item, 0, len(wire))
	for _, w := range wire {
		it := feed.Item{
			ID:         w.ID,
			SourceType: s.Type(),
			Title:      strings.TrimSpace(w.Title),
			URL:        firstNonEmpty(w.URL, w.Link),
			Summary:    w.Summary,
			Timestamp:  parseTime(w.Timestamp, w.Published),
			Priority:   w.Priority,
			Meta:       w.Meta,
		}
		if it.ID == "" {
			k := firstNonEmpty(it.URL, it.Title)
			if k == "" {
				continue
			}
			it.ID = feed.StableID(s.Name, k)
		}
		out = append(out, it)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// decode accepts {"items":[...]} or a bare array.
func decode(body []byte) ([]wireItem, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var arr []wireItem
		err := json.Unmarshal(body, &arr)
		return arr, err
	}
	var env envelope
	err := json.Unmarshal(body, &env)
	return env.Items, err
}

// parseTime takes RFC3339 strings or unix seconds/milliseconds.
func parseTime(raws ...json.RawMessage) time.Time {
	for _, raw := range raws {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
			continue
		}
		var n int64
		if json.Unmarshal(raw, &n) == nil && n > 0 {
			if n > 1e12 {
				return time.UnixMilli(n)
			}
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
