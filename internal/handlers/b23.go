package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/KafClaw/chatgate/internal/bus"
)

var linkPattern = regexp.MustCompile(`https?://[^\s<>"'，。！？）)】]+`)

// Query parameters that change what is played; everything else is tracking.
var keepParams = map[string]bool{"p": true, "t": true, "page": true}

type linkCleaner struct {
	client *http.Client
}

func newLinkCleaner(base *http.Client) *linkCleaner {
	c := *base
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &linkCleaner{client: &c}
}

func isHost(host, domain string) bool {
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// StripTracking removes tracking parameters from a bilibili URL. Other URLs
// are returned unchanged.
func StripTracking(u *url.URL) *url.URL {
	if !isHost(u.Hostname(), "bilibili.com") {
		return u
	}
	out := *u
	q := u.Query()
	for k := range q {
		if !keepParams[k] {
			q.Del(k)
		}
	}
	out.RawQuery = q.Encode()
	return &out
}

// resolve follows one b23.tv redirect hop.
func (c *linkCleaner) resolve(ctx context.Context, u *url.URL) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", u.Host+u.Path, err)
	}
	resp.Body.Close()
	loc := resp.Header.Get("Location")
	if resp.StatusCode < 300 || resp.StatusCode >= 400 || loc == "" {
		return nil, fmt.Errorf("resolve %s: unexpected status %d", u.Host+u.Path, resp.StatusCode)
	}
	return u.Parse(loc)
}

// Clean returns the cleaned form of every bilibili or b23.tv link in text
// that carried tracking data.
func (c *linkCleaner) Clean(ctx context.Context, text string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range linkPattern.FindAllString(text, -1) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		target := u
		if isHost(u.Hostname(), "b23.tv") {
			if target, err = c.resolve(ctx, u); err != nil {
				return out, err
			}
		} else if !isHost(u.Hostname(), "bilibili.com") {
			continue
		}
		cleaned := StripTracking(target).String()
		if cleaned == raw || seen[cleaned] {
			continue
		}
		seen[cleaned] = true
		out = append(out, cleaned)
	}
	return out, nil
}

// FuckB23 replaces bilibili share links with their untracked form.
func (s *Set) FuckB23(ctx context.Context, evt *bus.InboundMessage) error {
	links, err := s.b23.Clean(ctx, evt.Text)
	if len(links) > 0 {
		if rerr := s.reply(ctx, evt, strings.Join(links, "\n")); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
