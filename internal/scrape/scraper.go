// Package scrape extracts relationships from public profile pages that the
// JSON API does not expose: the owner's X account link and the "similar
// agents" block.
package scrape

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Profile is what a profile page scrape yields. Zero fields mean the page
// simply did not carry that block.
type Profile struct {
	Agent   string
	XHandle string
	XURL    string
	Similar []string
}

// Config controls the scraper.
type Config struct {
	// BaseURL is the web origin serving profile pages, e.g.
	// https://www.moltbook.com.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Scraper fetches and parses agent profile pages.
type Scraper struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a scraper.
func New(cfg Config, logger *zap.Logger) *Scraper {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "moltgraph-crawler/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{cfg: cfg, logger: logger.Named("scrape")}
}

// Profile scrapes one agent's public page. A fresh collector per call keeps
// handler state isolated.
func (s *Scraper) Profile(agent string) (Profile, error) {
	result := Profile{Agent: agent}
	seen := map[string]bool{}

	c := colly.NewCollector(
		colly.UserAgent(s.cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(s.cfg.Timeout)

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if href == "" {
			return
		}
		if handle, ok := xHandle(href); ok && result.XHandle == "" {
			result.XHandle = handle
			result.XURL = e.Request.AbsoluteURL(href)
			return
		}
		if name, ok := profileLink(href); ok && name != agent && !seen[name] {
			seen[name] = true
			result.Similar = append(result.Similar, name)
		}
	})

	target := fmt.Sprintf("%s/u/%s", strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(agent))
	if err := c.Visit(target); err != nil {
		return Profile{}, fmt.Errorf("scrape profile %q: %w", agent, err)
	}
	c.Wait()

	s.logger.Debug("profile scraped",
		zap.String("agent", agent),
		zap.String("x_handle", result.XHandle),
		zap.Int("similar", len(result.Similar)))
	return result, nil
}

// xHandle extracts the account name from an x.com or twitter.com link.
func xHandle(href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "x.com" && host != "twitter.com" {
		return "", false
	}
	handle := strings.Trim(u.Path, "/")
	if handle == "" || strings.Contains(handle, "/") {
		return "", false
	}
	switch strings.ToLower(handle) {
	case "intent", "share", "home", "search":
		return "", false
	}
	return strings.TrimPrefix(handle, "@"), true
}

// profileLink extracts the agent name from a /u/<name> link on the same
// site. External hosts are rejected.
func profileLink(href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Host != "" && !strings.Contains(strings.ToLower(u.Host), "moltbook") {
		return "", false
	}
	p := path.Clean(u.Path)
	if !strings.HasPrefix(p, "/u/") {
		return "", false
	}
	name := strings.TrimPrefix(p, "/u/")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
