// Package collyscraper implements crawler.Scraper for HTML listing pages using
// gocolly and configurable CSS selectors.
package collyscraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

// Selectors locate listing fields inside a search results page. Item is
// required; field selectors are evaluated relative to each item.
type Selectors struct {
	Item        string `mapstructure:"item"`
	Title       string `mapstructure:"title"`
	URL         string `mapstructure:"url"`
	Description string `mapstructure:"description"`
	Budget      string `mapstructure:"budget"`
	Skills      string `mapstructure:"skills"`
	PostedAt    string `mapstructure:"posted_at"`
	ExternalID  string `mapstructure:"external_id"`
	// Empty matches the "no results" marker of a page. When set, a page with
	// no items and no marker is treated as a layout change.
	Empty string `mapstructure:"empty"`
}

// Config controls one platform's collector.
type Config struct {
	Platform      string
	BaseURL       string
	SearchPath    string
	QueryParam    string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Selectors     Selectors
	// DescriptionMarkdown keeps the description's markup as Markdown instead
	// of flattening it to text.
	DescriptionMarkdown bool
}

// Scraper scrapes one platform's search results page.
type Scraper struct {
	cfg           Config
	baseCollector *colly.Collector
	md            *converter.Converter
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// pageState accumulates one visit's output.
type pageState struct {
	records    []crawler.ProjectRecord
	matched    int
	emptyMark  bool
	statusCode int
	err        error
}

// New builds a Scraper.
func New(cfg Config) (*Scraper, error) {
	if cfg.Platform == "" {
		return nil, errors.New("platform name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("platform %s: base url is required", cfg.Platform)
	}
	if cfg.Selectors.Item == "" {
		return nil, fmt.Errorf("platform %s: item selector is required", cfg.Platform)
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "q"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	s := &Scraper{cfg: cfg, baseCollector: c}
	if cfg.DescriptionMarkdown {
		s.md = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		)
	}
	return s, nil
}

// Scrape visits the search page for searchTerm and extracts up to maxResults
// listings.
func (s *Scraper) Scrape(ctx context.Context, searchTerm string, maxResults int) ([]crawler.ProjectRecord, error) {
	target, err := s.SearchURL(searchTerm)
	if err != nil {
		return nil, err
	}

	state := &pageState{}
	collector := s.baseCollector.Clone()
	s.configureCollectorHooks(collector, searchTerm, maxResults, time.Now().UTC(), state)

	if err := s.runCollector(ctx, collector, target, state); err != nil {
		return nil, err
	}
	return state.records, nil
}

// SearchURL builds the search page URL for term.
func (s *Scraper) SearchURL(term string) (string, error) {
	target, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if s.cfg.SearchPath != "" {
		ref, err := url.Parse(s.cfg.SearchPath)
		if err != nil {
			return "", fmt.Errorf("parse search path: %w", err)
		}
		target = target.ResolveReference(ref)
	}
	q := target.Query()
	q.Set(s.cfg.QueryParam, term)
	target.RawQuery = q.Encode()
	return target.String(), nil
}

func (s *Scraper) configureCollectorHooks(
	hooks collectorHooks,
	searchTerm string,
	maxResults int,
	scrapedAt time.Time,
	state *pageState,
) {
	sel := s.cfg.Selectors

	hooks.OnHTML(sel.Item, func(e *colly.HTMLElement) {
		state.matched++
		if maxResults > 0 && len(state.records) >= maxResults {
			return
		}
		rec, ok := s.extract(e, searchTerm, scrapedAt)
		if ok {
			state.records = append(state.records, rec)
		}
	})

	if sel.Empty != "" {
		hooks.OnHTML(sel.Empty, func(*colly.HTMLElement) {
			state.emptyMark = true
		})
	}

	hooks.OnResponse(func(r *colly.Response) {
		state.statusCode = r.StatusCode
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.statusCode = r.StatusCode
		}
		state.err = err
	})
}

func (s *Scraper) extract(e *colly.HTMLElement, searchTerm string, scrapedAt time.Time) (crawler.ProjectRecord, bool) {
	sel := s.cfg.Selectors
	title := strings.TrimSpace(childText(e, sel.Title))
	href := ""
	if sel.URL != "" {
		href = e.ChildAttr(sel.URL, "href")
	}
	if title == "" || href == "" {
		return crawler.ProjectRecord{}, false
	}

	rec := crawler.ProjectRecord{
		Platform:    s.cfg.Platform,
		Title:       title,
		URL:         e.Request.AbsoluteURL(href),
		Description: s.description(e),
		Budget:      strings.TrimSpace(childText(e, sel.Budget)),
		ScrapedAt:   scrapedAt,
		SearchTerm:  searchTerm,
	}
	if sel.ExternalID != "" {
		rec.ExternalID = strings.TrimSpace(e.ChildAttr(sel.ExternalID, "data-id"))
		if rec.ExternalID == "" {
			rec.ExternalID = strings.TrimSpace(e.ChildText(sel.ExternalID))
		}
	}
	if sel.Skills != "" {
		for _, skill := range e.ChildTexts(sel.Skills) {
			if skill = strings.TrimSpace(skill); skill != "" {
				rec.Skills = append(rec.Skills, skill)
			}
		}
	}
	if sel.PostedAt != "" {
		raw := e.ChildAttr(sel.PostedAt, "datetime")
		if raw == "" {
			raw = e.ChildText(sel.PostedAt)
		}
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
			ts = ts.UTC()
			rec.PostedAt = &ts
		}
	}
	return rec, true
}

func (s *Scraper) description(e *colly.HTMLElement) string {
	sel := s.cfg.Selectors.Description
	if s.md == nil || sel == "" {
		return strings.TrimSpace(childText(e, sel))
	}
	raw, err := e.DOM.Find(sel).First().Html()
	if err != nil || strings.TrimSpace(raw) == "" {
		return strings.TrimSpace(childText(e, sel))
	}
	out, err := s.md.ConvertString(raw, converter.WithDomain(e.Request.URL.String()))
	if err != nil {
		return strings.TrimSpace(childText(e, sel))
	}
	return strings.TrimSpace(out)
}

func childText(e *colly.HTMLElement, selector string) string {
	if selector == "" {
		return ""
	}
	return e.ChildText(selector)
}

func (s *Scraper) runCollector(ctx context.Context, collector *colly.Collector, target string, state *pageState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return s.platformError(crawler.Classify(ctx.Err()), 0, ctx.Err())
	case err := <-done:
		if state.err != nil {
			err = state.err
		}
		if err != nil {
			return s.classify(state.statusCode, err)
		}
	}

	switch {
	case state.matched > 0 && len(state.records) == 0:
		return s.platformError(crawler.KindParse, state.statusCode,
			fmt.Errorf("%d items matched %q but none had a title and url", state.matched, s.cfg.Selectors.Item))
	case state.matched == 0 && s.cfg.Selectors.Empty != "" && !state.emptyMark:
		return s.platformError(crawler.KindParse, state.statusCode,
			fmt.Errorf("neither %q nor %q matched", s.cfg.Selectors.Item, s.cfg.Selectors.Empty))
	}
	return nil
}

func (s *Scraper) classify(statusCode int, err error) error {
	if statusCode >= 300 {
		return s.platformError(crawler.KindForStatus(statusCode), statusCode, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return s.platformError(crawler.KindTimeout, statusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return s.platformError(crawler.KindTimeout, statusCode, err)
	}
	return s.platformError(crawler.KindNetwork, statusCode, err)
}

func (s *Scraper) platformError(kind crawler.ErrorKind, statusCode int, err error) error {
	return &crawler.PlatformError{
		Platform:   s.cfg.Platform,
		Kind:       kind,
		StatusCode: statusCode,
		Err:        err,
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
