// Package seo provides sitemap discovery, used to seed the crawl frontier
// beyond a single entry URL, and outgoing-link extraction from a fetched page.
package seo

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/foofork/riptide/internal/types"
)

// SitemapURL represents a URL entry from a sitemap.
type SitemapURL struct {
	Loc        string  `xml:"loc" json:"loc"`
	LastMod    string  `xml:"lastmod,omitempty" json:"lastmod,omitempty"`
	ChangeFreq string  `xml:"changefreq,omitempty" json:"changefreq,omitempty"`
	Priority   float64 `xml:"priority,omitempty" json:"priority,omitempty"`
}

// Sitemap represents a parsed sitemap, possibly itself a sitemap index.
type Sitemap struct {
	URLs     []SitemapURL `xml:"url" json:"urls"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap" json:"sitemaps"`
}

// SitemapCrawler fetches and parses sitemaps.
type SitemapCrawler struct {
	client *http.Client
	logger *slog.Logger
}

// NewSitemapCrawler creates a new sitemap crawler.
func NewSitemapCrawler(logger *slog.Logger) *SitemapCrawler {
	return &SitemapCrawler{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "sitemap_crawler"),
	}
}

// Crawl fetches and parses a sitemap, recursively following sitemap indexes.
func (sc *SitemapCrawler) Crawl(sitemapURL string) ([]SitemapURL, error) {
	sc.logger.Info("crawling sitemap", "url", sitemapURL)

	resp, err := sc.client.Get(sitemapURL)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sitemap: %w", err)
	}

	var sitemap Sitemap
	if err := xml.Unmarshal(body, &sitemap); err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}

	allURLs := append([]SitemapURL{}, sitemap.URLs...)

	for _, sub := range sitemap.Sitemaps {
		subURLs, err := sc.Crawl(sub.Loc)
		if err != nil {
			sc.logger.Warn("sub-sitemap error", "url", sub.Loc, "error", err)
			continue
		}
		allURLs = append(allURLs, subURLs...)
	}

	sc.logger.Info("sitemap crawled", "url", sitemapURL, "urls", len(allURLs))
	return allURLs, nil
}

// DiscoverSitemap probes the conventional sitemap locations for a domain.
func (sc *SitemapCrawler) DiscoverSitemap(domain string) string {
	candidates := []string{
		"https://" + domain + "/sitemap.xml",
		"https://" + domain + "/sitemap_index.xml",
	}

	for _, u := range candidates {
		resp, err := sc.client.Head(u)
		if err == nil && resp.StatusCode == 200 {
			return u
		}
	}
	return ""
}

// Backlink represents a discovered outgoing link.
type Backlink struct {
	SourceURL  string `json:"source_url"`
	TargetURL  string `json:"target_url"`
	AnchorText string `json:"anchor_text"`
	NoFollow   bool   `json:"nofollow"`
	External   bool   `json:"external"`
}

// ExtractBacklinks extracts all outgoing links from a rendered page, resolved
// against the page's own URL. The crawl engine does not call it; frontier
// links come from the parsers.
func ExtractBacklinks(resp *types.Response) ([]Backlink, error) {
	doc, err := resp.Document()
	if err != nil {
		return nil, err
	}

	sourceURL := resp.Request.URLString()
	sourceParsed, _ := url.Parse(sourceURL)

	var backlinks []Backlink

	doc.Find("a[href]").Each(func(i int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}

		parsed, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := sourceParsed.ResolveReference(parsed)

		rel, _ := sel.Attr("rel")
		nofollow := strings.Contains(rel, "nofollow")
		external := resolved.Host != sourceParsed.Host

		backlinks = append(backlinks, Backlink{
			SourceURL:  sourceURL,
			TargetURL:  resolved.String(),
			AnchorText: strings.TrimSpace(sel.Text()),
			NoFollow:   nofollow,
			External:   external,
		})
	})

	return backlinks, nil
}
