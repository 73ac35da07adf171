package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"offline0/internal/exchange"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// precacheManifest returns the configured precache paths followed by the
// paths listed in the configured sitemaps, without duplicates. A sitemap that
// cannot be read is logged and skipped.
func (s *Service) precacheManifest(ctx context.Context) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range s.cfg.Cache.Precache {
		add(strings.TrimSpace(p))
	}
	if len(s.cfg.Cache.PrecacheSitemaps) == 0 {
		return out
	}

	found, err := s.discoverSitemapPaths(ctx)
	if err != nil {
		s.log.WithError(err).Warn("sitemap discovery incomplete")
	}
	before := len(out)
	for _, p := range found {
		add(p)
	}
	s.log.WithFields(logrus.Fields{"discovered": len(found), "added": len(out) - before}).Info("precache manifest expanded from sitemaps")
	return out
}

func (s *Service) discoverSitemapPaths(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Cache.PrecacheSitemaps))
	for _, sm := range s.cfg.Cache.PrecacheSitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, s.originURL(sm))
	}

	var paths []string
	var failed []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return paths, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			s.log.WithField("sitemap", smURL).WithError(err).Warn("sitemap skipped")
			failed = append(failed, smURL)
			continue
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.originURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			if p := normalizePathFromLoc(loc); p != "" {
				paths = append(paths, p)
			}
		}
		s.log.WithFields(logrus.Fields{"sitemap": smURL, "urls": len(doc.URLs), "nested": len(doc.Sitemaps)}).Debug("sitemap read")
	}

	if len(failed) > 0 {
		return paths, fmt.Errorf("%d sitemap(s) unreadable: %s", len(failed), strings.Join(failed, ", "))
	}
	return paths, nil
}

// originURL makes u absolute against the backend origin.
func (s *Service) originURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	resp, err := s.fetcher.Fetch(ctx, exchange.Request{Method: http.MethodGet, URL: sitemapURL}, s.cfg.Timeout())
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		return sitemapDoc{}, fmt.Errorf("%s: unexpected status %d", sitemapURL, resp.Status)
	}
	body := resp.Body

	// A .gz sitemap is served as raw gzip.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// normalizePathFromLoc keeps the path and query of a sitemap location.
func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	p := u.EscapedPath()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
