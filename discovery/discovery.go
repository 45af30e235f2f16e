// Package discovery finds the hub and canonical URL advertised by a WebSub topic.
package discovery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/tomnomnom/linkheader"
)

var (
	ErrNoHub = errors.New("topic does not advertise a hub")
)

var (
	contentClient = &http.Client{
		Timeout: 30 * time.Second,
	}
)

// Links are the discovered hub and self URLs of a topic.
type Links struct {
	Hub  string
	Self string
}

// Discover fetches topicURL and returns the advertised links. HTTP Link headers
// take precedence over <link> elements in HTML or Atom bodies.
// client may be nil to use a default client.
func Discover(ctx context.Context, client *http.Client, topicURL string) (*Links, error) {
	if client == nil {
		client = contentClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topicURL, nil)

	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	res, err := client.Do(req)

	if err != nil {
		return nil, errors.Wrap(err, "fetch topic")
	}

	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, errors.Errorf("fetch topic: status %d", res.StatusCode)
	}

	links := &Links{}

	for _, link := range linkheader.ParseMultiple(res.Header.Values("Link")) {
		switch link.Rel {
		case "hub":
			if links.Hub == "" {
				links.Hub = link.URL
			}
		case "self":
			if links.Self == "" {
				links.Self = link.URL
			}
		}
	}

	if links.Hub == "" || links.Self == "" {
		data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))

		if err != nil {
			return nil, errors.Wrap(err, "read topic")
		}

		if err := fromDocument(links, data); err != nil {
			return nil, err
		}
	}

	if links.Hub == "" {
		return nil, ErrNoHub
	}

	if links.Self == "" {
		links.Self = topicURL
	}

	base := res.Request.URL
	links.Hub = resolve(base, links.Hub)
	links.Self = resolve(base, links.Self)

	return links, nil
}

// fromDocument fills empty links from <link rel="..."> elements.
func fromDocument(links *Links, data []byte) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))

	if err != nil {
		return errors.Wrap(err, "parse topic")
	}

	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")

		if !ok || href == "" {
			return
		}

		for _, rel := range strings.Fields(s.AttrOr("rel", "")) {
			switch strings.ToLower(rel) {
			case "hub":
				if links.Hub == "" {
					links.Hub = href
				}
			case "self":
				if links.Self == "" {
					links.Self = href
				}
			}
		}
	})

	return nil
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)

	if err != nil || base == nil {
		return ref
	}

	return base.ResolveReference(u).String()
}
