// Package ytscrape resolves vanity channel URLs by fetching the public
// channel page, which is the only way to turn a bare slug into a
// channel ID or username without burning search quota.
package ytscrape

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"fknsrs.biz/p/sixdegrees/internal/ctxhttpclient"
)

// consentCookie sidesteps the consent-wall redirect that otherwise
// replaces the channel page for cookieless clients.
const consentCookie = "CONSENT=YES+cb.20210328-17-p0.en+FX+419"

type VanityResult struct {
	// IsUsername is true when the slug turned out to be a legacy
	// username; Username carries it and ChannelID is empty.
	IsUsername bool
	Username   string

	// ChannelID and CanonicalURL are set when the slug resolved to a
	// real channel page.
	ChannelID    string
	CanonicalURL string
}

// ResolveVanity fetches the channel page for a bare URL slug and works
// out what the slug actually names. A non-200 response or a page
// without a canonical og:url meta tag is an error; negative results are
// never cached, so failing loudly here is fine.
func ResolveVanity(ctx context.Context, slug string) (*VanityResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.youtube.com/"+slug, nil)
	if err != nil {
		return nil, fmt.Errorf("ytscrape.ResolveVanity: could not construct request: %w", err)
	}
	req.Header.Set("cookie", consentCookie)

	res, err := ctxhttpclient.GetHTTPClient(ctx).Do(req)
	if err != nil {
		return nil, fmt.Errorf("ytscrape.ResolveVanity: could not fetch channel page: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ytscrape.ResolveVanity: unexpected status code %d for slug %q", res.StatusCode, slug)
	}

	// the request URL after any redirects tells us whether this slug
	// is really a legacy username
	finalURL := req.URL.String()
	if res.Request != nil && res.Request.URL != nil {
		finalURL = res.Request.URL.String()
	}

	if strings.Contains(finalURL, "/user/") {
		username := finalURL[strings.LastIndex(finalURL, "/")+1:]
		if username == "" {
			return nil, fmt.Errorf("ytscrape.ResolveVanity: could not extract username from final url %q", finalURL)
		}

		return &VanityResult{IsUsername: true, Username: username}, nil
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("ytscrape.ResolveVanity: could not parse channel page: %w", err)
	}

	canonicalURL, ok := doc.Find("meta[property='og:url']").Attr("content")
	if !ok || canonicalURL == "" {
		return nil, fmt.Errorf("ytscrape.ResolveVanity: no canonical url meta tag for slug %q", slug)
	}

	channelID := canonicalURL[strings.LastIndex(canonicalURL, "/")+1:]
	if channelID == "" {
		return nil, fmt.Errorf("ytscrape.ResolveVanity: could not extract channel id from canonical url %q", canonicalURL)
	}

	return &VanityResult{ChannelID: channelID, CanonicalURL: canonicalURL}, nil
}

// ResolveRedirect follows a shortened link and reports the final URL it
// lands on.
func ResolveRedirect(ctx context.Context, shortURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shortURL, nil)
	if err != nil {
		return "", fmt.Errorf("ytscrape.ResolveRedirect: could not construct request: %w", err)
	}

	res, err := ctxhttpclient.GetHTTPClient(ctx).Do(req)
	if err != nil {
		return "", fmt.Errorf("ytscrape.ResolveRedirect: could not fetch link: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 400 {
		return "", fmt.Errorf("ytscrape.ResolveRedirect: unexpected status code %d for link %q", res.StatusCode, shortURL)
	}

	if res.Request != nil && res.Request.URL != nil {
		return res.Request.URL.String(), nil
	}

	return shortURL, nil
}
