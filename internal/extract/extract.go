// Package extract pulls candidate channel references out of video titles
// and descriptions. Everything here is text processing; the only network
// access is link expansion, which goes through a caller-supplied resolver.
package extract

import (
	"context"
	"regexp"
	"strings"

	"fknsrs.biz/p/sixdegrees/internal/ctxlogger"
)

var (
	channelIDRE    = regexp.MustCompile(`youtube\.com/channel/([a-zA-Z0-9_\-]+)`)
	usernameRE     = regexp.MustCompile(`youtube\.com/user/([\w\-]+)`)
	customSlugRE   = regexp.MustCompile(`youtube\.com/c/([\w\-]+)`)
	bareSlugRE     = regexp.MustCompile(`youtube\.com/([\w\-]+\s)`)
	watchVideoRE   = regexp.MustCompile(`youtube\.com/watch\?v=([a-zA-Z0-9_\-]+)`)
	shortVideoRE   = regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_\-]+)`)
	shortenedURLRE = regexp.MustCompile(`https?://bit\.ly/[\w\-]+`)
)

// TaggedTitles finds free-text "@Name" tags in a video title. Tags start
// with @ but have no end delimiter; the end is assumed to be the next @
// or the end of the string. Punctuation that commonly rides along with
// tags is stripped first, as is "@ " (an @ followed by a space is noise,
// not a tag marker). The stripping order matters and is load-bearing for
// how ambiguous titles come out.
func TaggedTitles(title string) []string {
	for _, illegal := range []string{"(", ")", ",", "@ "} {
		title = strings.ReplaceAll(title, illegal, "")
	}

	if !strings.Contains(title, "@") {
		return nil
	}

	var a []string
	for _, s := range strings.Split(title, "@")[1:] {
		if s = strings.TrimSpace(s); s != "" {
			a = appendUnique(a, s)
		}
	}

	return a
}

// ChannelIDs returns channel IDs linked in a description via full
// channel URLs.
func ChannelIDs(description string) []string {
	return captures(description, channelIDRE)
}

// Usernames returns legacy usernames linked in a description via
// user URLs.
func Usernames(description string) []string {
	return captures(description, usernameRE)
}

// URLSlugs returns vanity URL slugs linked in a description. The
// specific /c/ form is matched first, then bare platform.com/<slug>
// links. The bare pattern requires trailing whitespace after the slug,
// otherwise it would pick up the "c" path segment of the specific form;
// this also means a bare slug at the very end of a description is
// missed.
func URLSlugs(description string) []string {
	a := captures(description, customSlugRE)

	for _, s := range captures(description, bareSlugRE) {
		a = appendUnique(a, strings.TrimSpace(s))
	}

	return a
}

// VideoIDs returns video IDs linked in a description via watch URLs or
// short URLs.
func VideoIDs(description string) []string {
	a := captures(description, watchVideoRE)

	for _, s := range captures(description, shortVideoRE) {
		a = appendUnique(a, s)
	}

	return a
}

// LinkResolver follows a shortened link to its final destination URL.
type LinkResolver interface {
	ResolveLink(ctx context.Context, shortURL string) (string, error)
}

type LinkResolverFunc func(ctx context.Context, shortURL string) (string, error)

func (f LinkResolverFunc) ResolveLink(ctx context.Context, shortURL string) (string, error) {
	return f(ctx, shortURL)
}

// ExpandShortLinks removes shortened-service links from a description
// and appends each link's resolved destination to the end, space padded,
// so the URL extraction passes see the expanded form. A link that fails
// to resolve is logged and dropped; the rest of the description is still
// processed. Callers are responsible for running this at most once per
// video.
func ExpandShortLinks(ctx context.Context, description string, r LinkResolver) string {
	links := shortenedURLRE.FindAllString(description, -1)
	if len(links) == 0 {
		return description
	}

	out := shortenedURLRE.ReplaceAllString(description, "")

	for _, link := range links {
		resolved, err := r.ResolveLink(ctx, link)
		if err != nil {
			ctxlogger.GetLogger(ctx).WithError(err).WithField("link", link).Warn("could not resolve shortened link")
			continue
		}

		out += " " + resolved + " "
	}

	return out
}

// TitlePrefixes expands a tag string into every prefix of its
// whitespace-split words, longest first. "Halocene ft." becomes
// ["Halocene ft.", "Halocene"]. There is no delimiter marking where a
// multi-word tag ends, so resolution tries each in turn.
func TitlePrefixes(tag string) []string {
	words := strings.Fields(tag)

	a := make([]string, 0, len(words))
	for i := len(words); i > 0; i-- {
		a = append(a, strings.Join(words[:i], " "))
	}

	return a
}

func captures(s string, re *regexp.Regexp) []string {
	var a []string

	for _, m := range re.FindAllStringSubmatch(s, -1) {
		a = appendUnique(a, m[1])
	}

	return a
}

func appendUnique(a []string, s string) []string {
	for _, e := range a {
		if e == s {
			return a
		}
	}

	return append(a, s)
}
