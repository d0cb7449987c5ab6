package extract

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var taggedTitlesTests = []struct {
	name   string
	input  string
	output []string
}{
	{
		name:   "single tag",
		input:  "Crucified Barbara - Into The Fire @SoloDarlings",
		output: []string{"SoloDarlings"},
	},
	{
		name:   "multiple tags",
		input:  "Bring Me To Life @Halocene @Violet Orlandi",
		output: []string{"Halocene", "Violet Orlandi"},
	},
	{
		name:   "tags inside parentheses",
		input:  "Unity (ft. @Adam Christopher & @Halocene)",
		output: []string{"Adam Christopher &", "Halocene"},
	},
	{
		name:   "at followed by space is not a tag",
		input:  "Live @ Home (Cover) @Halocene",
		output: []string{"Halocene"},
	},
	{
		name:   "commas stripped from tag text",
		input:  "Zombie @Halocene, @Lauren Babic",
		output: []string{"Halocene", "Lauren Babic"},
	},
	{
		name:   "no tags",
		input:  "Just a regular video title",
		output: nil,
	},
	{
		name:   "tag end is the next tag or end of string",
		input:  "Duet @Halocene with @Halocene",
		output: []string{"Halocene with", "Halocene"},
	},
	{
		name:   "duplicate tags collapse",
		input:  "Cover @Halocene @Halocene",
		output: []string{"Halocene"},
	},
	{
		name:   "stripping order",
		input:  "Collab Song (ft. @Halocene @Violet Orlandi) live @ Wembley",
		output: []string{"Halocene", "Violet Orlandi live Wembley"},
	},
}

func TestTaggedTitles(t *testing.T) {
	for _, tc := range taggedTitlesTests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.output, TaggedTitles(tc.input))
		})
	}
}

var channelIDsTests = []struct {
	name   string
	input  string
	output []string
}{
	{
		name:   "full url",
		input:  "second channel: https://www.youtube.com/channel/UC1Ue7TuX3iH4y8-Qrjj-hyg",
		output: []string{"UC1Ue7TuX3iH4y8-Qrjj-hyg"},
	},
	{
		name:   "bare domain and duplicate",
		input:  "youtube.com/channel/UCabc_-123 and again youtube.com/channel/UCabc_-123",
		output: []string{"UCabc_-123"},
	},
	{
		name:   "none",
		input:  "no links here",
		output: nil,
	},
}

func TestChannelIDs(t *testing.T) {
	for _, tc := range channelIDsTests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.output, ChannelIDs(tc.input))
		})
	}
}

var usernamesTests = []struct {
	name   string
	input  string
	output []string
}{
	{
		name:   "with query string",
		input:  "subscribe! https://www.youtube.com/user/halocene?sub_confirmation=1",
		output: []string{"halocene"},
	},
	{
		name:   "not confused by channel links",
		input:  "youtube.com/channel/UCxyz youtube.com/user/somebody",
		output: []string{"somebody"},
	},
}

func TestUsernames(t *testing.T) {
	for _, tc := range usernamesTests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.output, Usernames(tc.input))
		})
	}
}

var urlSlugsTests = []struct {
	name   string
	input  string
	output []string
}{
	{
		name:   "specific form",
		input:  "more covers at https://www.youtube.com/c/Halocene !",
		output: []string{"Halocene"},
	},
	{
		name:   "bare form needs trailing whitespace",
		input:  "more covers at https://www.youtube.com/OfficialHalocene right here",
		output: []string{"OfficialHalocene"},
	},
	{
		name:   "bare form at end of text is missed",
		input:  "more covers at https://www.youtube.com/OfficialHalocene",
		output: nil,
	},
	{
		name:   "bare form does not eat other url kinds",
		input:  "youtube.com/watch?v=abcdef youtube.com/user/halocene youtube.com/c/Halocene extra",
		output: []string{"Halocene"},
	},
	{
		name:   "both forms together",
		input:  "youtube.com/c/Halocene and youtube.com/VioletOrlandi too",
		output: []string{"Halocene", "VioletOrlandi"},
	},
}

func TestURLSlugs(t *testing.T) {
	for _, tc := range urlSlugsTests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.output, URLSlugs(tc.input))
		})
	}
}

var videoIDsTests = []struct {
	name   string
	input  string
	output []string
}{
	{
		name:   "watch and short urls",
		input:  "full video https://www.youtube.com/watch?v=dQw4w9WgXcQ or https://youtu.be/abc_-123",
		output: []string{"dQw4w9WgXcQ", "abc_-123"},
	},
	{
		name:   "same id in both forms",
		input:  "youtube.com/watch?v=dQw4w9WgXcQ youtu.be/dQw4w9WgXcQ",
		output: []string{"dQw4w9WgXcQ"},
	},
}

func TestVideoIDs(t *testing.T) {
	for _, tc := range videoIDsTests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.output, VideoIDs(tc.input))
		})
	}
}

func TestExpandShortLinks(t *testing.T) {
	resolver := LinkResolverFunc(func(ctx context.Context, shortURL string) (string, error) {
		switch shortURL {
		case "https://bit.ly/halocene":
			return "https://www.youtube.com/c/Halocene", nil
		case "http://bit.ly/violet":
			return "https://www.youtube.com/channel/UC1Ue7TuX3iH4y8-Qrjj-hyg", nil
		default:
			return "", fmt.Errorf("no such link")
		}
	})

	t.Run("expands all links", func(t *testing.T) {
		out := ExpandShortLinks(
			context.Background(),
			"guest https://bit.ly/halocene and http://bit.ly/violet thanks",
			resolver,
		)

		assert.Equal(t, "guest  and  thanks https://www.youtube.com/c/Halocene  https://www.youtube.com/channel/UC1Ue7TuX3iH4y8-Qrjj-hyg ", out)
	})

	t.Run("failed link dropped, rest kept", func(t *testing.T) {
		out := ExpandShortLinks(
			context.Background(),
			"see https://bit.ly/broken or https://bit.ly/halocene here",
			resolver,
		)

		assert.Equal(t, "see  or  here https://www.youtube.com/c/Halocene ", out)
	})

	t.Run("no links is a no-op", func(t *testing.T) {
		out := ExpandShortLinks(context.Background(), "nothing shortened in here", resolver)

		assert.Equal(t, "nothing shortened in here", out)
	})
}

var titlePrefixesTests = []struct {
	name   string
	input  string
	output []string
}{
	{
		name:   "two words",
		input:  "Halocene ft.",
		output: []string{"Halocene ft.", "Halocene"},
	},
	{
		name:   "three words longest first",
		input:  "First To Eleven",
		output: []string{"First To Eleven", "First To", "First"},
	},
	{
		name:   "single word",
		input:  "Halocene",
		output: []string{"Halocene"},
	},
	{
		name:   "empty",
		input:  "",
		output: []string{},
	},
}

func TestTitlePrefixes(t *testing.T) {
	for _, tc := range titlePrefixesTests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.output, TitlePrefixes(tc.input))
		})
	}
}
