package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"fknsrs.biz/p/sixdegrees/internal/ctxcrawl"
	"fknsrs.biz/p/sixdegrees/internal/ctxtemplate"
	"fknsrs.biz/p/sixdegrees/internal/httputil"
	"fknsrs.biz/p/sixdegrees/internal/resolve"
	"fknsrs.biz/p/sixdegrees/internal/ytapi"
)

type graphNode struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type graphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Count  int    `json:"count"`
}

type collaborationRow struct {
	ChannelAExternalID string
	ChannelATitle      string
	ChannelBExternalID string
	ChannelBTitle      string
	VideoExternalID    string
}

// Graph runs a crawl for the named channel and renders the result as an
// interactive graph. Edge weight is the number of distinct videos the
// pair appeared on together.
func Graph(rw http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("channel")
	if name == "" {
		httputil.RedirectWithError(rw, r, "/", "Please enter a channel name.")
		return
	}

	result, err := ctxcrawl.GetCrawler(r.Context()).Run(r.Context(), name)
	if err != nil {
		var notFound *resolve.NotFoundError

		switch {
		case errors.As(err, &notFound):
			httputil.RedirectWithError(rw, r, "/", fmt.Sprintf("Could not find a channel named %q. Check the spelling and try again.", notFound.Term))
		case errors.Is(err, ytapi.ErrQuotaExhausted):
			httputil.RedirectWithError(rw, r, "/", "The service is running in a degraded state right now. Please try again later.")
		default:
			httputil.RedirectWithError(rw, r, "/", "Something went wrong building the graph. Please try again.")
		}

		return
	}

	channels := make(map[string]graphNode, len(result.Guests))
	for _, channel := range result.Guests {
		channels[channel.ExternalID] = graphNode{
			ID:           channel.ExternalID,
			Title:        channel.Title,
			ThumbnailURL: channel.ThumbnailURL,
		}
	}

	counts := make(map[[2]string]int)
	nodes := []graphNode{}
	seen := make(map[string]bool)
	rows := make([]collaborationRow, 0, len(result.Collaborations))

	for _, collaboration := range result.Collaborations {
		counts[[2]string{collaboration.ChannelAExternalID, collaboration.ChannelBExternalID}]++

		for _, id := range []string{collaboration.ChannelAExternalID, collaboration.ChannelBExternalID} {
			if !seen[id] {
				seen[id] = true
				nodes = append(nodes, channels[id])
			}
		}

		rows = append(rows, collaborationRow{
			ChannelAExternalID: collaboration.ChannelAExternalID,
			ChannelATitle:      channels[collaboration.ChannelAExternalID].Title,
			ChannelBExternalID: collaboration.ChannelBExternalID,
			ChannelBTitle:      channels[collaboration.ChannelBExternalID].Title,
			VideoExternalID:    collaboration.VideoExternalID,
		})
	}

	edges := []graphEdge{}
	for pair, count := range counts {
		edges = append(edges, graphEdge{Source: pair[0], Target: pair[1], Count: count})
	}

	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		panic(err)
	}

	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		panic(err)
	}

	if err := ctxtemplate.ExecuteTemplateIntoResponse(r, rw, "page_graph", map[string]interface{}{
		"Target":         result.Target,
		"Partial":        result.Partial,
		"Collaborations": rows,
		"NodesJSON":      template.JS(nodesJSON),
		"EdgesJSON":      template.JS(edgesJSON),
	}); err != nil {
		panic(err)
	}
}
