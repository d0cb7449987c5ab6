package handlers

import (
	"net/http"
	"strings"

	"fknsrs.biz/p/sorm"

	"fknsrs.biz/p/sixdegrees/internal/ctxdb"
	"fknsrs.biz/p/sixdegrees/internal/ctxtemplate"
	"fknsrs.biz/p/sixdegrees/models"
)

type historyEntry struct {
	Channel    models.Channel
	Popularity int
}

func Index(rw http.ResponseWriter, r *http.Request) {
	var history []models.History
	if err := sorm.FindWhere(r.Context(), ctxdb.GetDB(r.Context()), &history, "order by popularity desc limit 25"); err != nil {
		panic(err)
	}

	var entries []historyEntry

	if len(history) > 0 {
		args := make([]interface{}, len(history))
		for i, h := range history {
			args[i] = h.ChannelExternalID
		}

		var channels []models.Channel
		if err := sorm.FindWhere(r.Context(), ctxdb.GetDB(r.Context()), &channels, "where external_id in ("+strings.Repeat("?, ", len(args)-1)+"?)", args...); err != nil {
			panic(err)
		}

		byExternalID := make(map[string]models.Channel, len(channels))
		for _, channel := range channels {
			byExternalID[channel.ExternalID] = channel
		}

		for _, h := range history {
			if channel, ok := byExternalID[h.ChannelExternalID]; ok {
				entries = append(entries, historyEntry{Channel: channel, Popularity: h.Popularity})
			}
		}
	}

	if err := ctxtemplate.ExecuteTemplateIntoResponse(r, rw, "page_index", map[string]interface{}{
		"History": entries,
	}); err != nil {
		panic(err)
	}
}
