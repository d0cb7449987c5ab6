package handlers

import (
	"database/sql"
	"net/http"

	"fknsrs.biz/p/sorm"
	"fknsrs.biz/p/sorm/qsorm"
	sb "fknsrs.biz/p/sqlbuilder"
	"github.com/gorilla/mux"

	"fknsrs.biz/p/sixdegrees/internal/ctxdb"
	"fknsrs.biz/p/sixdegrees/internal/ctxtemplate"
	"fknsrs.biz/p/sixdegrees/internal/httputil"
	"fknsrs.biz/p/sixdegrees/models"
)

func Channels(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	var condition sb.AsExpr
	order := []sb.AsOrderingTerm{sb.OrderDesc(models.ChannelTable.C("CreatedAt"))}

	if q != "" {
		condition = sb.BinaryOperator("like", models.ChannelTable.C("Title"), sb.Bind("%"+q+"%"))
		order = []sb.AsOrderingTerm{sb.OrderAsc(models.ChannelTable.C("Title"))}
	}

	var channels []models.Channel
	if err := qsorm.FindWhere(
		r.Context(),
		ctxdb.GetDB(r.Context()),
		&channels,
		condition,
		order,
		sb.OffsetLimit(nil, sb.Literal("1000")),
	); err != nil {
		panic(err)
	}

	if err := ctxtemplate.ExecuteTemplateIntoResponse(r, rw, "page_channels", map[string]interface{}{
		"Q":        q,
		"Channels": channels,
	}); err != nil {
		panic(err)
	}
}

func Channel(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var channel models.Channel
	if err := sorm.FindFirstWhere(r.Context(), ctxdb.GetDB(r.Context()), &channel, "where external_id = ?", vars["id"]); err != nil {
		if err == sql.ErrNoRows {
			httputil.NotFound(rw, r)
			return
		}

		panic(err)
	}

	var collaborations []models.CollaborationDetail
	if err := sorm.FindWhere(r.Context(), ctxdb.GetDB(r.Context()), &collaborations, "where channel_a_external_id = ? or channel_b_external_id = ? order by video_published_at desc", channel.ExternalID, channel.ExternalID); err != nil {
		panic(err)
	}

	var videos []models.Video
	if err := sorm.FindWhere(r.Context(), ctxdb.GetDB(r.Context()), &videos, "where channel_external_id = ? order by published_at desc limit 200", channel.ExternalID); err != nil {
		panic(err)
	}

	if err := ctxtemplate.ExecuteTemplateIntoResponse(r, rw, "page_channel", map[string]interface{}{
		"Channel":        channel,
		"Collaborations": collaborations,
		"Videos":         videos,
	}); err != nil {
		panic(err)
	}
}
