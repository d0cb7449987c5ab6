package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/monoculum/formam"

	"fknsrs.biz/p/sixdegrees/internal/ctxdb"
	"fknsrs.biz/p/sixdegrees/internal/ctxjobqueue"
	"fknsrs.biz/p/sixdegrees/internal/httputil"
	"fknsrs.biz/p/sixdegrees/internal/jobqueue"
	"fknsrs.biz/p/sixdegrees/internal/queuenames"
)

// CrawlAction enqueues a background crawl for a channel name, so the
// graph page is warm by the time somebody asks for it.
func CrawlAction(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		panic(err)
	}

	var input struct {
		Channel string `formam:"channel"`
	}

	if err := formam.Decode(r.PostForm, &input); err != nil {
		panic(err)
	}

	input.Channel = strings.TrimSpace(input.Channel)
	if input.Channel == "" {
		httputil.RedirectWithError(rw, r, "/", "Please enter a channel name.")
		return
	}

	if err := ctxdb.UsingTx(r.Context(), nil, func(ctx context.Context, tx *sql.Tx) error {
		return ctxjobqueue.Add(ctx, tx, &jobqueue.Job{
			QueueName: queuenames.ChannelCrawl,
			Payload:   input.Channel,
		})
	}); err != nil {
		panic(err)
	}

	httputil.RedirectWithSuccess(rw, r, "/", fmt.Sprintf("Crawl for %q queued; results will appear in the history once it finishes.", input.Channel))
}
