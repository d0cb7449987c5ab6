package handlers

import (
	"fmt"
	"net/http"

	"fknsrs.biz/p/sixdegrees/internal/ctxdb"
)

func Healthz(rw http.ResponseWriter, r *http.Request) {
	if err := ctxdb.GetDB(r.Context()).PingContext(r.Context()); err != nil {
		http.Error(rw, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	rw.Header().Set("content-type", "text/plain; charset=utf-8")
	fmt.Fprintln(rw, "ok")
}
