package handlers

import (
	"encoding/json"
	"net/http"

	"fknsrs.biz/p/sorm/qsorm"
	sb "fknsrs.biz/p/sqlbuilder"
	"github.com/gost/godata"

	"fknsrs.biz/p/sixdegrees/internal/ctxdb"
	"fknsrs.biz/p/sixdegrees/internal/godatautil"
	"fknsrs.biz/p/sixdegrees/models"
)

// Collaborations is a JSON listing over the collaboration_details view,
// filterable with OData query options ($filter, $orderby, $skip, $top).
func Collaborations(rw http.ResponseWriter, r *http.Request) {
	q, err := godata.ParseUrlQuery(r.URL.Query())
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	condition, err := godatautil.MakeCondition(q, models.CollaborationDetailTable)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := godatautil.MakeOrders(q, models.CollaborationDetailTable, sb.OrderDesc(models.CollaborationDetailTable.C("VideoPublishedAt")))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	var collaborations []models.CollaborationDetail
	if err := qsorm.FindWhere(
		r.Context(),
		ctxdb.GetDB(r.Context()),
		&collaborations,
		condition,
		order,
		godatautil.MakeOffsetLimit(q, 0, 500),
	); err != nil {
		panic(err)
	}

	rw.Header().Set("content-type", "application/json; charset=utf-8")

	if err := json.NewEncoder(rw).Encode(map[string]interface{}{
		"collaborations": collaborations,
	}); err != nil {
		panic(err)
	}
}
