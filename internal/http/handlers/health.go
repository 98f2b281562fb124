package handlers

import (
	"context"
	"net/http"
	"time"

	"mediagen/internal/sqlinline"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if a.SQL != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		var one int
		if err := a.SQL.QueryRow(ctx, sqlinline.QPing).Scan(&one); err != nil {
			resp["status"] = "degraded"
			resp["database"] = "unreachable"
			a.json(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}
	a.json(w, http.StatusOK, resp)
}
