package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/pitchline/pkg/core"
	"github.com/vango-go/pitchline/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(struct {
		Error *core.Error `json:"error"`
	}{Error: &core.Error{
		Type:      core.ErrInvalidRequest,
		Message:   "not found",
		Code:      "not_found",
		RequestID: reqID,
	}})
}
