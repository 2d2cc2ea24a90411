package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ghaph/auto-middleman/internal/api/problem"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("failed to encode response", zap.Error(err))
	}
}

// RespondError writes an RFC 7807 problem response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, slug, detail string) {
	problem.Write(w, r, status, problem.Type(slug), http.StatusText(status), detail)
}

// pathID parses the numeric {id} URL parameter.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
