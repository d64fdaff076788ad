package history

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
)

// Handler serves GET / with the history query parameters.
func (s *Service) Handler(authClient auth.Client) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		uid, err := authClient.Auth(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		p, err := ParseParams(r.URL.Query())
		if err == nil {
			var page *Page
			if page, err = s.Fetch(r.Context(), uid, p); err == nil {
				writeJSON(w, http.StatusOK, page)
				return
			}
		}

		var qe *InvalidHistoryQueryError
		if errors.As(err, &qe) {
			writeError(w, qe.HTTPStatus, qe.Reason)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		glog.Errorf("write response error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
