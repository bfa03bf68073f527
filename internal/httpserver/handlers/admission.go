package handlers

import (
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/wayfinder/internal/domain"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// Admission answers the TLS front end's on-demand certificate check:
// 200 when the candidate name carries the admission suffix, 403 otherwise.
// The name comes from the "domain" query parameter, falling back to the
// request hostname.
func Admission(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		candidate := r.URL.Query().Get("domain")
		if candidate == "" {
			candidate = domain.ExtractHostname(r)
		}
		candidate = strings.ToLower(candidate)

		if strings.HasSuffix(candidate, d.AdmissionSuffix) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}

		d.Logger.Debug("admission check refused",
			logger.String("domain", candidate),
			logger.String("suffix", d.AdmissionSuffix))
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Not allowed"))
	}
}
