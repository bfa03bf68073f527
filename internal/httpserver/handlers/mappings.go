package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/wayfinder/internal/domain"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

const mappingsPrefix = "/_api/mappings"

// mappingRequest is the PUT body for a manual mapping edit.
type mappingRequest struct {
	Kind   domain.Kind `json:"kind"`
	Target string      `json:"target"`
	Port   int         `json:"port"`
}

// Mappings is the CRUD surface over the mapping table. Every mutation
// persists before answering; a disk failure surfaces as 500 while the
// in-memory table keeps the new state.
func Mappings(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hostname := strings.TrimPrefix(r.URL.Path, mappingsPrefix)
		hostname = strings.Trim(hostname, "/")
		hostname = strings.ToLower(hostname)

		switch r.Method {
		case http.MethodGet:
			if hostname == "" {
				writeJSON(w, d, d.Store.GetAll())
				return
			}
			mapping := d.Store.Get(hostname)
			if mapping == nil {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			writeJSON(w, d, mapping)

		case http.MethodPut:
			if hostname == "" {
				http.Error(w, "Hostname required", http.StatusBadRequest)
				return
			}
			var body mappingRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "Invalid JSON", http.StatusBadRequest)
				return
			}
			mapping := &domain.RouteMapping{
				Kind:      body.Kind,
				Target:    body.Target,
				Port:      body.Port,
				Rationale: "manual",
			}
			mapping.StampCreated(d.TimeNow)
			if err := mapping.Validate(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			d.Store.Set(hostname, mapping)
			if err := d.Store.Save(); err != nil {
				d.Logger.Error("failed to persist mappings", logger.Error(err))
				http.Error(w, "Failed to save", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("Updated"))

		case http.MethodDelete:
			if hostname == "" {
				http.Error(w, "Hostname required", http.StatusBadRequest)
				return
			}
			d.Store.Delete(hostname)
			if err := d.Store.Save(); err != nil {
				d.Logger.Error("failed to persist mappings", logger.Error(err))
				http.Error(w, "Failed to save", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("Deleted"))

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, d deps.Deps, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		d.Logger.Warn("failed to encode response", logger.Error(err))
	}
}
