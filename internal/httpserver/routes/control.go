package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/handlers"
)

func init() { Register(registerControl) }

// registerControl wires the control-plane surfaces: TLS admission checks,
// mapping CRUD and the debug snapshot. Both admission paths are always
// mounted so either embedding TLS front end works unchanged.
func registerControl(r chi.Router, d deps.Deps) {
	admission := handlers.Admission(d)
	r.HandleFunc("/_caddy/check", admission)
	r.HandleFunc("/_tls_check", admission)

	mappings := handlers.Mappings(d)
	r.HandleFunc("/_api/mappings", mappings)
	r.HandleFunc("/_api/mappings/*", mappings)

	debug := handlers.Debug(d)
	r.HandleFunc("/_debug", debug)
	r.HandleFunc("/_debug/*", debug)
}
