package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/handlers"
)

func init() { Register(registerProxy) }

// registerProxy wires the data plane: browser-noise suppression, the
// second-level inter-service proxy, and the catch-all that resolves and
// forwards everything else.
func registerProxy(r chi.Router, d deps.Deps) {
	noise := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}
	r.HandleFunc("/favicon.ico", noise)
	r.HandleFunc("/robots.txt", noise)

	r.HandleFunc("/_proxy/*", handlers.SecondLevelProxy(d))
	r.HandleFunc("/*", handlers.Proxy(d))
}
