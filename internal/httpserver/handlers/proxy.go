package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/wayfinder/internal/domain"
	"github.com/MrSnakeDoc/wayfinder/internal/forward"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// Proxy is the catch-all data plane: resolve the hostname (asking the
// judge on a miss), build the upstream address, and stream the request
// through, upgrading to a websocket bridge when asked.
func Proxy(d deps.Deps) http.HandlerFunc {
	debug := Debug(d)

	return func(w http.ResponseWriter, r *http.Request) {
		hostname := domain.ExtractHostname(r)
		if hostname == "" {
			http.Error(w, "Missing Host header", http.StatusBadRequest)
			return
		}

		// The reserved debug host serves the dashboard on every path that
		// is not an explicitly mounted control-plane route.
		if hostname == d.DebugHost {
			debug(w, r)
			return
		}

		force := r.URL.Query().Has("force")
		userHint := r.URL.Query().Get("prompt")
		r.URL.RawQuery = stripReservedQuery(r.URL.RawQuery)

		mapping, err := d.Resolver.ResolveHost(r.Context(), hostname, userHint, force)
		if err != nil {
			d.Logger.Error("failed to resolve target",
				logger.String("hostname", hostname),
				logger.Error(err))
			http.Error(w, fmt.Sprintf("Failed to resolve target: %v", err), http.StatusBadGateway)
			return
		}

		forwardTo(w, r, d, hostname, mapping)
	}
}

// SecondLevelProxy handles /_proxy/<service>/<rest?>: a service reaching a
// sibling service through the proxy. The resolution is cached under the
// synthetic "<origin>:<service>" key and the prefix is stripped before
// forwarding.
func SecondLevelProxy(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hostname := domain.ExtractHostname(r)
		if hostname == "" {
			http.Error(w, "Missing Host header", http.StatusBadRequest)
			return
		}

		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/_proxy/"), "/", 2)
		serviceName := parts[0]
		if serviceName == "" {
			http.Error(w, "Invalid proxy path", http.StatusBadRequest)
			return
		}
		remainingPath := "/"
		if len(parts) > 1 {
			remainingPath = "/" + parts[1]
		}

		force := r.URL.Query().Has("force")
		userHint := r.URL.Query().Get("prompt")
		r.URL.RawQuery = stripReservedQuery(r.URL.RawQuery)

		mapping, err := d.Resolver.ResolveRelated(r.Context(), hostname, serviceName, userHint, force)
		if err != nil {
			d.Logger.Error("failed to resolve related service",
				logger.String("origin", hostname),
				logger.String("service", serviceName),
				logger.Error(err))
			http.Error(w, fmt.Sprintf("Failed to resolve service: %v", err), http.StatusBadGateway)
			return
		}

		r.URL.Path = remainingPath
		r.URL.RawPath = ""

		forwardTo(w, r, d, hostname, mapping)
	}
}

// forwardTo builds the upstream address for mapping and streams the
// request, over HTTP or a websocket bridge.
func forwardTo(w http.ResponseWriter, r *http.Request, d deps.Deps, hostname string, mapping *domain.RouteMapping) {
	host, port, err := d.Builder.Build(r.Context(), mapping)
	if err != nil {
		d.Logger.Error("failed to build upstream address",
			logger.String("hostname", hostname),
			logger.String("target", mapping.Target),
			logger.Error(err))
		http.Error(w, fmt.Sprintf("Failed to build upstream: %v", err), http.StatusBadGateway)
		return
	}

	d.Logger.Debug("proxying request",
		logger.String("hostname", hostname),
		logger.String("upstream", fmt.Sprintf("%s:%d", host, port)),
		logger.String("path", r.URL.Path))

	if forward.IsWebSocketUpgrade(r) {
		err = d.Forwarder.ForwardWebSocket(w, r, host, port)
	} else {
		err = d.Forwarder.ForwardHTTP(w, r, host, port)
	}
	if err != nil {
		d.Logger.Error("upstream unreachable",
			logger.String("hostname", hostname),
			logger.String("upstream", fmt.Sprintf("%s:%d", host, port)),
			logger.Error(err))
		http.Error(w, fmt.Sprintf("Upstream error: %v", err), http.StatusBadGateway)
	}
}

// stripReservedQuery removes the proxy's own parameters (force, prompt)
// from a raw query while keeping every other pair in its original order
// and exact textual form.
func stripReservedQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	kept := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		key := pair
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			key = pair[:idx]
		}
		if key == "force" || key == "prompt" {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}
