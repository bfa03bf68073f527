package deps

import (
	"time"

	"github.com/MrSnakeDoc/wayfinder/internal/discovery"
	"github.com/MrSnakeDoc/wayfinder/internal/forward"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
	"github.com/MrSnakeDoc/wayfinder/internal/resolver"
	"github.com/MrSnakeDoc/wayfinder/internal/store"
	"github.com/MrSnakeDoc/wayfinder/internal/upstream"
)

type Deps struct {
	Logger    logger.Logger
	StartTime time.Time
	Version   string
	TimeNow   func() time.Time // for testing, defaults to time.Now

	Store      *store.Store              // mapping table + persistence
	Resolver   *resolver.Resolver        // single-flight resolution via the judge
	Processes  *discovery.ProcessCache   // TTL process snapshot
	Containers *discovery.ContainerCache // TTL container snapshot
	Builder    *upstream.Builder         // mapping -> (host, port)
	Forwarder  *forward.Forwarder        // HTTP + WebSocket streaming

	DebugHost       string // reserved hostname serving the debug UI
	AdmissionSuffix string // accepted hostname suffix for TLS admission
	Model           string // echoed on the debug page
	CacheFile       string // echoed on the debug page
	APIKeySet       bool   // echoed on the debug page, never the value
}
