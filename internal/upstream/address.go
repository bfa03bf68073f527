package upstream

import (
	"context"
	"fmt"

	"github.com/MrSnakeDoc/wayfinder/internal/discovery"
	"github.com/MrSnakeDoc/wayfinder/internal/domain"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// ContainerLookup finds a container by name in the current snapshot.
type ContainerLookup interface {
	Lookup(ctx context.Context, name string) (*discovery.ContainerRecord, bool)
}

// Builder translates a RouteMapping into the (host, port) pair the
// forwarder dials.
type Builder struct {
	rebinder   *Rebinder
	containers ContainerLookup
	logger     logger.Logger
}

// NewBuilder creates a builder.
func NewBuilder(rebinder *Rebinder, containers ContainerLookup, loggerClient logger.Logger) *Builder {
	return &Builder{
		rebinder:   rebinder,
		containers: containers,
		logger:     loggerClient,
	}
}

// Build computes the upstream address for a mapping.
//
// Process mappings dial loopback; when an identifier is present the port
// is recomputed from the live snapshot, falling back to the stored port
// with a warning. Container mappings prefer a published host port (the
// container network is not reachable from the host on macOS/Windows) and
// fall back to the container IP.
func (b *Builder) Build(ctx context.Context, mapping *domain.RouteMapping) (string, int, error) {
	switch mapping.Kind {
	case domain.KindProcess:
		port := mapping.Port
		if mapping.Identifier != nil {
			resolved, err := b.rebinder.Resolve(ctx, mapping.Identifier)
			if err != nil {
				b.logger.Warn("port rebinding failed, using stored port",
					logger.String("workdir", mapping.Identifier.Workdir),
					logger.Int("fallbackPort", mapping.Port),
					logger.Error(err))
			} else {
				port = resolved
			}
		}
		return "127.0.0.1", port, nil

	case domain.KindContainer:
		record, ok := b.containers.Lookup(ctx, mapping.Target)
		if !ok {
			return "", 0, fmt.Errorf("container %q not found", mapping.Target)
		}
		if hostIP, hostPort, found := record.PublishedFor(mapping.Port); found {
			return dialableHost(hostIP), hostPort, nil
		}
		if record.IP != "" {
			return record.IP, mapping.Port, nil
		}
		return "", 0, fmt.Errorf("container %q has neither a published port %d nor a network IP", mapping.Target, mapping.Port)

	default:
		return "", 0, fmt.Errorf("unknown mapping kind %q", mapping.Kind)
	}
}

// dialableHost turns wildcard publish addresses into a dialable loopback.
func dialableHost(hostIP string) string {
	switch hostIP {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	default:
		return hostIP
	}
}
