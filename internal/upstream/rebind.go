package upstream

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/MrSnakeDoc/wayfinder/internal/discovery"
	"github.com/MrSnakeDoc/wayfinder/internal/domain"
)

// ProcessSource yields the current process snapshot.
type ProcessSource interface {
	Get(ctx context.Context) ([]discovery.ProcessRecord, error)
}

// Rebinder recovers the current port of a process mapping whose stored
// port may be stale after a restart. Only process mappings carrying an
// identifier are rebindable.
type Rebinder struct {
	processes ProcessSource
}

// NewRebinder creates a rebinder over the process snapshot.
func NewRebinder(processes ProcessSource) *Rebinder {
	return &Rebinder{processes: processes}
}

// Resolve returns the current port for the identified process. Callers
// fall back to the stored port on error.
func (r *Rebinder) Resolve(ctx context.Context, id *domain.ProcessIdentifier) (int, error) {
	if id == nil || id.Workdir == "" {
		return 0, fmt.Errorf("process identifier with workdir is required")
	}

	processes, err := r.processes.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("get process snapshot: %w", err)
	}

	var candidates []discovery.ProcessRecord
	for _, proc := range processes {
		if !matchWorkdir(proc.Workdir, id.Workdir) {
			continue
		}
		if id.CommandPattern != "" && !matchCommand(proc, id.CommandPattern) {
			continue
		}
		candidates = append(candidates, proc)
	}

	if len(candidates) == 0 {
		return 0, fmt.Errorf("no process found matching workdir %q", id.Workdir)
	}

	// Multi-port dev servers expose both an app and a debug port; the
	// lowest one is the app.
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Port < best.Port {
			best = c
		}
	}
	return best.Port, nil
}

// matchWorkdir matches in both directions: dev tools often report a
// subdirectory (the app root) while the judge remembers the repo root,
// or vice versa.
func matchWorkdir(processWorkdir, targetWorkdir string) bool {
	if processWorkdir == "" || targetWorkdir == "" {
		return false
	}

	processWorkdir = strings.TrimSuffix(processWorkdir, "/")
	targetWorkdir = strings.TrimSuffix(targetWorkdir, "/")

	if processWorkdir == targetWorkdir {
		return true
	}
	if strings.HasPrefix(processWorkdir, targetWorkdir+"/") {
		return true
	}
	if strings.HasPrefix(targetWorkdir, processWorkdir+"/") {
		return true
	}
	return false
}

// matchCommand matches the pattern as a regex against command or args,
// degrading to a literal substring match when the pattern does not
// compile.
func matchCommand(proc discovery.ProcessRecord, pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return strings.Contains(proc.Command, pattern) || strings.Contains(proc.Args, pattern)
	}
	return re.MatchString(proc.Command) || re.MatchString(proc.Args)
}
