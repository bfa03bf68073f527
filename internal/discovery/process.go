package discovery

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// DefaultProbeTimeout bounds each OS command a probe runs.
const DefaultProbeTimeout = 10 * time.Second

// Commands that never are the dev server someone wants routed to.
var ignoredCommands = map[string]bool{
	"docker-proxy":     true,
	"com.docker.vpnki": true,
	"vpnkit":           true,
	"code":             true,
	"code-helper":      true,
	"spotify":          true,
	"Spotify":          true,
	"jetbrains-toolb":  true,
	"phpstorm":         true,
	"webstorm":         true,
	"idea":             true,
	"goland":           true,
	"chrome":           true,
	"chromium":         true,
	"Google Chrome":    true,
	"firefox":          true,
	"Firefox":          true,
	"Safari":           true,
	"slack":            true,
	"Slack":            true,
	"discord":          true,
	"Discord":          true,
	"telegram":         true,
	"Telegram":         true,
	"signal":           true,
	"Signal":           true,
	"zoom":             true,
	"zoom.us":          true,
	"cupsd":            true,
	"caddy":            true,
	"systemd":          true,
	"dbus-daemon":      true,
	"pulseaudio":       true,
	"pipewire":         true,
	"fsnotifier":       true,
	"launchd":          true,
	"mDNSResponder":    true,
	"rapportd":         true,
	"sharingd":         true,
	"identityservices": true,
}

// Workdirs that indicate container or system processes rather than a
// project checkout.
var ignoredWorkdirs = map[string]bool{
	"/":     true,
	"/app":  true,
	"/srv":  true,
	"/root": true,
}

// Debug and inspection ports that shadow the real server port.
var ignoredPorts = map[int]bool{
	9229: true, // Node.js inspector
	9222: true, // Chrome DevTools Protocol
}

// Arg substrings that identify IDE helpers and OS services.
var ignoredArgsPatterns = []string{
	"jetbrains",
	"intellij",
	"java.rmi.server",
	"idea.home",
	"phpstorm",
	"webstorm",
	"goland",
	"rider",
	"clion",
	"datagrip",
	"rubymine",
	"pycharm",
	"android studio",
	"com.apple.",
	"apple.systempreferences",
}

// HostProber lists processes listening on local TCP ports, filtered down
// to plausible dev servers and deduplicated to one record per process.
type HostProber struct {
	timeout time.Duration
	logger  logger.Logger
}

// NewHostProber creates a prober. A non-positive timeout falls back to
// DefaultProbeTimeout.
func NewHostProber(timeout time.Duration, loggerClient logger.Logger) *HostProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HostProber{
		timeout: timeout,
		logger:  loggerClient,
	}
}

// Probe runs the platform discovery commands and returns the cleaned list.
func (p *HostProber) Probe(ctx context.Context) ([]ProcessRecord, error) {
	var records []ProcessRecord
	var err error

	if runtime.GOOS == "darwin" {
		records, err = p.probeWithLsof(ctx)
	} else {
		records, err = p.probeWithSs(ctx)
	}
	if err != nil {
		return nil, err
	}

	return cleanRecords(records), nil
}

// cleanRecords applies noise filtering, parent/child collapsing and
// per-PID deduplication.
func cleanRecords(records []ProcessRecord) []ProcessRecord {
	var filtered []ProcessRecord
	for _, r := range records {
		if ignoredCommands[r.Command] {
			continue
		}
		if r.Workdir != "" && ignoredWorkdirs[r.Workdir] {
			continue
		}
		if ignoredPorts[r.Port] {
			continue
		}
		if ignoredByArgs(r.Args) {
			continue
		}
		filtered = append(filtered, r)
	}

	// Collapse process trees: when a listener's parent is also in the
	// list (dev servers forking workers), keep only the root.
	pidSet := make(map[int]bool, len(filtered))
	for _, r := range filtered {
		pidSet[r.PID] = true
	}
	var roots []ProcessRecord
	for _, r := range filtered {
		if !pidSet[r.PPID] {
			roots = append(roots, r)
		}
	}

	return dedupeByPID(roots)
}

// dedupeByPID keeps one record per process: wildcard binds win over
// loopback binds, ties broken by the lowest port.
func dedupeByPID(records []ProcessRecord) []ProcessRecord {
	byPID := make(map[int]ProcessRecord, len(records))
	order := make([]int, 0, len(records))
	for _, r := range records {
		existing, seen := byPID[r.PID]
		if !seen {
			byPID[r.PID] = r
			order = append(order, r.PID)
			continue
		}
		existingPublic := isWildcardBind(existing.BindAddr)
		newPublic := isWildcardBind(r.BindAddr)
		if newPublic && !existingPublic {
			byPID[r.PID] = r
		} else if existingPublic == newPublic && r.Port < existing.Port {
			byPID[r.PID] = r
		}
	}

	result := make([]ProcessRecord, 0, len(byPID))
	for _, pid := range order {
		result = append(result, byPID[pid])
	}
	return result
}

func isWildcardBind(addr string) bool {
	return addr == "0.0.0.0" || addr == "*" || addr == "[::]" || addr == "::"
}

func ignoredByArgs(args string) bool {
	argsLower := strings.ToLower(args)
	for _, pattern := range ignoredArgsPatterns {
		if strings.Contains(argsLower, pattern) {
			return true
		}
	}
	return false
}
