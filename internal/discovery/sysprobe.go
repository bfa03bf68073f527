package discovery

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	ssPidRegex     = regexp.MustCompile(`pid=(\d+)`)
	ssCommandRegex = regexp.MustCompile(`users:\(\("([^"]+)"`)
	lsofPortRegex  = regexp.MustCompile(`:(\d+)$`)
)

// maxArgsLen caps the args string carried into the judge prompt.
const maxArgsLen = 300

// probeWithSs lists listeners via `ss -tlnp` and enriches each PID from
// /proc in a single pass. Linux.
func (p *HostProber) probeWithSs(ctx context.Context) ([]ProcessRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := exec.CommandContext(cctx, "ss", "-tlnp").Output()
	if err != nil && len(output) == 0 {
		return nil, fmt.Errorf("ss -tlnp: %w", err)
	}

	var records []ProcessRecord
	seenPorts := make(map[int]bool)

	for _, line := range strings.Split(string(output), "\n")[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		// Local address column: 127.0.0.1:3000, *:8080, [::]:5173
		local := fields[3]
		lastColon := strings.LastIndex(local, ":")
		if lastColon < 0 {
			continue
		}
		port, err := strconv.Atoi(local[lastColon+1:])
		if err != nil || port <= 1023 || seenPorts[port] {
			continue
		}

		pidMatch := ssPidRegex.FindStringSubmatch(line)
		if len(pidMatch) < 2 {
			continue
		}
		pid, _ := strconv.Atoi(pidMatch[1])

		command := ""
		if m := ssCommandRegex.FindStringSubmatch(line); len(m) > 1 {
			command = m[1]
		}

		bindAddr := strings.Trim(local[:lastColon], "[]")

		record := ProcessRecord{
			Port:     port,
			PID:      pid,
			BindAddr: bindAddr,
			Command:  command,
		}
		enrichFromProc(&record)
		seenPorts[port] = true
		records = append(records, record)
	}

	return records, nil
}

// enrichFromProc fills command, args, workdir and PPID from /proc.
func enrichFromProc(r *ProcessRecord) {
	procDir := filepath.Join("/proc", strconv.Itoa(r.PID))

	if data, err := os.ReadFile(filepath.Join(procDir, "cmdline")); err == nil && len(data) > 0 {
		argv := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
		if len(argv) > 0 && argv[0] != "" {
			r.Command = filepath.Base(argv[0])
		}
		if len(argv) > 1 {
			r.Args = truncateArgs(strings.Join(argv[1:], " "))
		}
	}

	if cwd, err := os.Readlink(filepath.Join(procDir, "cwd")); err == nil {
		r.Workdir = cwd
	}

	if data, err := os.ReadFile(filepath.Join(procDir, "stat")); err == nil {
		// stat: pid (comm) state ppid ... — comm may contain spaces, so
		// parse from after the closing paren.
		if idx := strings.LastIndex(string(data), ")"); idx >= 0 {
			fields := strings.Fields(string(data)[idx+1:])
			if len(fields) >= 2 {
				r.PPID, _ = strconv.Atoi(fields[1])
			}
		}
	}
}

// probeWithLsof lists listeners via lsof, then batches one ps call for
// args/PPID and one lsof call for workdirs. Darwin.
func (p *HostProber) probeWithLsof(ctx context.Context) ([]ProcessRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// lsof may exit non-zero with valid output (permission warnings);
	// parse whatever came back.
	output, err := exec.CommandContext(cctx, "lsof", "-iTCP", "-sTCP:LISTEN", "-n", "-P").Output()
	if err != nil && len(output) == 0 {
		return nil, fmt.Errorf("lsof: %w", err)
	}

	var records []ProcessRecord
	seenPorts := make(map[int]bool)
	lines := strings.Split(string(output), "\n")

	// COMMAND PID USER FD TYPE DEVICE SIZE/OFF NODE NAME
	// node  12345 user 23u IPv4 0x...      0t0  TCP *:3000 (LISTEN)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 9 {
			continue
		}

		command := parts[0]
		pid, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}

		name := parts[len(parts)-1]
		if name == "(LISTEN)" && len(parts) >= 10 {
			name = parts[len(parts)-2]
		}
		portMatch := lsofPortRegex.FindStringSubmatch(name)
		if len(portMatch) < 2 {
			continue
		}
		port, _ := strconv.Atoi(portMatch[1])
		if port <= 1023 || seenPorts[port] {
			continue
		}
		seenPorts[port] = true

		bindAddr := ""
		if lastColon := strings.LastIndex(name, ":"); lastColon > 0 {
			bindAddr = strings.Trim(name[:lastColon], "[]")
		}

		records = append(records, ProcessRecord{
			Port:     port,
			PID:      pid,
			BindAddr: bindAddr,
			Command:  command,
		})
	}

	p.enrichWithPs(ctx, records)
	p.enrichWithCwd(ctx, records)
	return records, nil
}

// enrichWithPs fills args and PPID for all records with one ps invocation.
func (p *HostProber) enrichWithPs(ctx context.Context, records []ProcessRecord) {
	if len(records) == 0 {
		return
	}
	pids := make([]string, 0, len(records))
	for _, r := range records {
		pids = append(pids, strconv.Itoa(r.PID))
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := exec.CommandContext(cctx, "ps", "-o", "pid=,ppid=,command=", "-p", strings.Join(pids, ",")).Output()
	if err != nil {
		return
	}

	info := make(map[int]struct {
		ppid int
		args string
	})
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, _ := strconv.Atoi(fields[1])
		info[pid] = struct {
			ppid int
			args string
		}{ppid: ppid, args: truncateArgs(strings.Join(fields[3:], " "))}
	}

	for i := range records {
		if meta, ok := info[records[i].PID]; ok {
			records[i].PPID = meta.ppid
			records[i].Args = meta.args
		}
	}
}

// enrichWithCwd fills workdirs for all records with one lsof invocation.
func (p *HostProber) enrichWithCwd(ctx context.Context, records []ProcessRecord) {
	if len(records) == 0 {
		return
	}
	pids := make([]string, 0, len(records))
	for _, r := range records {
		pids = append(pids, strconv.Itoa(r.PID))
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := exec.CommandContext(cctx, "lsof", "-a", "-p", strings.Join(pids, ","), "-d", "cwd", "-Fn").Output()
	if err != nil && len(output) == 0 {
		return
	}

	// -F output: p<pid> then n<path> pairs.
	workdirs := make(map[int]string)
	currentPID := 0
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case 'p':
			currentPID, _ = strconv.Atoi(line[1:])
		case 'n':
			if currentPID != 0 {
				workdirs[currentPID] = line[1:]
			}
		}
	}

	for i := range records {
		if wd, ok := workdirs[records[i].PID]; ok {
			records[i].Workdir = wd
		}
	}
}

func truncateArgs(args string) string {
	args = strings.TrimSpace(args)
	if len(args) > maxArgsLen {
		return args[:maxArgsLen]
	}
	return args
}
