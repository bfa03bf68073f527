package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

const composeProjectLabel = "com.docker.compose.project"
const composeWorkdirLabel = "com.docker.compose.project.working_dir"

var portSpecRegex = regexp.MustCompile(`^(\d+)`)

// DockerProber inventories running containers through the docker CLI.
// An unreachable daemon is not an error: the proxy keeps working with
// whatever signals remain.
type DockerProber struct {
	ownProject string
	timeout    time.Duration
	logger     logger.Logger
}

// NewDockerProber creates a prober. Containers whose compose project label
// equals ownProject are excluded from the inventory.
func NewDockerProber(ownProject string, timeout time.Duration, loggerClient logger.Logger) *DockerProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &DockerProber{
		ownProject: ownProject,
		timeout:    timeout,
		logger:     loggerClient,
	}
}

// dockerPsLine is one line of `docker ps --format {{json .}}`.
type dockerPsLine struct {
	ID    string `json:"ID"`
	Names string `json:"Names"`
	Image string `json:"Image"`
}

// dockerInspectEntry holds the parts of `docker inspect` we consume.
type dockerInspectEntry struct {
	ID              string `json:"Id"`
	Name            string `json:"Name"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
		Ports map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
	Config struct {
		Image        string              `json:"Image"`
		Labels       map[string]string   `json:"Labels"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts"`
		WorkingDir   string              `json:"WorkingDir"`
	} `json:"Config"`
}

// Probe lists running containers. All container details are fetched with a
// single batched inspect call.
func (p *DockerProber) Probe(ctx context.Context) ([]ContainerRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := exec.CommandContext(cctx, "docker", "ps", "--format", "{{json .}}").Output()
	if err != nil {
		// Daemon down or docker absent: empty inventory.
		return nil, nil
	}

	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		var ps dockerPsLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			continue
		}
		ids = append(ids, ps.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	entries, err := p.inspect(ctx, ids)
	if err != nil {
		p.logger.Warn("docker inspect failed", logger.Error(err))
		return nil, nil
	}

	var containers []ContainerRecord
	for _, entry := range entries {
		record := recordFromInspect(entry)
		if p.ownProject != "" && record.Labels[composeProjectLabel] == p.ownProject {
			continue
		}
		containers = append(containers, record)
	}
	return containers, nil
}

func (p *DockerProber) inspect(ctx context.Context, ids []string) ([]dockerInspectEntry, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append([]string{"inspect"}, ids...)
	output, err := exec.CommandContext(cctx, "docker", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("docker inspect: %w", err)
	}

	var entries []dockerInspectEntry
	if err := json.Unmarshal(output, &entries); err != nil {
		return nil, fmt.Errorf("parse docker inspect output: %w", err)
	}
	return entries, nil
}

func recordFromInspect(entry dockerInspectEntry) ContainerRecord {
	var ip, network string
	for netName, netConfig := range entry.NetworkSettings.Networks {
		if netConfig.IPAddress != "" {
			ip = netConfig.IPAddress
			network = netName
			break
		}
	}

	var exposed []int
	for portSpec := range entry.Config.ExposedPorts {
		if port, ok := parsePortSpec(portSpec); ok {
			exposed = append(exposed, port)
		}
	}

	var published []PublishedPort
	for portSpec, bindings := range entry.NetworkSettings.Ports {
		containerPort, ok := parsePortSpec(portSpec)
		if !ok {
			continue
		}
		for _, binding := range bindings {
			hostPort, err := strconv.Atoi(binding.HostPort)
			if err != nil || hostPort == 0 {
				continue
			}
			published = append(published, PublishedPort{
				ContainerPort: containerPort,
				HostIP:        binding.HostIP,
				HostPort:      hostPort,
			})
		}
	}

	// Compose projects report the checkout path in a label; the image's
	// WorkingDir is the fallback.
	workdir := entry.Config.Labels[composeWorkdirLabel]
	if workdir == "" {
		workdir = entry.Config.WorkingDir
	}

	return ContainerRecord{
		ID:           entry.ID,
		Name:         strings.TrimPrefix(entry.Name, "/"),
		Image:        entry.Config.Image,
		ExposedPorts: exposed,
		Published:    published,
		IP:           ip,
		Network:      network,
		Workdir:      workdir,
		Labels:       entry.Config.Labels,
	}
}

// parsePortSpec extracts the numeric port from specs like "3000/tcp".
func parsePortSpec(spec string) (int, bool) {
	match := portSpecRegex.FindStringSubmatch(spec)
	if len(match) < 2 {
		return 0, false
	}
	port, err := strconv.Atoi(match[1])
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}
