package resolver

import (
	"fmt"
	"strings"

	"github.com/MrSnakeDoc/wayfinder/internal/discovery"
	"github.com/MrSnakeDoc/wayfinder/internal/domain"
)

// Inventory is everything the judge gets to look at: the live process and
// container snapshots plus the current mapping table.
type Inventory struct {
	Processes  []discovery.ProcessRecord
	Containers []discovery.ContainerRecord
	Mappings   domain.Mappings
}

// render writes the three inventory sections in the prompt's text format.
func (inv Inventory) render(b *strings.Builder) {
	b.WriteString("## Local Processes\n")
	if len(inv.Processes) == 0 {
		b.WriteString("No local processes with open ports found.\n")
	}
	for _, proc := range inv.Processes {
		fmt.Fprintf(b, "- Port %d: %s", proc.Port, proc.Command)
		if proc.Args != "" {
			fmt.Fprintf(b, " (args: %s)", proc.Args)
		}
		if proc.Workdir != "" {
			fmt.Fprintf(b, " [workdir: %s]", proc.Workdir)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Containers\n")
	if len(inv.Containers) == 0 {
		b.WriteString("No containers found.\n")
	}
	for _, container := range inv.Containers {
		fmt.Fprintf(b, "- %s (image: %s)", container.Name, container.Image)
		if len(container.ExposedPorts) > 0 {
			ports := make([]string, len(container.ExposedPorts))
			for i, p := range container.ExposedPorts {
				ports[i] = fmt.Sprintf("%d", p)
			}
			fmt.Fprintf(b, " ports: %s", strings.Join(ports, ", "))
		}
		if container.IP != "" {
			fmt.Fprintf(b, " [ip: %s]", container.IP)
		}
		if container.Workdir != "" {
			fmt.Fprintf(b, " [workdir: %s]", container.Workdir)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Current Mappings\n")
	if len(inv.Mappings) == 0 {
		b.WriteString("No existing mappings.\n")
	}
	for host, mapping := range inv.Mappings {
		fmt.Fprintf(b, "- %s -> %s:%s:%d", host, mapping.Kind, mapping.Target, mapping.Port)
		if mapping.Rationale != "" {
			fmt.Fprintf(b, " (%s)", mapping.Rationale)
		}
		b.WriteString("\n")
	}
}

// hostnamePrompt builds the user message for a first-level resolution.
func hostnamePrompt(hostname, userHint string, inv Inventory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hostname to resolve: %s\n\n", hostname)
	inv.render(&b)
	if userHint != "" {
		fmt.Fprintf(&b, "\n## Additional Context from User\n%s\n", userHint)
	}
	return b.String()
}

// relatedPrompt builds the user message for a second-level resolution.
func relatedPrompt(originHost string, originMapping *domain.RouteMapping, serviceName, userHint string, inv Inventory) string {
	var b strings.Builder
	b.WriteString("## Request Context\n")
	fmt.Fprintf(&b, "Origin hostname: %s\n", originHost)
	if originMapping != nil {
		fmt.Fprintf(&b, "Origin routes to: %s:%s:%d\n", originMapping.Kind, originMapping.Target, originMapping.Port)
	}
	fmt.Fprintf(&b, "Looking for related service: %q\n\n", serviceName)
	inv.render(&b)
	if userHint != "" {
		fmt.Fprintf(&b, "\n## Additional Context from User\n%s\n", userHint)
	}
	return b.String()
}

const decisionFormat = `Respond with a JSON object:
{
  "type": "process" | "container",
  "target": "localhost" for process, or container name for container,
  "port": the port number to connect to,
  "reason": "brief explanation of why this target was chosen",
  "workdir": "working directory of the matched process (REQUIRED for type=process, omit for container)"
}

IMPORTANT: For type="process", you MUST include the "workdir" field with the full working directory path of the matched process. It is used to re-resolve the port when the process restarts on a different one.

If no suitable target is found, still provide your best guess with explanation.`

const hostnameSystemPrompt = `You are a routing resolver for a local development proxy. Your job is to determine which local service a request should be forwarded to based on the hostname.

You will receive:
1. The hostname from the request (e.g., "myapp.localhost", "api.project.localhost")
2. A list of locally running processes with their ports, commands, arguments, and working directories
3. A list of containers with their names, images, exposed ports, IP addresses, and working directories
4. Current routing mappings for context

Analyze the hostname and pick the best matching service. Consider:
- Hostname patterns (e.g., "vite.myproject.localhost" might match a Vite process running in a "myproject" directory)
- Service types (e.g., a hostname containing "api" might route to a backend service)
- Project names in the hostname vs working directories
- Container names vs hostname parts

` + decisionFormat

const relatedSystemPrompt = `You are a routing resolver for a local development proxy. Your job is to find a related service for a given origin service.

You will receive:
1. The origin hostname and where it routes to (e.g., "app.mapeditor.localhost" -> process on port 5173)
2. The service name being requested (e.g., "api", "backend", "db")
3. A list of locally running processes with their ports, commands, arguments, and working directories
4. A list of containers with their names, images, exposed ports, IP addresses, and working directories
5. Current routing mappings for context

Find the related service. Consider:
- If origin is "app.mapeditor.localhost" and service is "api", look for an API/backend service in the same project (mapeditor)
- Working directories are key - look for services in the same project folder
- Compose services often have related names (app, api, db, redis, etc.)
- Common patterns: frontend+backend, app+api, web+server

` + decisionFormat
