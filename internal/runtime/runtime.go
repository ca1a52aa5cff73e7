package runtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

const maxLabel = 63

// DeploymentLabel tags every cluster object created for a deployment id.
const DeploymentLabel = "quickdeploy.io/deployment-id"

// ServiceLabel tags objects with the repository service they run.
const ServiceLabel = "quickdeploy.io/service"

// Workload is one service of a release: a Deployment, Service and Ingress.
type Workload struct {
	Service string
	Name    string
	Image   string
	Port    int
	Host    string
	Env     map[string]string
}

// Release is the set of workloads applied for one deployment id.
type Release struct {
	DeploymentID string
	Workloads    []Workload
}

// Endpoint reports the public host of a workload.
type Endpoint struct {
	Service string
	Host    string
	Ready   bool
}

// Manager provisions and monitors release workloads.
type Manager interface {
	Apply(ctx context.Context, release Release) error
	// WaitReady returns ready=false with a nil error when timeout elapses.
	WaitReady(ctx context.Context, release Release, timeout time.Duration) (bool, []Endpoint, error)
	Teardown(ctx context.Context, deploymentID string) error
}

// ResourceName names the cluster objects of a service: app-<id> for a
// single-service release, app-<id>-<service> otherwise. A service name that is
// not already a valid label, or that would be truncated, gets a hash suffix of
// its original form so distinct services never share a name.
func ResourceName(deploymentID, service string, multi bool) string {
	base := "app-" + dnsLabel(deploymentID)
	if !multi || service == "" {
		return truncateLabel(base)
	}
	label := dnsLabel(service)
	name := strings.TrimRight(base+"-"+label, "-")
	if label == service && len(name) <= maxLabel {
		return name
	}
	suffix := "-" + shortHash(service)
	if keep := maxLabel - len(suffix); len(name) > keep {
		name = name[:keep]
	}
	return strings.TrimRight(name, "-") + suffix
}

// Host returns the ingress host for a resource name.
func Host(resourceName, baseDomain string) string {
	baseDomain = strings.Trim(strings.TrimSpace(baseDomain), ".")
	if baseDomain == "" {
		return resourceName
	}
	return fmt.Sprintf("%s.%s", resourceName, baseDomain)
}

func dnsLabel(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

func truncateLabel(value string) string {
	if len(value) > maxLabel {
		value = value[:maxLabel]
	}
	return strings.TrimRight(value, "-")
}

func shortHash(value string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(value))
	return fmt.Sprintf("%08x", h.Sum32())[:6]
}
