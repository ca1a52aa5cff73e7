package detect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the optional repository-root file that lists services.
const ManifestFile = "quickdeploy.yaml"

// MainService names the single service of a repository without subservices.
const MainService = "main"

var skipDirectories = map[string]bool{
	"node_modules": true,
	"venv":         true,
	"env":          true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
	"vendor":       true,
	"docs":         true,
	"test":         true,
	"tests":        true,
}

// Service is one deployable unit found in a repository.
type Service struct {
	Name string
	// Dir is relative to the repository root; "." for the root itself.
	Dir         string
	Type        Type
	Port        int
	Env         map[string]string
	Connections []string
}

type manifest struct {
	Services map[string]manifestService `yaml:"services"`
}

type manifestService struct {
	Path        string    `yaml:"path"`
	Type        string    `yaml:"type"`
	Port        int       `yaml:"port"`
	Env         yaml.Node `yaml:"env"`
	Connections []string  `yaml:"connections"`
}

// Scan decides which services root contains, in this order: the services
// listed in quickdeploy.yaml; two or more recognisable immediate
// subdirectories; root itself when it is a recognisable project; a single
// recognisable subdirectory; finally root as a static site.
// Services are returned sorted by name.
func Scan(root string) ([]Service, error) {
	services, err := scanManifest(root)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		subs, err := scanSubdirectories(root)
		if err != nil {
			return nil, err
		}
		t, rootOK := DetectType(root)
		hasDockerfile := fileExists(filepath.Join(root, "Dockerfile"))
		switch {
		case len(subs) >= 2:
			services = subs
		case rootOK || hasDockerfile:
			if !rootOK {
				t = TypeStatic
			}
			services = []Service{{Name: MainService, Dir: ".", Type: t, Port: DetectPort(t, root)}}
		case len(subs) == 1:
			services = subs
		default:
			services = []Service{{Name: MainService, Dir: ".", Type: TypeStatic, Port: DefaultPort(TypeStatic)}}
		}
	}
	for i := range services {
		if services[i].Env == nil {
			services[i].Env = map[string]string{}
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func scanManifest(root string) ([]Service, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}

	services := make([]Service, 0, len(m.Services))
	seen := map[string]string{}
	for rawName, cfg := range m.Services {
		name := ServiceName(rawName)
		if name == "" {
			return nil, fmt.Errorf("%s: service %q has no usable name", ManifestFile, rawName)
		}
		if other, dup := seen[name]; dup {
			return nil, fmt.Errorf("%s: services %q and %q collide as %q", ManifestFile, other, rawName, name)
		}
		seen[name] = rawName

		dir, err := cleanRelative(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: service %q: %w", ManifestFile, rawName, err)
		}
		abs := filepath.Join(root, dir)
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%s: service %q: path %q is not a directory", ManifestFile, rawName, cfg.Path)
		}

		t, ok := ParseType(cfg.Type)
		if !ok {
			if t, ok = DetectType(abs); !ok {
				t = TypeStatic
			}
		}
		port := cfg.Port
		if port <= 0 {
			port = DetectPort(t, abs)
		}
		env, err := decodeEnv(&cfg.Env)
		if err != nil {
			return nil, fmt.Errorf("%s: service %q: %w", ManifestFile, rawName, err)
		}
		connections := make([]string, 0, len(cfg.Connections))
		for _, c := range cfg.Connections {
			connections = append(connections, ServiceName(c))
		}
		services = append(services, Service{
			Name:        name,
			Dir:         dir,
			Type:        t,
			Port:        port,
			Env:         env,
			Connections: connections,
		})
	}
	return services, nil
}

func scanSubdirectories(root string) ([]Service, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read repository: %w", err)
	}
	var services []Service
	seen := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || skipDirectories[strings.ToLower(name)] {
			continue
		}
		dir := filepath.Join(root, name)
		t, ok := DetectType(dir)
		if !ok {
			continue
		}
		svcName := ServiceName(name)
		if svcName == "" || seen[svcName] {
			continue
		}
		seen[svcName] = true
		services = append(services, Service{
			Name: svcName,
			Dir:  name,
			Type: t,
			Port: DetectPort(t, dir),
		})
	}
	return services, nil
}

// env accepts either a mapping or a list of KEY=VALUE strings.
func decodeEnv(node *yaml.Node) (map[string]string, error) {
	env := map[string]string{}
	if node == nil || node.Kind == 0 {
		return env, nil
	}
	switch node.Kind {
	case yaml.MappingNode:
		if err := node.Decode(&env); err != nil {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	case yaml.SequenceNode:
		var pairs []string
		if err := node.Decode(&pairs); err != nil {
			return nil, fmt.Errorf("decode env: %w", err)
		}
		for _, pair := range pairs {
			key, value, found := strings.Cut(pair, "=")
			if !found || strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("env entry %q is not KEY=VALUE", pair)
			}
			env[strings.TrimSpace(key)] = value
		}
	default:
		return nil, fmt.Errorf("env must be a mapping or a list")
	}
	return env, nil
}

func cleanRelative(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return ".", nil
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q must be relative", path)
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the repository", path)
	}
	return cleaned, nil
}

// ServiceName lowercases value and keeps only characters valid in a DNS label.
func ServiceName(value string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	name := strings.TrimRight(b.String(), "-")
	if len(name) > 20 {
		name = strings.TrimRight(name[:20], "-")
	}
	return name
}

// Primary picks the service whose host becomes the deployment url: the first
// frontend by name, otherwise "main", otherwise the first service.
func Primary(services []Service) (Service, bool) {
	if len(services) == 0 {
		return Service{}, false
	}
	for _, s := range services {
		if s.Type.Frontend() {
			return s, true
		}
	}
	for _, s := range services {
		if s.Name == MainService {
			return s, true
		}
	}
	return services[0], true
}
