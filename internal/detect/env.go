package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// apiURLVariable is the variable each frontend framework reads at build time.
func apiURLVariable(t Type) string {
	switch t {
	case TypeNext:
		return "NEXT_PUBLIC_API_URL"
	case TypeReact:
		return "REACT_APP_API_URL"
	default:
		return "VUE_APP_API_URL"
	}
}

// Connect wires frontends to backends. Each frontend without an explicit
// connection list is pointed at every backend; backends get CORS_ORIGIN for
// the frontend. Variables already set are left alone. origin maps a service
// name to its public base url.
func Connect(services []Service, origin func(name string) string) {
	for i := range services {
		frontend := &services[i]
		if !frontend.Type.Frontend() {
			continue
		}
		for j := range services {
			backend := &services[j]
			if !backend.Type.Backend() || !connects(frontend, backend.Name) {
				continue
			}
			if frontend.Env == nil {
				frontend.Env = map[string]string{}
			}
			if backend.Env == nil {
				backend.Env = map[string]string{}
			}
			key := apiURLVariable(frontend.Type)
			if _, set := frontend.Env[key]; !set {
				frontend.Env[key] = origin(backend.Name)
			}
			if _, set := backend.Env["CORS_ORIGIN"]; !set {
				backend.Env["CORS_ORIGIN"] = origin(frontend.Name)
			}
		}
	}
}

func connects(frontend *Service, backend string) bool {
	if len(frontend.Connections) == 0 {
		return true
	}
	for _, c := range frontend.Connections {
		if c == backend {
			return true
		}
	}
	return false
}

// WriteBuildEnv writes the frontend's variables to the dotenv file its
// framework reads during the image build. Non-frontends are skipped.
func WriteBuildEnv(root string, svc Service) error {
	if !svc.Type.Frontend() || len(svc.Env) == 0 {
		return nil
	}
	name := ".env.production"
	if svc.Type == TypeReact {
		name = ".env"
	}
	path := filepath.Join(root, svc.Dir, name)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", name, err)
	}
	keys := make([]string, 0, len(svc.Env))
	for k := range svc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteByte('\n')
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, svc.Env[k])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
