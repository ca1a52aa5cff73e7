package detect

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDetectType(t *testing.T) {
	cases := []struct {
		name  string
		file  string
		body  string
		want  Type
		found bool
	}{
		{"next", "package.json", `{"dependencies":{"next":"14","react":"18"}}`, TypeNext, true},
		{"react", "package.json", `{"dependencies":{"react":"18","react-dom":"18"}}`, TypeReact, true},
		{"vue", "package.json", `{"dependencies":{"vue":"3"}}`, TypeVue, true},
		{"express", "package.json", `{"dependencies":{"express":"4"}}`, TypeNode, true},
		{"flask", "requirements.txt", "Flask==3.0\n", TypeFlask, true},
		{"django", "requirements.txt", "Django>=4\n", TypeDjango, true},
		{"python", "requirements.txt", "requests\n", TypePython, true},
		{"go", "go.mod", "module example.com/app\n", TypeGo, true},
		{"static", "index.html", "<h1>hi</h1>", TypeStatic, true},
		{"nothing", "README.md", "# readme", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, tc.file, tc.body)
			got, ok := DetectType(dir)
			if got != tc.want || ok != tc.found {
				t.Fatalf("expected (%q, %v), got (%q, %v)", tc.want, tc.found, got, ok)
			}
		})
	}
}

func TestDetectPort(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"start":"next start -p 4100"},"dependencies":{"next":"14"}}`)
	if got := DetectPort(TypeNext, dir); got != 4100 {
		t.Fatalf("expected 4100, got %d", got)
	}

	py := t.TempDir()
	writeFile(t, py, "app.py", "app.run(host='0.0.0.0', port=5050)\n")
	if got := DetectPort(TypeFlask, py); got != 5050 {
		t.Fatalf("expected 5050, got %d", got)
	}

	if got := DetectPort(TypeVue, t.TempDir()); got != 8080 {
		t.Fatalf("expected vue default 8080, got %d", got)
	}
}

func TestScanSingleRootService(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"express":"4"}}`)
	writeFile(t, dir, "public/index.html", "<h1>hi</h1>")

	services, err := Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(services) != 1 || services[0].Name != MainService || services[0].Type != TypeNode || services[0].Dir != "." {
		t.Fatalf("unexpected services %+v", services)
	}
}

func TestScanSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Frontend/package.json", `{"dependencies":{"react":"18","react-dom":"18"}}`)
	writeFile(t, dir, "api/requirements.txt", "flask\n")
	writeFile(t, dir, "node_modules/x/package.json", `{}`)
	writeFile(t, dir, ".hidden/package.json", `{}`)

	services, err := Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %+v", services)
	}
	if services[0].Name != "api" || services[0].Type != TypeFlask || services[0].Port != 5000 {
		t.Fatalf("unexpected api service %+v", services[0])
	}
	if services[1].Name != "frontend" || services[1].Dir != "Frontend" || services[1].Type != TypeReact {
		t.Fatalf("unexpected frontend service %+v", services[1])
	}
	primary, _ := Primary(services)
	if primary.Name != "frontend" {
		t.Fatalf("expected frontend primary, got %s", primary.Name)
	}
}

func TestScanManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "web/package.json", `{"dependencies":{"next":"14"}}`)
	writeFile(t, dir, "server/go.mod", "module x\n")
	writeFile(t, dir, ManifestFile, `
services:
  web:
    path: web
    type: auto
  server:
    path: ./server
    port: 9000
    env:
      - LOG_LEVEL=debug
  worker:
    path: server
    type: nodejs
    env:
      QUEUE: jobs
`)
	services, err := Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(services) != 3 {
		t.Fatalf("expected 3 services, got %+v", services)
	}
	byName := map[string]Service{}
	for _, s := range services {
		byName[s.Name] = s
	}
	if s := byName["web"]; s.Type != TypeNext || s.Port != 3000 {
		t.Fatalf("unexpected web %+v", s)
	}
	if s := byName["server"]; s.Type != TypeGo || s.Port != 9000 || s.Env["LOG_LEVEL"] != "debug" || s.Dir != "server" {
		t.Fatalf("unexpected server %+v", s)
	}
	if s := byName["worker"]; s.Type != TypeNode || s.Env["QUEUE"] != "jobs" {
		t.Fatalf("unexpected worker %+v", s)
	}
}

func TestScanManifestRejectsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ManifestFile, "services:\n  evil:\n    path: ../outside\n")
	if _, err := Scan(dir); err == nil {
		t.Fatal("expected error for path outside repository")
	}
}

func TestScanEmptyRepositoryFallsBackToStatic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "# hi")
	services, err := Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(services) != 1 || services[0].Type != TypeStatic || services[0].Port != 80 {
		t.Fatalf("unexpected services %+v", services)
	}
}

func TestServiceName(t *testing.T) {
	cases := map[string]string{
		"Frontend":                        "frontend",
		"my_api.v2":                       "my-api-v2",
		"--weird--":                       "weird",
		"a-very-long-service-name-indeed": "a-very-long-service",
		"!!!":                             "",
	}
	for in, want := range cases {
		if got := ServiceName(in); got != want {
			t.Fatalf("ServiceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConnectWiresFrontendToBackend(t *testing.T) {
	services := []Service{
		{Name: "api", Type: TypeFlask, Env: map[string]string{}},
		{Name: "web", Type: TypeNext, Env: map[string]string{}},
		{Name: "admin", Type: TypeVue, Env: map[string]string{"VUE_APP_API_URL": "http://custom"}, Connections: []string{"api"}},
	}
	Connect(services, func(name string) string { return "http://" + name + ".test:8090" })

	if got := services[1].Env["NEXT_PUBLIC_API_URL"]; got != "http://api.test:8090" {
		t.Fatalf("unexpected web api url %q", got)
	}
	if got := services[2].Env["VUE_APP_API_URL"]; got != "http://custom" {
		t.Fatalf("explicit variable overwritten: %q", got)
	}
	if got := services[0].Env["CORS_ORIGIN"]; !strings.HasPrefix(got, "http://") {
		t.Fatalf("backend missing CORS_ORIGIN: %v", services[0].Env)
	}
}

func TestEnsureDockerfileKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")
	name, generated, err := EnsureDockerfile(dir, Service{Dir: ".", Type: TypeNode, Port: 3000})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if generated || name != "Dockerfile" {
		t.Fatalf("expected existing Dockerfile, got %q generated=%v", name, generated)
	}
}

func TestEnsureDockerfileGenerates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "web/package.json", `{"packageManager":"pnpm@8.6.0","dependencies":{"vue":"3"}}`)
	name, generated, err := EnsureDockerfile(dir, Service{Dir: "web", Type: TypeVue, Port: 8080})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !generated || name != GeneratedDockerfile {
		t.Fatalf("expected generated file, got %q generated=%v", name, generated)
	}
	data, err := os.ReadFile(filepath.Join(dir, "web", name))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	content := string(data)
	for _, want := range []string{"pnpm install", "COPY --from=builder /app/dist", "EXPOSE 8080", "listen 8080;"} {
		if !strings.Contains(content, want) {
			t.Fatalf("dockerfile missing %q:\n%s", want, content)
		}
	}
}

func TestRenderDockerfileExposesPort(t *testing.T) {
	for _, typ := range []Type{TypeNext, TypeNode, TypeReact, TypeFlask, TypeDjango, TypePython, TypeGo, TypeStatic} {
		content := renderDockerfile(typ, 4321, nodePMNPM)
		if !strings.Contains(content, "EXPOSE 4321") {
			t.Fatalf("%s dockerfile does not expose port:\n%s", typ, content)
		}
	}
}

func TestWriteBuildEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "web/.env", "EXISTING=1")
	svc := Service{Dir: "web", Type: TypeReact, Env: map[string]string{"REACT_APP_API_URL": "http://api"}}
	if err := WriteBuildEnv(dir, svc); err != nil {
		t.Fatalf("write env: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "web", ".env"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "EXISTING=1\nREACT_APP_API_URL=http://api\n" {
		t.Fatalf("unexpected env file %q", data)
	}
}
