package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GeneratedDockerfile is the file name written when a service has none.
const GeneratedDockerfile = "Dockerfile.quickdeploy"

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

// EnsureDockerfile returns the Dockerfile to build for svc, relative to the
// service directory. A Dockerfile already in the directory wins; otherwise
// one is rendered for the service type and written next to it.
func EnsureDockerfile(root string, svc Service) (string, bool, error) {
	dir := filepath.Join(root, svc.Dir)
	existing, err := findDockerfile(dir)
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		return existing, false, nil
	}
	content := renderDockerfile(svc.Type, svc.Port, detectNodePackageManager(dir))
	if err := os.WriteFile(filepath.Join(dir, GeneratedDockerfile), []byte(content), 0o644); err != nil {
		return "", false, fmt.Errorf("write dockerfile: %w", err)
	}
	return GeneratedDockerfile, true, nil
}

// renderDockerfile produces a Dockerfile that builds t inside the image and
// listens on port.
func renderDockerfile(t Type, port int, pm nodePackageManager) string {
	if port <= 0 {
		port = DefaultPort(t)
	}
	switch t {
	case TypeNext, TypeNode:
		return renderNodeDockerfile(t, pm, port)
	case TypeReact, TypeVue:
		return renderSPADockerfile(t, pm, port)
	case TypeFlask, TypeDjango, TypePython:
		return renderPythonDockerfile(t, port)
	case TypeGo:
		return renderGoDockerfile(port)
	default:
		return renderStaticDockerfile(port)
	}
}

func writeNodeInstall(b *strings.Builder, pm nodePackageManager) {
	switch pm {
	case nodePMYarn:
		b.WriteString("COPY package.json yarn.lock ./\n")
		b.WriteString("RUN corepack enable && yarn install --frozen-lockfile\n\n")
	case nodePMPNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml ./\n")
		b.WriteString("RUN corepack enable && pnpm install --frozen-lockfile\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi\n\n")
	}
}

func runScript(pm nodePackageManager, script string) string {
	switch pm {
	case nodePMYarn:
		return "yarn " + script
	case nodePMPNPM:
		return "pnpm run " + script
	default:
		return "npm run " + script
	}
}

func renderNodeDockerfile(t Type, pm nodePackageManager, port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-alpine\n")
	b.WriteString("WORKDIR /app\n\n")
	writeNodeInstall(&b, pm)
	b.WriteString("COPY . ./\n")
	if t == TypeNext {
		b.WriteString("ENV NEXT_TELEMETRY_DISABLED=1\n")
		b.WriteString("RUN " + runScript(pm, "build") + "\n")
	} else {
		b.WriteString("RUN " + runScript(pm, "build") + " --if-present || true\n")
	}
	b.WriteString("ENV NODE_ENV=production\n")
	fmt.Fprintf(&b, "ENV PORT=%d\n", port)
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	if t == TypeNext {
		fmt.Fprintf(&b, "CMD [\"npx\", \"next\", \"start\", \"-p\", \"%d\"]\n", port)
	} else {
		b.WriteString("CMD [\"npm\", \"start\"]\n")
	}
	return b.String()
}

func renderSPADockerfile(t Type, pm nodePackageManager, port int) string {
	out := "build"
	if t == TypeVue {
		out = "dist"
	}
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-alpine AS builder\n")
	b.WriteString("WORKDIR /app\n\n")
	writeNodeInstall(&b, pm)
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN " + runScript(pm, "build") + "\n\n")
	b.WriteString("FROM nginx:alpine\n")
	fmt.Fprintf(&b, "RUN sed -i 's/listen  *80;/listen %d;/' /etc/nginx/conf.d/default.conf\n", port)
	fmt.Fprintf(&b, "COPY --from=builder /app/%s /usr/share/nginx/html\n", out)
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	b.WriteString("CMD [\"nginx\", \"-g\", \"daemon off;\"]\n")
	return b.String()
}

func renderPythonDockerfile(t Type, port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM python:3.11-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends gcc libpq-dev && rm -rf /var/lib/apt/lists/*\n")
	b.WriteString("COPY requirements.txt ./\n")
	b.WriteString("RUN pip install --no-cache-dir -r requirements.txt gunicorn\n\n")
	b.WriteString("COPY . ./\n")
	fmt.Fprintf(&b, "ENV PORT=%d\n", port)
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	switch t {
	case TypeDjango:
		b.WriteString("CMD [\"sh\", \"-c\", \"gunicorn --bind 0.0.0.0:$PORT $(basename $(dirname $(find . -maxdepth 2 -name wsgi.py | head -n 1))).wsgi:application\"]\n")
	case TypeFlask:
		b.WriteString("CMD [\"sh\", \"-c\", \"gunicorn --bind 0.0.0.0:$PORT app:app\"]\n")
	default:
		b.WriteString("CMD [\"sh\", \"-c\", \"python $(ls main.py app.py 2>/dev/null | head -n 1)\"]\n")
	}
	return b.String()
}

func renderGoDockerfile(port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM golang:1.24 AS builder\n")
	b.WriteString("WORKDIR /src\n\n")
	b.WriteString("COPY go.* ./\n")
	b.WriteString("RUN go mod download\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN CGO_ENABLED=0 GOOS=linux go build -o /out/app .\n\n")
	b.WriteString("FROM gcr.io/distroless/static-debian12\n")
	b.WriteString("COPY --from=builder /out/app /app\n")
	fmt.Fprintf(&b, "ENV PORT=%d\n", port)
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	b.WriteString("ENTRYPOINT [\"/app\"]\n")
	return b.String()
}

func renderStaticDockerfile(port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM nginx:alpine\n")
	fmt.Fprintf(&b, "RUN sed -i 's/listen  *80;/listen %d;/' /etc/nginx/conf.d/default.conf\n", port)
	b.WriteString("COPY . /usr/share/nginx/html\n")
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	b.WriteString("CMD [\"nginx\", \"-g\", \"daemon off;\"]\n")
	return b.String()
}

func findDockerfile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read service dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), "dockerfile") {
			return entry.Name(), nil
		}
	}
	return "", nil
}

func detectNodePackageManager(dir string) nodePackageManager {
	if manifest, ok := loadPackageManifest(dir); ok {
		if parsed := parseNodePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return nodePMYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func parseNodePackageManager(value string) nodePackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return nodePMYarn
	case "pnpm":
		return nodePMPNPM
	case "npm":
		return nodePMNPM
	default:
		return ""
	}
}
