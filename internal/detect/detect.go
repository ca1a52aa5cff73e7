// Package detect inspects a checked-out repository and decides which
// services it contains, what each one is, and how to containerise it.
package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Type is the detected framework of a service.
type Type string

const (
	TypeNext   Type = "nextjs"
	TypeReact  Type = "react"
	TypeVue    Type = "vue"
	TypeNode   Type = "nodejs"
	TypeFlask  Type = "flask"
	TypeDjango Type = "django"
	TypePython Type = "python"
	TypeGo     Type = "go"
	TypeStatic Type = "static"
)

var defaultPorts = map[Type]int{
	TypeNext:   3000,
	TypeReact:  3000,
	TypeVue:    8080,
	TypeNode:   3000,
	TypeFlask:  5000,
	TypeDjango: 8000,
	TypePython: 5000,
	TypeGo:     8080,
	TypeStatic: 80,
}

// DefaultPort returns the conventional listen port for t.
func DefaultPort(t Type) int {
	if p, ok := defaultPorts[t]; ok {
		return p
	}
	return 80
}

// ParseType maps a manifest value onto a Type. "auto" and "" return ok=false.
func ParseType(value string) (Type, bool) {
	v := Type(strings.ToLower(strings.TrimSpace(value)))
	switch v {
	case "express":
		return TypeNode, true
	case "unknown", "nginx":
		return TypeStatic, true
	}
	if _, ok := defaultPorts[v]; ok {
		return v, true
	}
	return "", false
}

// Frontend reports whether t serves a browser UI.
func (t Type) Frontend() bool {
	return t == TypeNext || t == TypeReact || t == TypeVue
}

// Backend reports whether t is an API server.
func (t Type) Backend() bool {
	switch t {
	case TypeNode, TypeFlask, TypeDjango, TypePython, TypeGo:
		return true
	}
	return false
}

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	return false
}

func loadPackageManifest(dir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

// DetectType inspects dir itself, without descending, and returns its Type.
// ok is false when nothing recognisable was found.
func DetectType(dir string) (Type, bool) {
	if manifest, ok := loadPackageManifest(dir); ok {
		switch {
		case manifest.hasDependency("next"):
			return TypeNext, true
		case manifest.hasDependency("react") && manifest.hasDependency("react-dom") && !manifest.hasDependency("express"):
			return TypeReact, true
		case manifest.hasDependency("vue"):
			return TypeVue, true
		default:
			return TypeNode, true
		}
	}
	if data, err := os.ReadFile(filepath.Join(dir, "requirements.txt")); err == nil {
		reqs := strings.ToLower(string(data))
		switch {
		case strings.Contains(reqs, "flask"):
			return TypeFlask, true
		case strings.Contains(reqs, "django"):
			return TypeDjango, true
		default:
			return TypePython, true
		}
	}
	if fileExists(filepath.Join(dir, "go.mod")) {
		return TypeGo, true
	}
	if fileExists(filepath.Join(dir, "index.html")) {
		return TypeStatic, true
	}
	return "", false
}

var (
	nodePortPattern   = regexp.MustCompile(`(?:-p\s*|--port[\s=]*|PORT=)(\d{2,5})`)
	pythonPortPattern = regexp.MustCompile(`(?i)\bport\s*=\s*(\d{2,5})`)
)

// DetectPort looks for an explicit port in the service sources and falls
// back to DefaultPort.
func DetectPort(t Type, dir string) int {
	switch t {
	case TypeNext, TypeNode:
		if manifest, ok := loadPackageManifest(dir); ok {
			for _, name := range []string{"start", "serve", "dev"} {
				if p := firstPort(nodePortPattern, manifest.Scripts[name]); p > 0 {
					return p
				}
			}
		}
	case TypeFlask, TypePython:
		entries, err := os.ReadDir(dir)
		if err != nil {
			break
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			if p := firstPort(pythonPortPattern, string(data)); p > 0 {
				return p
			}
		}
	}
	return DefaultPort(t)
}

func firstPort(pattern *regexp.Regexp, text string) int {
	m := pattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0
	}
	p, err := strconv.Atoi(m[1])
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
