package api

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// openAPIOperations returns the documented methods keyed by path, reading
// only the two indentation levels under "paths:".
func openAPIOperations(t *testing.T) map[string]map[string]bool {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	repoRoot := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	file, err := os.Open(filepath.Join(repoRoot, "api", "openapi.yaml"))
	if err != nil {
		t.Fatalf("open openapi file error = %v", err)
	}
	defer func() { _ = file.Close() }()

	operations := map[string]map[string]bool{}
	inPaths := false
	current := ""
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "paths:":
			inPaths = true
		case !inPaths:
		case line != "" && !strings.HasPrefix(line, " "):
			inPaths = false
		case strings.HasPrefix(line, "  /") && strings.HasSuffix(line, ":"):
			current = strings.TrimSuffix(strings.TrimSpace(line), ":")
			operations[current] = map[string]bool{}
		case current != "" && strings.HasPrefix(line, "    ") && !strings.HasPrefix(line, "     ") && strings.HasSuffix(line, ":"):
			operations[current][strings.TrimSuffix(strings.TrimSpace(line), ":")] = true
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan openapi file error = %v", err)
	}
	return operations
}

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	operations := openAPIOperations(t)

	routes := []string{
		"GET /v1/health",
		"GET /v1/ready",
		"GET /v1/metrics",
		"GET /v1/datasets",
		"POST /v1/datasets",
		"GET /v1/datasets/{name}",
		"DELETE /v1/datasets/{name}",
		"GET /v1/datasets/{name}/profile",
		"POST /v1/ask",
		"POST /v1/visualize",
		"GET /v1/interactions/{id}",
		"DELETE /v1/interactions/{id}",
		"POST /v1/interactions/{id}/retry",
		"POST /v1/maintenance/run",
		"POST /v1/gc/run",
		"POST /v1/integrity/run",
	}
	for _, route := range routes {
		method, path, _ := strings.Cut(route, " ")
		methods, ok := operations[path]
		if !ok {
			t.Errorf("openapi missing path %s", path)
			continue
		}
		if !methods[strings.ToLower(method)] {
			t.Errorf("openapi path %s missing %s operation", path, method)
		}
	}
}
