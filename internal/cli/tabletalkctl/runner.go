package tabletalkctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	TenantID   string
	SessionID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	tenantID  string
	sessionID string
}

// Run executes one command and returns the process exit code: 0 on
// success, 1 on request or server failure, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := defaults.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	fs := flag.NewFlagSet("tabletalkctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "tabletalk API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	tenantID := fs.String("tenant-id", defaults.TenantID, "Tenant ID header (used when auth is disabled)")
	sessionID := fs.String("session-id", firstNonEmpty(defaults.SessionID, "cli"), "Session ID that owns pending interactions")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	httpClient := defaults.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: *timeout}
	}
	c := &client{
		http:      httpClient,
		baseURL:   strings.TrimRight(*baseURL, "/"),
		apiKey:    strings.TrimSpace(*apiKey),
		tenantID:  strings.TrimSpace(*tenantID),
		sessionID: strings.TrimSpace(*sessionID),
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	switch command {
	case "health":
		return c.simple(ctx, stdout, stderr, http.MethodGet, "/v1/health")
	case "ready":
		return c.simple(ctx, stdout, stderr, http.MethodGet, "/v1/ready")
	case "datasets":
		return c.simple(ctx, stdout, stderr, http.MethodGet, "/v1/datasets")
	case "maintenance-run":
		return c.simple(ctx, stdout, stderr, http.MethodPost, "/v1/maintenance/run")
	case "gc-run":
		return c.simple(ctx, stdout, stderr, http.MethodPost, "/v1/gc/run")
	case "integrity-run":
		return c.simple(ctx, stdout, stderr, http.MethodPost, "/v1/integrity/run")
	case "profile", "delete", "retry", "abandon":
		if len(rest) != 1 {
			_, _ = fmt.Fprintf(stderr, "%s requires exactly one argument\n", command)
			return 2
		}
		method, path := namedRoute(command, rest[0])
		return c.simple(ctx, stdout, stderr, method, path)
	case "upload":
		return c.upload(ctx, rest, stdout, stderr)
	case "ask":
		return c.interact(ctx, "/v1/ask", rest, stdin, stdout, stderr)
	case "visualize":
		return c.interact(ctx, "/v1/visualize", rest, stdin, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func namedRoute(command, arg string) (string, string) {
	escaped := url.PathEscape(arg)
	switch command {
	case "profile":
		return http.MethodGet, "/v1/datasets/" + escaped + "/profile"
	case "delete":
		return http.MethodDelete, "/v1/datasets/" + escaped
	case "retry":
		return http.MethodPost, "/v1/interactions/" + escaped + "/retry"
	default:
		return http.MethodDelete, "/v1/interactions/" + escaped
	}
}

func (c *client) simple(ctx context.Context, stdout, stderr io.Writer, method, path string) int {
	code, body, err := c.do(ctx, method, path, "", nil)
	return report(stdout, stderr, code, body, err)
}

func (c *client) upload(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dictionary := fs.String("dictionary", "", "Path to a data dictionary text file")
	ignore := fs.String("ignore", "", "Comma separated columns to leave out of the profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "upload requires a file path")
		return 2
	}

	body, contentType, err := uploadBody(fs.Arg(0), *dictionary, *ignore)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "prepare upload: %v\n", err)
		return 1
	}
	code, response, err := c.do(ctx, http.MethodPost, "/v1/datasets", contentType, body)
	return report(stdout, stderr, code, response, err)
}

func uploadBody(filePath, dictionaryPath, ignore string) (*bytes.Buffer, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = file.Close() }()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", err
	}
	if dictionaryPath != "" {
		dictionary, err := os.ReadFile(dictionaryPath)
		if err != nil {
			return nil, "", err
		}
		if err := writer.WriteField("data_dictionary", string(dictionary)); err != nil {
			return nil, "", err
		}
	}
	if strings.TrimSpace(ignore) != "" {
		if err := writer.WriteField("ignore_columns", ignore); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// interact previews the question, shows the result count and then
// confirms, retries or abandons based on the operator's reply.
func (c *client) interact(ctx context.Context, path string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(strings.TrimPrefix(path, "/v1/"), flag.ContinueOnError)
	fs.SetOutput(stderr)
	yes := fs.Bool("yes", false, "Confirm without prompting")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		_, _ = fmt.Fprintf(stderr, "%s requires a dataset and a question\n", fs.Name())
		return 2
	}
	dataset := fs.Arg(0)
	question := strings.Join(fs.Args()[1:], " ")

	payload, _ := json.Marshal(map[string]any{"dataset": dataset, "question": question})
	code, body, err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload))
	if failed(stderr, code, body, err) {
		return 1
	}

	reader := bufio.NewReader(stdin)
	for {
		var pending struct {
			InteractionID string `json:"interaction_id"`
			Count         int64  `json:"count"`
			Attempts      int    `json:"attempts"`
		}
		if err := json.Unmarshal(body, &pending); err != nil {
			_, _ = fmt.Fprintf(stderr, "decode preview: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "The query returns %d row(s) (attempt %d).\n", pending.Count, pending.Attempts)

		answer := "y"
		if !*yes {
			_, _ = fmt.Fprint(stdout, "Confirm? [y]es / [r]etry / [N]o: ")
			line, _ := reader.ReadString('\n')
			answer = strings.ToLower(strings.TrimSpace(line))
		}

		switch answer {
		case "y", "yes":
			confirm, _ := json.Marshal(map[string]any{"confirm": true, "interaction_id": pending.InteractionID})
			code, body, err = c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(confirm))
			return report(stdout, stderr, code, body, err)
		case "r", "retry":
			code, body, err = c.do(ctx, http.MethodPost, "/v1/interactions/"+url.PathEscape(pending.InteractionID)+"/retry", "", nil)
			if failed(stderr, code, body, err) {
				return 1
			}
		default:
			code, body, err = c.do(ctx, http.MethodDelete, "/v1/interactions/"+url.PathEscape(pending.InteractionID), "", nil)
			if failed(stderr, code, body, err) {
				return 1
			}
			_, _ = fmt.Fprintln(stdout, "Abandoned.")
			return 0
		}
	}
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if c.sessionID != "" {
		req.Header.Set("X-Session-ID", c.sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func failed(stderr io.Writer, code int, body []byte, err error) bool {
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return true
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(body)))
		return true
	}
	return false
}

func report(stdout, stderr io.Writer, code int, body []byte, err error) int {
	if failed(stderr, code, body, err) {
		return 1
	}
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(stdout, string(body))
	}
	return 0
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: tabletalkctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                              GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                               GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  datasets                            GET /v1/datasets")
	_, _ = fmt.Fprintln(w, "  upload [-dictionary f] [-ignore c] <file>")
	_, _ = fmt.Fprintln(w, "  delete <dataset>                    DELETE /v1/datasets/{name}")
	_, _ = fmt.Fprintln(w, "  profile <dataset>                   GET /v1/datasets/{name}/profile")
	_, _ = fmt.Fprintln(w, "  ask [-yes] <dataset> <question>     preview, then confirm")
	_, _ = fmt.Fprintln(w, "  visualize [-yes] <dataset> <question>")
	_, _ = fmt.Fprintln(w, "  retry <interaction-id>              POST /v1/interactions/{id}/retry")
	_, _ = fmt.Fprintln(w, "  abandon <interaction-id>            DELETE /v1/interactions/{id}")
	_, _ = fmt.Fprintln(w, "  maintenance-run                     POST /v1/maintenance/run")
	_, _ = fmt.Fprintln(w, "  gc-run                              POST /v1/gc/run")
	_, _ = fmt.Fprintln(w, "  integrity-run                       POST /v1/integrity/run")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
