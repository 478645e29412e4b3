package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("tabletalk-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Catalog.Backend != BackendMemory {
		t.Fatalf("Catalog.Backend = %q", cfg.Catalog.Backend)
	}
	if cfg.ObjectStore.Backend != BackendMemory {
		t.Fatalf("ObjectStore.Backend = %q", cfg.ObjectStore.Backend)
	}
	if cfg.Datasets.MaxPerTenant != 20 {
		t.Fatalf("Datasets.MaxPerTenant = %d", cfg.Datasets.MaxPerTenant)
	}
	if cfg.Executor.ConfirmMode != ConfirmModeReplay {
		t.Fatalf("Executor.ConfirmMode = %q", cfg.Executor.ConfirmMode)
	}
	if cfg.Executor.MaxResultRows != 500 {
		t.Fatalf("Executor.MaxResultRows = %d", cfg.Executor.MaxResultRows)
	}
	if cfg.Sessions.TTL != 30*time.Minute {
		t.Fatalf("Sessions.TTL = %s", cfg.Sessions.TTL)
	}
	if cfg.AI.Provider != "openai" {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.AI.AnswerTemperature != 0.5 {
		t.Fatalf("AI.AnswerTemperature = %f", cfg.AI.AnswerTemperature)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"*"}) {
		t.Fatalf("CORS.AllowedOrigins = %#v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"TABLETALK_PROFILE": "prod"})
	cfg, err := Load("tabletalk-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Catalog.Backend != BackendPostgres || cfg.Sessions.Backend != BackendPostgres {
		t.Fatalf("backends = %q/%q, want postgres", cfg.Catalog.Backend, cfg.Sessions.Backend)
	}
	if cfg.ObjectStore.Backend != BackendS3 {
		t.Fatalf("ObjectStore.Backend = %q", cfg.ObjectStore.Backend)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if len(cfg.CORS.AllowedOrigins) != 0 {
		t.Fatalf("CORS.AllowedOrigins = %#v, want none", cfg.CORS.AllowedOrigins)
	}
}

func TestLoadTestProfileUsesStaticProvider(t *testing.T) {
	cfg, err := Load("tabletalk-api", mapLookup(map[string]string{"TABLETALK_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AI.Provider != "static" {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.Maintenance.RunInBackground {
		t.Fatal("Maintenance.RunInBackground should be false in test")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"TABLETALK_PROFILE":                    "test",
		"TABLETALK_SERVICE_NAME":               "tabletalk-custom",
		"TABLETALK_HTTP_ADDR":                  ":9999",
		"TABLETALK_HTTP_READ_TIMEOUT":          "2s",
		"TABLETALK_LOG_LEVEL":                  "error",
		"TABLETALK_AUTH_REQUIRED":              "true",
		"TABLETALK_AUTH_STATIC_KEYS":           "k1:t1:analyst",
		"TABLETALK_CATALOG_BACKEND":            "postgres",
		"TABLETALK_CATALOG_DSN":                "postgres://example",
		"TABLETALK_CATALOG_MAX_OPEN_CONNS":     "42",
		"TABLETALK_OBJECTSTORE_BACKEND":        "s3",
		"TABLETALK_OBJECTSTORE_BUCKET":         "tabletalk-prod",
		"TABLETALK_OBJECTSTORE_PREFIX":         "root",
		"TABLETALK_DATASETS_MAX_PER_TENANT":    "3",
		"TABLETALK_DATASETS_MAX_UPLOAD_BYTES":  "1048576",
		"TABLETALK_DATASETS_IGNORE_COLUMNS":    "id, internal_note ,",
		"TABLETALK_DATASETS_MAX_DISTINCT_VALUES": "50",
		"TABLETALK_EXECUTOR_TIMEOUT":           "5s",
		"TABLETALK_EXECUTOR_PREVIEW_TIMEOUT":   "2s",
		"TABLETALK_EXECUTOR_MAX_RESULT_ROWS":   "25",
		"TABLETALK_EXECUTOR_MEMORY_LIMIT":      "256MB",
		"TABLETALK_EXECUTOR_THREADS":           "1",
		"TABLETALK_EXECUTOR_CONFIRM_MODE":      "Resynthesize",
		"TABLETALK_SESSIONS_BACKEND":           "postgres",
		"TABLETALK_SESSIONS_TTL":               "10m",
		"TABLETALK_MAINTENANCE_INTERVAL":       "45s",
		"TABLETALK_MAINTENANCE_DATASET_IDLE_TTL": "72h",
		"TABLETALK_UI_ENABLED":                 "false",
		"TABLETALK_CORS_ALLOWED_ORIGINS":       "https://a.example.com,https://b.example.com",
		"TABLETALK_AI_PROVIDER":                "ollama",
		"TABLETALK_AI_BASE_URL":                "http://localhost:11434",
		"TABLETALK_AI_API_KEY":                 "secret-key",
		"TABLETALK_AI_QUERY_MODEL":             "llama3",
		"TABLETALK_AI_ANSWER_MODEL":            "llama3:70b",
		"TABLETALK_AI_CHART_MODEL":             "codellama",
		"TABLETALK_AI_ANSWER_TEMPERATURE":      "0.3",
		"TABLETALK_AI_MAX_TOKENS":              "2048",
		"TABLETALK_AI_TIMEOUT":                 "21s",
	})
	cfg, err := Load("tabletalk-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "tabletalk-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:t1:analyst" {
		t.Fatalf("Auth = %#v", cfg.Auth)
	}
	if cfg.Catalog.Backend != BackendPostgres || cfg.Catalog.DSN != "postgres://example" {
		t.Fatalf("Catalog = %#v", cfg.Catalog)
	}
	if cfg.Catalog.MaxOpenConns != 42 {
		t.Fatalf("Catalog.MaxOpenConns = %d", cfg.Catalog.MaxOpenConns)
	}
	if cfg.ObjectStore.Backend != BackendS3 || cfg.ObjectStore.Bucket != "tabletalk-prod" || cfg.ObjectStore.Prefix != "root" {
		t.Fatalf("ObjectStore = %#v", cfg.ObjectStore)
	}
	if cfg.Datasets.MaxPerTenant != 3 {
		t.Fatalf("Datasets.MaxPerTenant = %d", cfg.Datasets.MaxPerTenant)
	}
	if cfg.Datasets.MaxUploadBytes != 1<<20 {
		t.Fatalf("Datasets.MaxUploadBytes = %d", cfg.Datasets.MaxUploadBytes)
	}
	if !reflect.DeepEqual(cfg.Datasets.IgnoreColumns, []string{"id", "internal_note"}) {
		t.Fatalf("Datasets.IgnoreColumns = %#v", cfg.Datasets.IgnoreColumns)
	}
	if cfg.Datasets.MaxDistinctValues != 50 {
		t.Fatalf("Datasets.MaxDistinctValues = %d", cfg.Datasets.MaxDistinctValues)
	}
	if cfg.Executor.Timeout != 5*time.Second || cfg.Executor.PreviewTimeout != 2*time.Second {
		t.Fatalf("Executor timeouts = %s/%s", cfg.Executor.Timeout, cfg.Executor.PreviewTimeout)
	}
	if cfg.Executor.MaxResultRows != 25 || cfg.Executor.MemoryLimit != "256MB" || cfg.Executor.Threads != 1 {
		t.Fatalf("Executor = %#v", cfg.Executor)
	}
	if cfg.Executor.ConfirmMode != ConfirmModeResynthesize {
		t.Fatalf("Executor.ConfirmMode = %q", cfg.Executor.ConfirmMode)
	}
	if cfg.Sessions.Backend != BackendPostgres || cfg.Sessions.TTL != 10*time.Minute {
		t.Fatalf("Sessions = %#v", cfg.Sessions)
	}
	if cfg.Maintenance.Interval != 45*time.Second || cfg.Maintenance.DatasetIdleTTL != 72*time.Hour {
		t.Fatalf("Maintenance = %#v", cfg.Maintenance)
	}
	if cfg.UI.Enabled {
		t.Fatal("UI.Enabled = true, want false")
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.example.com", "https://b.example.com"}) {
		t.Fatalf("CORS.AllowedOrigins = %#v", cfg.CORS.AllowedOrigins)
	}
	if cfg.AI.Provider != "ollama" || cfg.AI.BaseURL != "http://localhost:11434" || cfg.AI.APIKey != "secret-key" {
		t.Fatalf("AI = %#v", cfg.AI)
	}
	if cfg.AI.QueryModel != "llama3" || cfg.AI.AnswerModel != "llama3:70b" || cfg.AI.ChartModel != "codellama" {
		t.Fatalf("AI models = %q/%q/%q", cfg.AI.QueryModel, cfg.AI.AnswerModel, cfg.AI.ChartModel)
	}
	if cfg.AI.AnswerTemperature != 0.3 {
		t.Fatalf("AI.AnswerTemperature = %f", cfg.AI.AnswerTemperature)
	}
	if cfg.AI.MaxTokens != 2048 {
		t.Fatalf("AI.MaxTokens = %d", cfg.AI.MaxTokens)
	}
	if cfg.AI.Timeout != 21*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"TABLETALK_PROFILE": "oops"},
		{"TABLETALK_HTTP_READ_TIMEOUT": "NaN"},
		{"TABLETALK_CATALOG_MAX_OPEN_CONNS": "oops"},
		{"TABLETALK_CATALOG_BACKEND": "mysql"},
		{"TABLETALK_CATALOG_BACKEND": "postgres", "TABLETALK_CATALOG_DSN": ""},
		{"TABLETALK_OBJECTSTORE_BACKEND": "gcs"},
		{"TABLETALK_DATASETS_MAX_UPLOAD_BYTES": "lots"},
		{"TABLETALK_DATASETS_MAX_PER_TENANT": "-1"},
		{"TABLETALK_EXECUTOR_MAX_RESULT_ROWS": "0"},
		{"TABLETALK_EXECUTOR_TIMEOUT": "0s"},
		{"TABLETALK_EXECUTOR_CONFIRM_MODE": "sometimes"},
		{"TABLETALK_AI_PROVIDER": "gemini"},
		{"TABLETALK_AI_ANSWER_TEMPERATURE": "bad"},
		{"TABLETALK_AUTH_REQUIRED": "not-bool"},
		{"TABLETALK_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("tabletalk-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a, ,b,,c ")
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("SplitList() = %#v", got)
	}
	if got := SplitList(""); len(got) != 0 {
		t.Fatalf("SplitList(\"\") = %#v", got)
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
