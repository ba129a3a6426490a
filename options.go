package stepglass

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds configuration overrides after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	storeName   string
	databaseURL string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	mcpDisabled bool
}

// WithPort overrides the TCP port from config (STEPGLASS_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStore overrides the store backend from config (STEPGLASS_STORE env var).
// Accepted values: memory, sqlite, postgres.
func WithStore(name string) Option {
	return func(o *resolvedOptions) { o.storeName = name }
}

// WithDatabaseURL overrides the Postgres connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the sqlite database file path from config
// (STEPGLASS_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithoutMCP disables the MCP endpoint regardless of config.
func WithoutMCP() Option {
	return func(o *resolvedOptions) { o.mcpDisabled = true }
}
