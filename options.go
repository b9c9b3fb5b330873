package betrace

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger         *slog.Logger
	version        string
	databaseURL    string
	deadLetterPath string
	signingKey     string
	ruleSource     RuleSource
	signalSink     SignalSink
	auditSink      AuditSink
	signer         Signer
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRuleSource sets the rule-store collaborator that supplies each
// tenant's compiled rules. Required.
func WithRuleSource(src RuleSource) Option {
	return func(o *resolvedOptions) { o.ruleSource = src }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). Ignored when WithSignalSink and WithAuditSink
// replace the built-in Postgres adapters.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSignalSink replaces the built-in Postgres signal sink.
func WithSignalSink(sink SignalSink) Option {
	return func(o *resolvedOptions) { o.signalSink = sink }
}

// WithAuditSink replaces the built-in Postgres audit writer.
func WithAuditSink(sink AuditSink) Option {
	return func(o *resolvedOptions) { o.auditSink = sink }
}

// WithSigner replaces the default HMAC-SHA256 signal signer. Use this to
// integrate an external key-management service.
func WithSigner(s Signer) Option {
	return func(o *resolvedOptions) { o.signer = s }
}

// WithDeadLetterPath overrides the SQLite dead-letter file location
// (BETRACE_DEAD_LETTER_PATH env var).
func WithDeadLetterPath(path string) Option {
	return func(o *resolvedOptions) { o.deadLetterPath = path }
}

// WithSigningKey overrides the HMAC signing key from config
// (BETRACE_SIGNING_KEY env var). Ignored when WithSigner is set.
func WithSigningKey(key string) Option {
	return func(o *resolvedOptions) { o.signingKey = key }
}
