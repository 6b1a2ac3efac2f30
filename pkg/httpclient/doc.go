// Package httpclient provides a unified HTTP client factory with consistent
// timeout and logging behavior for locket's provider clients.
//
// The package creates HTTP clients with sensible, secure defaults including:
//   - Request logging with sanitized URLs (sensitive parameters redacted)
//   - User-Agent header injection
//   - TLS 1.2 minimum (TLS 1.3 preferred)
//   - Connection pooling for performance
//
// # Usage
//
// Create a client with default settings:
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Get("https://api.example.com/resource")
//
// Customize configuration:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "my-service/2.0"
//	cfg.Timeout = 60 * time.Second
//	client, err := httpclient.New(cfg)
//
// # Retry Behavior
//
// This package does not retry. The resolver (internal/resolve) is the sole
// owner of retry policy: it retries ProviderError{Kind: Transient} with its
// own jittered backoff, so a transport-level retry here would double-retry
// and obscure which errors the resolver actually saw. Providers that need
// their own request-level backoff (op-connect) implement it themselves.
//
// # Security
//
// The package includes security features:
//   - Sensitive query parameters (api_key, token, password, etc.) are redacted from logs
//   - Authorization headers are never logged
//   - TLS 1.2 minimum with certificate validation enabled
//   - Connection pooling limits prevent resource exhaustion
//
// # Observability
//
// All requests emit structured logs via log/slog:
//   - Debug level: successful requests (2xx status)
//   - Warn level: failed requests (4xx/5xx status, errors)
//   - Fields: method, url (sanitized), status, duration_ms, error
//
// # Integration
//
// This package is used by locket's HTTP-backed provider clients:
//   - op-connect
//   - bws (Bitwarden Secrets Manager)
//   - infisical
package httpclient
