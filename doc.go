// Package redis implements a client for a Redis-compatible in-memory data
// server. It covers the RESP wire codec, a reconnecting Connection, four
// command executor variants (direct, pipeline, transaction, pub/sub), and a
// cluster dispatcher that follows -MOVED/-ASK redirections.
//
// TLS session setup, URL-level address resolution beyond ConnectOpts, and
// the exhaustive per-command surface are treated as thin wrappers over the
// executor and are not the focus of this package's design.
package redis

// Logger is the ambient logging seam. The zero value of Client uses a no-op
// Logger; callers that want visibility into reconnects and redirections
// supply their own, e.g. a github.com/sirupsen/logrus adapter.
type Logger interface {
	Printf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}
