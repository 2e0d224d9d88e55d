// Package collab holds the narrow collaborator interfaces the core
// analytic engine consumes but never implements itself: wire transport,
// secret resolution, and external feature health. Concrete
// implementations (stdio framing, a secrets backend, a health poller)
// are non-goals of the core and live under cmd/.
package collab

import "context"

// Transport is a byte-stream of framed JSON-RPC messages. The core reads
// one request at a time and writes one response at a time; it never
// assumes anything about how bytes reach the wire.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, msg []byte) error
	Close() error
}

// SecretsProvider resolves an opaque reference (e.g. "env:DSHIELD_API_KEY")
// to its value. The core never reads environment variables or files
// directly for credentials.
type SecretsProvider interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// FeatureManager exposes an atomically-swapped snapshot of which named
// capabilities are currently healthy, driven by health checks against
// external dependencies the core does not perform itself.
type FeatureManager interface {
	Healthy(feature string) bool
	Missing(features []string) []string
}
