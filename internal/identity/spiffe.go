// Package identity sources workload identities from a SPIRE agent and
// turns them into TLS configs for the stream-socket tier.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// sourceTimeout bounds the initial SPIRE connection so a missing agent
// fails startup quickly instead of hanging it.
const sourceTimeout = 3 * time.Second

// Source holds the process's X.509 SVID, auto-rotated by the workload API.
type Source struct {
	source *workloadapi.X509Source
	logger *slog.Logger
}

// NewSource connects to the SPIRE agent on socketPath.
func NewSource(socketPath string, logger *slog.Logger) (*Source, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sourceTimeout)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	svid, err := source.GetX509SVID()
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("fetch SVID: %w", err)
	}
	logger.Info("Workload identity loaded", "spiffe_id", svid.ID.String(), "socket", socketPath)

	return &Source{source: source, logger: logger.With("component", "identity")}, nil
}

// ServerTLSConfig builds the mTLS config for the stream listener. Any
// peer in the trust domain may connect; the session token authorizes it.
func (s *Source) ServerTLSConfig() *tls.Config {
	return tlsconfig.MTLSServerConfig(s.source, s.source, tlsconfig.AuthorizeAny())
}

// ClientTLSConfig builds the mTLS config agents and the CLI dial with.
func (s *Source) ClientTLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(s.source, s.source, tlsconfig.AuthorizeAny())
}

// Close releases the workload API stream.
func (s *Source) Close() error {
	return s.source.Close()
}
