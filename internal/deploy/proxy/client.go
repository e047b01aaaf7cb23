package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
	"github.com/qiniu/zerodeploy/internal/deploy/transport"
)

// ProxyContainer is the name of the proxy container on every host.
const ProxyContainer = "kamal-proxy"

// Client applies a route to the proxy running on a host.
type Client interface {
	Deploy(ctx context.Context, host model.Host, route model.ProxyRoute, drain time.Duration) error
}

// TransportClient drives kamal-proxy through docker exec.
type TransportClient struct {
	transport transport.Transport
	service   string
}

func NewTransportClient(t transport.Transport, service string) *TransportClient {
	return &TransportClient{transport: t, service: service}
}

// ServiceName is the proxy-side name of a role's route.
func ServiceName(service, role string) string { return service + "-" + role }

func (c *TransportClient) Deploy(ctx context.Context, host model.Host, route model.ProxyRoute, drain time.Duration) error {
	args := []string{
		"docker", "exec", ProxyContainer, "kamal-proxy", "deploy", ServiceName(c.service, route.Role),
		"--target", route.Active.Address,
		"--drain-timeout", drain.String(),
	}
	if route.Public != "" {
		args = append(args, "--host", route.Public)
	}
	if route.TLS {
		args = append(args, "--tls")
	}
	cmd := transport.Join(args...)

	res, err := c.transport.Run(ctx, host, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		log.Warn().Str("host", host.Address).Str("role", route.Role).Int("exit", res.ExitCode).
			Str("stderr", strings.TrimSpace(res.Stderr)).Msg("proxy refused target")
		// kamal-proxy checks the target before switching, a refusal leaves the old target serving
		return fmt.Errorf("%w: proxy deploy: %w", model.ErrUnhealthy,
			&model.CommandError{Host: host.Address, Command: cmd, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)})
	}
	return nil
}
