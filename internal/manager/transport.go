package manager

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/transport"
	"github.com/advancedcontrol/engine/pkg/types"
)

// newTransport picks the transport flavour the settings describe.
func newTransport(s types.Settings, deps Deps, h transport.Handler, waitReady []byte, logger pslog.Logger) (transport.Transport, error) {
	cfg := transport.TCPConfig{
		WaitReady: waitReady,
		Backoff:   deps.Backoff,
		Logger:    logger,
	}
	switch s.Role {
	case types.RoleService:
		addr, useTLS, err := serviceAddress(s.URI)
		if err != nil {
			return nil, err
		}
		cfg.Address = addr
		if useTLS || s.TLS {
			cfg.TLS = tlsConfig(addr, s.Config)
		}
		return transport.NewTCP(deps.Reactor, h, cfg), nil
	case types.RoleDevice:
		if s.Address == "" || s.Port <= 0 {
			return nil, fmt.Errorf("device %s: address and port are required", s.ID)
		}
		cfg.Address = s.Endpoint()
		if s.UDP {
			if deps.UDP == nil {
				return nil, errors.New("udp sockets unavailable")
			}
			sock, err := deps.UDP.For(deps.Reactor)
			if err != nil {
				return nil, err
			}
			return transport.NewUDP(sock, h, cfg.Address)
		}
		if s.TLS {
			cfg.TLS = tlsConfig(cfg.Address, s.Config)
		}
		if s.MakeBreak {
			return transport.NewMakeBreak(deps.Reactor, h, cfg), nil
		}
		return transport.NewTCP(deps.Reactor, h, cfg), nil
	default:
		return nil, fmt.Errorf("role %q has no transport", s.Role)
	}
}

// serviceAddress returns host:port for uri and whether it needs TLS.
func serviceAddress(uri string) (string, bool, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", false, fmt.Errorf("service uri: %w", err)
	}
	if u.Hostname() == "" {
		return "", false, fmt.Errorf("service uri %q has no host", uri)
	}
	secure := strings.EqualFold(u.Scheme, "https") || strings.EqualFold(u.Scheme, "wss")
	port := u.Port()
	if port == "" {
		if secure {
			port = "443"
		} else {
			port = "80"
		}
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", false, fmt.Errorf("service uri %q: bad port", uri)
	}
	return net.JoinHostPort(u.Hostname(), port), secure, nil
}

func tlsConfig(addr string, cfg map[string]any) *tls.Config {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	insecure, _ := cfg["tls_insecure"].(bool)
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecure, //nolint:gosec // opt-in per module for self-signed devices
		MinVersion:         tls.VersionTLS12,
	}
}
