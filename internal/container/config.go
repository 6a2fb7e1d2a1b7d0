package container

import (
	"fmt"
	"strings"
)

// Config is how the Container Driver reaches the Docker Engine API for a
// single vehicle's container runtime. Unlike a multi-tenant control plane,
// this runtime only ever has one of these — built once at boot from the
// top-level runtime config — so there is no per-tenant lookup or JSON blob
// storage around it, just a value passed straight into NewRuntime.
type Config struct {
	// Host is the Docker daemon endpoint, e.g. "unix:///var/run/docker.sock"
	// for the common single-board-computer deployment or "tcp://host:2375"
	// when the daemon runs off-box.
	Host string

	// APIVersion pins the Docker Engine API version instead of relying on
	// negotiation. Leave empty to negotiate against whatever the daemon
	// advertises.
	APIVersion string

	// Network is the Docker network every managed app container attaches
	// to, created on demand if it doesn't already exist.
	Network string

	// TLS carries client certificate material for a daemon exposed over
	// TCP with mutual TLS. Nil means the connection is unauthenticated
	// (the unix socket case).
	TLS *TLSConfig

	// RegistryAuth is sent with image pulls when the configured image
	// lives in a private registry.
	RegistryAuth *RegistryAuth
}

// TLSConfig is the PEM-encoded client identity used to dial a Docker daemon
// over TCP.
type TLSConfig struct {
	CertPEM string
	KeyPEM  string
	CAPEM   string
}

// RegistryAuth is credential material for a single private image registry.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

// Validate checks that cfg has enough to dial a daemon and, if TLS or
// registry auth is configured, that it's complete rather than partial.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("container config cannot be nil")
	}
	if cfg.Host == "" {
		return fmt.Errorf("container config: host is required")
	}

	if cfg.TLS != nil {
		if cfg.TLS.CertPEM == "" || cfg.TLS.KeyPEM == "" || cfg.TLS.CAPEM == "" {
			return fmt.Errorf("container config: tls requires cert_pem, key_pem, and ca_pem")
		}
	}

	if cfg.RegistryAuth != nil {
		if cfg.RegistryAuth.Username == "" {
			return fmt.Errorf("container config: registry_auth.username is required")
		}
		if cfg.RegistryAuth.Password == "" {
			return fmt.Errorf("container config: registry_auth.password is required")
		}
	}

	return nil
}

// dockerHostname reports the bare host component of a Docker daemon
// endpoint for use as the TLS server name when connecting to it, e.g.
// "tcp://edge-box.local:2376" -> "edge-box.local" and any unix socket ->
// "localhost".
func dockerHostname(endpoint string) string {
	if rest, ok := strings.CutPrefix(endpoint, "tcp://"); ok {
		if idx := strings.LastIndex(rest, ":"); idx > 0 {
			return rest[:idx]
		}
		return rest
	}
	if strings.HasPrefix(endpoint, "unix://") {
		return "localhost"
	}
	return endpoint
}
