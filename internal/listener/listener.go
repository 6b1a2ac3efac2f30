// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package listener provides the Unix socket listener the volume driver
// server (C10) binds to, plus an optional TCP listener selected by
// Config.TCPAddr (the `locket volume` command itself only sets SocketPath).
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Config describes the listener the volume driver binds to. The plugin
// protocol is specified as a Unix-domain socket (spec §6); TCPAddr exists
// for local testing and is gated behind AllowRemote exactly like the
// teacher's controller listener.
type Config struct {
	// SocketPath is the Unix socket path (default).
	SocketPath string

	// TCPAddr is an optional TCP address to listen on instead (e.g. ":9000").
	TCPAddr string

	// AllowRemote must be true to bind to non-localhost TCP addresses.
	AllowRemote bool

	// TLSCert and TLSKey, if both set, wrap the TCP listener in TLS.
	TLSCert string
	TLSKey  string
}

// New creates a listener from cfg. Priority: TCP (if configured) > Unix
// socket (default, and the only transport the plugin protocol itself
// specifies).
func New(cfg Config) (net.Listener, error) {
	if cfg.TCPAddr != "" {
		return newTCPListener(cfg)
	}
	return newUnixListener(cfg.SocketPath)
}

// newUnixListener creates a Unix socket listener at socketPath, removing
// any stale socket file left behind by a prior process and restricting
// permissions to the owner.
func newUnixListener(socketPath string) (net.Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	return ln, nil
}

// newTCPListener creates a TCP listener, with optional TLS.
func newTCPListener(cfg Config) (net.Listener, error) {
	if !cfg.AllowRemote && isRemoteAddr(cfg.TCPAddr) {
		return nil, fmt.Errorf(
			"binding to %s exposes the volume driver to the network; "+
				"set AllowRemote to acknowledge, or keep the default Unix socket",
			cfg.TCPAddr,
		)
	}

	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on tcp: %w", err)
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		return tls.NewListener(ln, tlsConfig), nil
	}

	return ln, nil
}

// isRemoteAddr returns true if addr binds to a non-localhost interface.
func isRemoteAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		if strings.HasPrefix(addr, ":") && net.ParseIP(addr) == nil {
			host = ""
		}
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return false
	}
	return true
}

// ParseLocketHost parses a LOCKET_HOST value into a listener Config.
// Supports:
//   - unix:///path/to/socket
//   - tcp://host:port
//   - https://host:port
func ParseLocketHost(host string) (*Config, error) {
	if host == "" {
		return nil, nil
	}

	cfg := &Config{}
	switch {
	case strings.HasPrefix(host, "unix://"):
		cfg.SocketPath = strings.TrimPrefix(host, "unix://")
	case strings.HasPrefix(host, "tcp://"):
		cfg.TCPAddr = strings.TrimPrefix(host, "tcp://")
	case strings.HasPrefix(host, "https://"):
		cfg.TCPAddr = strings.TrimPrefix(host, "https://")
	default:
		return nil, fmt.Errorf("invalid LOCKET_HOST format: %s (must start with unix://, tcp://, or https://)", host)
	}

	return cfg, nil
}
