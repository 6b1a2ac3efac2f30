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

package listener

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnixSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "nested", "locket.sock")

	ln, err := New(Config{SocketPath: socketPath})
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestNew_UnixSocket_RemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "locket.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0600))

	ln, err := New(Config{SocketPath: socketPath})
	require.NoError(t, err)
	defer ln.Close()
}

func TestNew_TCP_RejectsRemoteByDefault(t *testing.T) {
	_, err := New(Config{TCPAddr: "0.0.0.0:0"})
	assert.Error(t, err)
}

func TestNew_TCP_AllowsLocalhost(t *testing.T) {
	ln, err := New(Config{TCPAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()
}

func TestNew_TCP_AllowRemoteOverride(t *testing.T) {
	ln, err := New(Config{TCPAddr: "0.0.0.0:0", AllowRemote: true})
	require.NoError(t, err)
	defer ln.Close()
}

func TestIsRemoteAddr(t *testing.T) {
	tests := []struct {
		addr   string
		remote bool
	}{
		{"127.0.0.1:9000", false},
		{"localhost:9000", false},
		{"::1", false},
		{"0.0.0.0:9000", true},
		{":9000", true},
		{"192.168.1.5:9000", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.remote, isRemoteAddr(tt.addr), tt.addr)
	}
}

func TestParseLocketHost(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		want    *Config
		wantErr bool
	}{
		{"empty returns nil", "", nil, false},
		{"unix scheme", "unix:///run/locket.sock", &Config{SocketPath: "/run/locket.sock"}, false},
		{"tcp scheme", "tcp://127.0.0.1:9000", &Config{TCPAddr: "127.0.0.1:9000"}, false},
		{"https scheme", "https://127.0.0.1:9000", &Config{TCPAddr: "127.0.0.1:9000"}, false},
		{"unsupported scheme", "ftp://example.com", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocketHost(tt.host)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
