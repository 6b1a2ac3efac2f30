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

// Package volumedriver serves the container-engine volume-plugin protocol
// (C10) over a Unix domain socket: Create, Remove, Mount, Unmount, Path,
// Get, List, Capabilities. Volumes are keyed by name; their declared
// options and ref-count persist under a state directory as flat JSON,
// never containing resolved secret values.
package volumedriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/locketsh/locket/internal/cycle"
	"github.com/locketsh/locket/internal/discover"
	"github.com/locketsh/locket/internal/listener"
	locketlog "github.com/locketsh/locket/internal/log"
	"github.com/locketsh/locket/internal/materialize"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/internal/render"
	"github.com/locketsh/locket/internal/resolve"
	"github.com/locketsh/locket/internal/unit"
)

// Options configures the volume driver server.
type Options struct {
	SocketPath      string
	StateDir        string
	RuntimeDir      string
	Resolver        *resolve.Resolver
	ActiveProviders map[reference.Provider]bool
	Logger          *slog.Logger
}

// Server implements the volume-plugin protocol.
type Server struct {
	opts       Options
	volumes    *materialize.VolumeManager
	middleware *locketlog.OperationMiddleware
	logger     *slog.Logger

	mu sync.Mutex
	ln net.Listener
	hs *http.Server
}

// New constructs a Server. It does not bind a socket until Serve is called.
func New(opts Options) *Server {
	if opts.SocketPath == "" {
		opts.SocketPath = "/run/docker/plugins/locket.sock"
	}
	if opts.StateDir == "" {
		opts.StateDir = "/var/lib/locket"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:       opts,
		volumes:    materialize.NewVolumeManager(opts.RuntimeDir),
		middleware: locketlog.NewOperationMiddleware(locketlog.WithComponent(opts.Logger, "volumedriver")),
		logger:     locketlog.WithComponent(opts.Logger, "volumedriver"),
	}
	return s
}

// Serve binds the Unix socket and blocks handling requests until ctx is
// canceled or an unrecoverable listener error occurs.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := listener.New(listener.Config{SocketPath: s.opts.SocketPath})
	if err != nil {
		return fmt.Errorf("binding volume driver socket: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/Plugin.Activate", s.handleActivate)
	mux.HandleFunc("/VolumeDriver.Create", s.handleCreate)
	mux.HandleFunc("/VolumeDriver.Remove", s.handleRemove)
	mux.HandleFunc("/VolumeDriver.Mount", s.handleMount)
	mux.HandleFunc("/VolumeDriver.Unmount", s.handleUnmount)
	mux.HandleFunc("/VolumeDriver.Path", s.handlePath)
	mux.HandleFunc("/VolumeDriver.Get", s.handleGet)
	mux.HandleFunc("/VolumeDriver.List", s.handleList)
	mux.HandleFunc("/VolumeDriver.Capabilities", s.handleCapabilities)

	s.mu.Lock()
	s.ln = ln
	s.hs = &http.Server{Handler: mux}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.hs.Serve(ln) }()

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close shuts down the HTTP server and socket listener.
func (s *Server) Close() error {
	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Close()
}

type pluginRequest struct {
	Name string            `json:"Name"`
	Opts map[string]string `json:"Opts"`
	ID   string            `json:"ID"`
}

type pluginResponse struct {
	Mountpoint string        `json:"Mountpoint,omitempty"`
	Volume     *volumeEntry  `json:"Volume,omitempty"`
	Volumes    []volumeEntry `json:"Volumes,omitempty"`
	Err        string        `json:"Err"`
}

type volumeEntry struct {
	Name       string `json:"Name"`
	Mountpoint string `json:"Mountpoint,omitempty"`
}

func decodeRequest(r *http.Request) (pluginRequest, error) {
	var req pluginRequest
	if r.Body == nil {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

func writeResponse(w http.ResponseWriter, resp pluginResponse) {
	w.Header().Set("Content-Type", "application/vnd.docker.plugins.v1.1+json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.docker.plugins.v1.1+json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"Implements": {"VolumeDriver"}})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeResponse(w, pluginResponse{Err: err.Error()})
		return
	}

	opReq := &locketlog.OperationRequest{Operation: "Create", VolumeName: req.Name, RemoteAddr: s.opts.SocketPath}
	err = s.middleware.Handler(opReq, func() error {
		if req.Name == "" {
			return fmt.Errorf("volume name is required")
		}
		st := &volumeState{Name: req.Name, Opts: req.Opts}
		return saveState(s.opts.StateDir, st)
	})
	writeResponse(w, errResponse(err))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeResponse(w, pluginResponse{Err: err.Error()})
		return
	}

	opReq := &locketlog.OperationRequest{Operation: "Remove", VolumeName: req.Name, RemoteAddr: s.opts.SocketPath}
	err = s.middleware.Handler(opReq, func() error {
		return removeState(s.opts.StateDir, req.Name)
	})
	writeResponse(w, errResponse(err))
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeResponse(w, pluginResponse{Err: err.Error()})
		return
	}

	opReq := &locketlog.OperationRequest{Operation: "Mount", VolumeName: req.Name, RemoteAddr: s.opts.SocketPath}
	var mountpoint string
	err = s.middleware.Handler(opReq, func() error {
		st, err := loadState(s.opts.StateDir, req.Name)
		if err != nil {
			return fmt.Errorf("volume %q is not created: %w", req.Name, err)
		}

		sizeBytes, _ := strconv.ParseInt(st.Opts["size"], 10, 64)
		root, err := s.volumes.Acquire(req.Name, materialize.VolumeOptions{SizeBytes: sizeBytes})
		if err != nil {
			return err
		}
		mountpoint = root

		units, err := unitsForVolume(req.Name, st)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			return nil
		}

		result := cycle.Run(r.Context(), s.opts.Resolver, units, cycle.Options{
			ActiveProviders: s.opts.ActiveProviders,
			Volumes:         s.volumes,
			Logger:          s.logger,
		})
		if _, failed := result.Summary(); failed > 0 {
			return fmt.Errorf("%d destination(s) failed to materialize into volume %q", failed, req.Name)
		}

		st.RefCount++
		return saveState(s.opts.StateDir, st)
	})

	resp := errResponse(err)
	resp.Mountpoint = mountpoint
	writeResponse(w, resp)
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeResponse(w, pluginResponse{Err: err.Error()})
		return
	}

	opReq := &locketlog.OperationRequest{Operation: "Unmount", VolumeName: req.Name, RemoteAddr: s.opts.SocketPath}
	err = s.middleware.Handler(opReq, func() error {
		st, err := loadState(s.opts.StateDir, req.Name)
		if err != nil {
			return fmt.Errorf("volume %q is not created: %w", req.Name, err)
		}
		if err := s.volumes.Release(req.Name); err != nil {
			return err
		}
		if st.RefCount > 0 {
			st.RefCount--
		}
		return saveState(s.opts.StateDir, st)
	})
	writeResponse(w, errResponse(err))
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeResponse(w, pluginResponse{Err: err.Error()})
		return
	}

	opReq := &locketlog.OperationRequest{Operation: "Path", VolumeName: req.Name, RemoteAddr: s.opts.SocketPath}
	var mountpoint string
	err = s.middleware.Handler(opReq, func() error {
		root, rerr := s.volumes.Root(req.Name)
		mountpoint = root
		return rerr
	})
	resp := errResponse(err)
	resp.Mountpoint = mountpoint
	writeResponse(w, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeResponse(w, pluginResponse{Err: err.Error()})
		return
	}

	opReq := &locketlog.OperationRequest{Operation: "Get", VolumeName: req.Name, RemoteAddr: s.opts.SocketPath}
	var entry volumeEntry
	err = s.middleware.Handler(opReq, func() error {
		st, lerr := loadState(s.opts.StateDir, req.Name)
		if lerr != nil {
			return fmt.Errorf("volume %q is not created: %w", req.Name, lerr)
		}
		entry = volumeEntry{Name: st.Name}
		if root, rerr := s.volumes.Root(st.Name); rerr == nil {
			entry.Mountpoint = root
		}
		return nil
	})
	resp := errResponse(err)
	if err == nil {
		resp.Volume = &entry
	}
	writeResponse(w, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opReq := &locketlog.OperationRequest{Operation: "List", RemoteAddr: s.opts.SocketPath}
	var entries []volumeEntry
	err := s.middleware.Handler(opReq, func() error {
		states, lerr := listStates(s.opts.StateDir)
		if lerr != nil {
			return lerr
		}
		for _, st := range states {
			e := volumeEntry{Name: st.Name}
			if root, rerr := s.volumes.Root(st.Name); rerr == nil {
				e.Mountpoint = root
			}
			entries = append(entries, e)
		}
		return nil
	})
	resp := errResponse(err)
	resp.Volumes = entries
	writeResponse(w, resp)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.docker.plugins.v1.1+json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"Capabilities": map[string]string{"Scope": "local"},
	})
}

func errResponse(err error) pluginResponse {
	if err == nil {
		return pluginResponse{}
	}
	return pluginResponse{Err: err.Error()}
}

// unitsForVolume turns a volume's declared "template=SRC:DST[,SRC:DST...]"
// option into TemplateUnits whose destinations resolve inside the
// volume's own tmpfs root rather than on the host filesystem.
func unitsForVolume(volumeID string, st *volumeState) ([]unit.TemplateUnit, error) {
	raw := st.Opts["template"]
	if raw == "" {
		return nil, nil
	}

	pairs, err := discover.ParsePairs(raw)
	if err != nil {
		return nil, err
	}

	opts := discover.Options{
		InjectPolicy:  render.NormalizePolicy(st.Opts["inject_policy"]),
		IncludeHidden: true,
	}
	if fileMode := st.Opts["mode"]; fileMode != "" {
		if v, err := strconv.ParseUint(fileMode, 8, 32); err == nil {
			opts.FileMode = os.FileMode(v)
		}
	}
	if owner := st.Opts["user"]; owner != "" {
		opts.Owner = &owner
	}

	units, err := discover.Discover(pairs, opts)
	if err != nil {
		return nil, err
	}

	for i := range units {
		units[i].Destination = unit.Destination{
			Kind:     unit.DestinationVolumeMount,
			VolumeID: volumeID,
			Path:     strings.TrimPrefix(units[i].Destination.Path, "/"),
		}
	}
	return units, nil
}
