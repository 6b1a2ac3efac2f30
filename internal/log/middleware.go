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

package log

import (
	"log/slog"
	"time"
)

// OperationRequest describes one inbound volume-plugin-protocol call for
// logging purposes (Create, Remove, Mount, Unmount, Path, Get, List,
// Capabilities).
type OperationRequest struct {
	// Operation is the plugin endpoint invoked, e.g. "Mount".
	Operation string

	// CorrelationID ties a request to its response log line.
	CorrelationID string

	// VolumeName is the volume the operation addresses, if any.
	VolumeName string

	// RemoteAddr is always the Unix socket's local path; kept for
	// symmetry with the request/response shape.
	RemoteAddr string

	Metadata map[string]interface{}
}

// OperationResponse describes the outcome of one OperationRequest.
type OperationResponse struct {
	Success    bool
	Error      string
	DurationMs int64
	Metadata   map[string]interface{}
}

// LogOperationRequest logs an incoming plugin-protocol request.
func LogOperationRequest(logger *slog.Logger, req *OperationRequest) {
	attrs := []any{
		EventKey, "plugin_request",
		"operation", req.Operation,
		"remote", req.RemoteAddr,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}
	if req.VolumeName != "" {
		attrs = append(attrs, "volume", req.VolumeName)
	}
	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("plugin request received", attrs...)
}

// LogOperationResponse logs a plugin-protocol response.
func LogOperationResponse(logger *slog.Logger, req *OperationRequest, resp *OperationResponse) {
	attrs := []any{
		EventKey, "plugin_response",
		"operation", req.Operation,
		"success", resp.Success,
		DurationKey, resp.DurationMs,
		"remote", req.RemoteAddr,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}
	if req.VolumeName != "" {
		attrs = append(attrs, "volume", req.VolumeName)
	}
	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}
	for k, v := range resp.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "plugin request completed"
	if !resp.Success {
		level = slog.LevelError
		message = "plugin request failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// OperationMiddleware wraps a plugin-protocol handler with request/response
// logging, the way every volume driver endpoint is instrumented.
type OperationMiddleware struct {
	logger *slog.Logger
}

// NewOperationMiddleware creates a new plugin-protocol logging middleware.
func NewOperationMiddleware(logger *slog.Logger) *OperationMiddleware {
	return &OperationMiddleware{logger: logger}
}

// Handler wraps a function that processes a plugin-protocol request. It
// logs the request and response automatically.
func (m *OperationMiddleware) Handler(req *OperationRequest, handler func() error) error {
	start := time.Now()

	LogOperationRequest(m.logger, req)
	err := handler()
	duration := time.Since(start).Milliseconds()

	resp := &OperationResponse{Success: err == nil, DurationMs: duration}
	if err != nil {
		resp.Error = err.Error()
	}

	LogOperationResponse(m.logger, req, resp)
	return err
}

// HandlerWithMetadata wraps a function that processes a plugin-protocol
// request and returns response metadata (e.g. Mountpoint) to fold into the
// response log line.
func (m *OperationMiddleware) HandlerWithMetadata(req *OperationRequest, handler func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	LogOperationRequest(m.logger, req)
	metadata, err := handler()
	duration := time.Since(start).Milliseconds()

	resp := &OperationResponse{Success: err == nil, DurationMs: duration, Metadata: metadata}
	if err != nil {
		resp.Error = err.Error()
	}

	LogOperationResponse(m.logger, req, resp)
	return metadata, err
}
