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

package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/render"
	"github.com/locketsh/locket/internal/resolve"
	"github.com/locketsh/locket/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUp_EmitsEnvironmentBindings(t *testing.T) {
	units := []unit.TemplateUnit{
		{
			Template:     unit.Template{Kind: unit.TemplateInline, Label: "DB_PASSWORD", Bytes: []byte("p4ss")},
			Destination:  unit.Destination{Kind: unit.DestinationEnvironmentEntry, Name: "DB_PASSWORD"},
			InjectPolicy: render.PolicyError,
		},
	}
	resolver := resolve.New(provider.NewRegistry())

	var out bytes.Buffer
	err := Up(context.Background(), strings.NewReader(`{"service":"db"}`), &out, resolver, units, nil, nil)
	require.NoError(t, err)

	var resp upResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "p4ss", resp.Environment["DB_PASSWORD"])
	assert.Empty(t, resp.Errors)
}

func TestUp_IgnoresNonEnvironmentDestinations(t *testing.T) {
	units := []unit.TemplateUnit{
		{
			Template:     unit.Template{Kind: unit.TemplateInline, Label: "x", Bytes: []byte("value")},
			Destination:  unit.Destination{Kind: unit.DestinationPathOnDisk, Path: "/tmp/should-not-be-written"},
			InjectPolicy: render.PolicyError,
		},
	}
	resolver := resolve.New(provider.NewRegistry())

	var out bytes.Buffer
	err := Up(context.Background(), strings.NewReader(`{}`), &out, resolver, units, nil, nil)
	require.NoError(t, err)

	var resp upResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Empty(t, resp.Environment)
}

func TestUp_ToleratesEmptyRequestBody(t *testing.T) {
	resolver := resolve.New(provider.NewRegistry())
	var out bytes.Buffer
	err := Up(context.Background(), strings.NewReader(""), &out, resolver, nil, nil, nil)
	require.NoError(t, err)
}

func TestDown_AcknowledgesSuccess(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Down(&out))

	var resp downResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.True(t, resp.Ok)
}

func TestMetadata_ReportsVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Metadata(&out))

	var resp metadataResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, PluginVersion, resp.Version)
	assert.NotEmpty(t, resp.Description)
}
