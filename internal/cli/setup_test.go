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

package cli

import (
	"errors"
	"testing"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/internal/unit"
)

func TestValidateReferences_RejectsMalformedBody(t *testing.T) {
	active := map[reference.Provider]bool{reference.ProviderOp: true}
	units := []unit.TemplateUnit{
		{Template: unit.Template{Kind: unit.TemplateFile, Bytes: []byte("PASSWORD={{op://Vault/DB}}\n")}},
	}

	err := validateReferences(units, active)
	if err == nil {
		t.Fatal("expected an error for a malformed reference body")
	}

	var refErr *locketerr.ReferenceError
	if !errors.As(err, &refErr) {
		t.Fatalf("expected *locketerr.ReferenceError, got %T: %v", err, err)
	}
}

func TestValidateReferences_AcceptsWellFormedBodies(t *testing.T) {
	active := map[reference.Provider]bool{reference.ProviderOp: true, reference.ProviderInfisical: true}
	units := []unit.TemplateUnit{
		{Template: unit.Template{Kind: unit.TemplateFile, Bytes: []byte("{{op://Vault/DB/password}}")}},
		{Template: unit.Template{Kind: unit.TemplateInline, Bytes: []byte("{{infisical:///API_KEY?env=prod&project_id=p1}}")}},
	}

	if err := validateReferences(units, active); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateReferences_SkipsLiteralFiles(t *testing.T) {
	active := map[reference.Provider]bool{reference.ProviderOp: true}
	units := []unit.TemplateUnit{
		{Template: unit.Template{Kind: unit.TemplateLiteralFile, Bytes: []byte("{{not a real reference}}")}},
	}

	if err := validateReferences(units, active); err != nil {
		t.Fatalf("literal files must not be scanned, got %v", err)
	}
}

func TestValidateReferences_UnsupportedProviderIsFatal(t *testing.T) {
	active := map[reference.Provider]bool{reference.ProviderInfisical: true}
	units := []unit.TemplateUnit{
		{Template: unit.Template{Kind: unit.TemplateFile, Bytes: []byte("{{op://Vault/DB/password}}")}},
	}

	err := validateReferences(units, active)
	if err == nil {
		t.Fatal("expected an error when no 1Password provider is active")
	}
}
