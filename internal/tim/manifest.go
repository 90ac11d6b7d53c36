// Package tim implements the Tool Invocation Manager: manifest loading,
// stdio child-process transport, in-process dispatch targets, and the
// invoke() algorithm every tool call funnels through.
package tim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/foreman-ai/foreman/pkg/models"
)

// LoadManifests reads every *.json and *.yaml/*.yml file in dir and
// returns them keyed by Manifest.Server, merged in sorted filename
// order (§6 "(ADDED)": YAML accepted alongside JSON).
func LoadManifests(dir string) (map[string]*models.ToolManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".json" || ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string]*models.ToolManifest)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", name, err)
		}

		var m models.ToolManifest
		ext := strings.ToLower(filepath.Ext(name))
		if ext == ".json" {
			err = json.Unmarshal(data, &m)
		} else {
			err = yaml.Unmarshal(data, &m)
		}
		if err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", name, err)
		}
		if m.Server == "" {
			return nil, fmt.Errorf("manifest %s missing server name", name)
		}
		out[m.Server] = &m
	}
	return out, nil
}

// compiledSchema caches a parsed params_schema per manifest so
// ValidateParams doesn't recompile it on every call.
type compiledSchema struct {
	schema *jsonschema.Schema
}

func compileParamsSchema(m *models.ToolManifest) (*compiledSchema, error) {
	if len(m.ParamsSchema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m.ParamsSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal params_schema for %s: %w", m.Server, err)
	}

	compiler := jsonschema.NewCompiler()
	resourceName := m.Server + "-params.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add params_schema resource for %s: %w", m.Server, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile params_schema for %s: %w", m.Server, err)
	}
	return &compiledSchema{schema: schema}, nil
}

// ValidateParams rejects params that don't conform to s. A nil s (no
// params_schema configured) always accepts.
func (s *compiledSchema) Validate(params map[string]any) error {
	if s == nil {
		return nil
	}
	return s.schema.Validate(params)
}
