package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/session"
)

// contextFile is the on-disk catalog shape. Instructions may be given inline
// or as a file path relative to the catalog.
type contextFile struct {
	DefaultContext  string        `json:"default_context"`
	DefaultProvider string        `json:"default_provider"`
	Contexts        []contextSpec `json:"contexts"`
}

type contextSpec struct {
	Name             string      `json:"name"`
	Provider         string      `json:"provider"`
	Model            string      `json:"model"`
	Instructions     string      `json:"instructions"`
	InstructionsFile string      `json:"instructions_file"`
	Voice            string      `json:"voice"`
	Greeting         string      `json:"greeting"`
	ToolsExposed     []string    `json:"tools_exposed"`
	ToolsExecutable  []string    `json:"tools_executable"`
	Binding          bindingSpec `json:"binding"`
}

type bindingSpec struct {
	Kind        string `json:"kind"`
	RemoteAddr  string `json:"remote_addr"`
	LocalAddr   string `json:"local_addr"`
	PayloadType int    `json:"payload_type"`
}

// Catalog is the loaded call-context catalog.
type Catalog struct {
	Contexts        []session.ContextConfig
	DefaultContext  string
	DefaultProvider string
}

// LoadContexts reads and validates the JSON catalog at path.
func LoadContexts(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read context catalog: %w", err)
	}
	var f contextFile
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Catalog{}, fmt.Errorf("parse context catalog %s: %w", path, err)
	}
	if len(f.Contexts) == 0 {
		return Catalog{}, fmt.Errorf("context catalog %s defines no contexts", path)
	}

	dir := filepath.Dir(path)
	seen := make(map[string]struct{}, len(f.Contexts))
	out := make([]session.ContextConfig, 0, len(f.Contexts))
	for _, spec := range f.Contexts {
		if spec.Name == "" {
			return Catalog{}, fmt.Errorf("context catalog %s: context with empty name", path)
		}
		if _, dup := seen[spec.Name]; dup {
			return Catalog{}, fmt.Errorf("context catalog %s: duplicate context %q", path, spec.Name)
		}
		seen[spec.Name] = struct{}{}

		instructions := spec.Instructions
		if spec.InstructionsFile != "" {
			if instructions != "" {
				return Catalog{}, fmt.Errorf("context %q: instructions and instructions_file are mutually exclusive", spec.Name)
			}
			b, err := os.ReadFile(filepath.Join(dir, spec.InstructionsFile))
			if err != nil {
				return Catalog{}, fmt.Errorf("context %q: %w", spec.Name, err)
			}
			instructions = string(b)
		}

		kind, err := audio.ParseBindingKind(spec.Binding.Kind)
		if err != nil {
			return Catalog{}, fmt.Errorf("context %q: %w", spec.Name, err)
		}
		if spec.Binding.RemoteAddr == "" && kind == audio.BindingAudioSocket {
			return Catalog{}, fmt.Errorf("context %q: audiosocket binding requires remote_addr", spec.Name)
		}

		out = append(out, session.ContextConfig{
			Name:            spec.Name,
			Provider:        spec.Provider,
			Model:           spec.Model,
			Instructions:    instructions,
			Voice:           spec.Voice,
			Greeting:        spec.Greeting,
			ToolsExposed:    spec.ToolsExposed,
			ToolsExecutable: spec.ToolsExecutable,
			Binding: audio.BindingConfig{
				Kind:        kind,
				RemoteAddr:  spec.Binding.RemoteAddr,
				LocalAddr:   spec.Binding.LocalAddr,
				PayloadType: spec.Binding.PayloadType,
			},
		})
	}

	defaultContext := f.DefaultContext
	if defaultContext == "" {
		defaultContext = f.Contexts[0].Name
	}
	if _, ok := seen[defaultContext]; !ok {
		return Catalog{}, fmt.Errorf("context catalog %s: default context %q not defined", path, defaultContext)
	}

	return Catalog{
		Contexts:        out,
		DefaultContext:  defaultContext,
		DefaultProvider: f.DefaultProvider,
	}, nil
}
