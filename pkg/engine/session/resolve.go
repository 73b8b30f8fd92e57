package session

import (
	"fmt"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
)

// ResolvedCall is the per-call bundle the engine consumes. The
// configuration-management collaborator resolves files into ContextConfig;
// the engine only applies precedence.
type ResolvedCall struct {
	ContextName     string
	ProviderName    string
	Model           string
	Instructions    string
	Voice           string
	Greeting        string
	ToolsExposed    []string
	ToolsExecutable []string
	Binding         audio.BindingConfig
	TemplateVars    map[string]string
	Direction       string
}

// ContextConfig is one named context the collaborator hands the engine.
type ContextConfig struct {
	Name            string
	Provider        string
	Model           string
	Instructions    string
	Voice           string
	Greeting        string
	ToolsExposed    []string
	ToolsExecutable []string
	Binding         audio.BindingConfig
}

// Resolver applies the deterministic precedence for context and provider:
// explicit per-call override, then context default, then global default.
type Resolver struct {
	contexts        map[string]ContextConfig
	defaultContext  string
	defaultProvider string
}

// NewResolver builds a resolver over the collaborator-supplied contexts.
func NewResolver(contexts []ContextConfig, defaultContext, defaultProvider string) *Resolver {
	byName := make(map[string]ContextConfig, len(contexts))
	for _, c := range contexts {
		byName[c.Name] = c
	}
	return &Resolver{
		contexts:        byName,
		defaultContext:  defaultContext,
		defaultProvider: defaultProvider,
	}
}

// Resolve produces the call bundle for a call-start event. Event args may
// carry per-call overrides (context, provider) and template variables; the
// outbound dialer threads its metadata through the same keys.
func (r *Resolver) Resolve(ev controlplane.Event) (ResolvedCall, error) {
	contextName := ev.Args["context"]
	if contextName == "" {
		contextName = r.defaultContext
	}
	cc, ok := r.contexts[contextName]
	if !ok {
		return ResolvedCall{}, fmt.Errorf("no context %q configured", contextName)
	}

	providerName := ev.Args["provider"]
	if providerName == "" {
		providerName = cc.Provider
	}
	if providerName == "" {
		providerName = r.defaultProvider
	}
	if providerName == "" {
		return ResolvedCall{}, fmt.Errorf("context %q resolves to no provider", contextName)
	}

	direction := ev.Direction
	if direction == "" {
		direction = "inbound"
	}

	vars := make(map[string]string)
	for k, v := range ev.Args {
		if k == "context" || k == "provider" {
			continue
		}
		vars[k] = v
	}

	return ResolvedCall{
		ContextName:     contextName,
		ProviderName:    providerName,
		Model:           cc.Model,
		Instructions:    cc.Instructions,
		Voice:           cc.Voice,
		Greeting:        cc.Greeting,
		ToolsExposed:    cc.ToolsExposed,
		ToolsExecutable: cc.ToolsExecutable,
		Binding:         cc.Binding,
		TemplateVars:    vars,
		Direction:       direction,
	}, nil
}
