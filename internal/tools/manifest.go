package tools

import (
	"fmt"
	"net/http"
	"os"

	"github.com/agentoven/agentoven/dispatch-plane/internal/dispatcher"
	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Manifest declares remote tools in YAML:
//
//	tools:
//	  - name: calendar_lookup
//	    endpoint: https://calendar.internal/mcp
//	    remote_name: lookup
//	    sensitive: false
//	    config:
//	      timeout_ms: 5000
//	      rate_limit: {enabled: true, per_tenant_per_minute: 30}
type Manifest struct {
	Tools []RemoteSpec `yaml:"tools"`
}

type RemoteSpec struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Endpoint    string             `yaml:"endpoint"`
	RemoteName  string             `yaml:"remote_name"`
	Sensitive   bool               `yaml:"sensitive"`
	InputSchema map[string]any     `yaml:"input_schema"`
	Auth        *Auth              `yaml:"auth"`
	Config      *models.ToolConfig `yaml:"config"`
}

// Descriptor fills defaults for fields the manifest leaves out. A nil
// Config means DefaultToolConfig.
func (s RemoteSpec) Descriptor() models.ToolDescriptor {
	cfg := models.DefaultToolConfig()
	if s.Config != nil {
		cfg = *s.Config
	}
	schema := s.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return models.ToolDescriptor{
		Name:        s.Name,
		Description: s.Description,
		InputSchema: schema,
		Sensitive:   s.Sensitive,
		Config:      cfg,
	}
}

// ParseManifest decodes a manifest. The config block is decoded over
// DefaultToolConfig so partial overrides keep the other defaults.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw struct {
		Tools []yaml.Node `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tool manifest: %w", err)
	}
	m := &Manifest{}
	seen := make(map[string]bool)
	for i := range raw.Tools {
		var spec RemoteSpec
		if err := raw.Tools[i].Decode(&spec); err != nil {
			return nil, fmt.Errorf("tool manifest entry %d: %w", i, err)
		}
		var withCfg struct {
			Config yaml.Node `yaml:"config"`
		}
		if err := raw.Tools[i].Decode(&withCfg); err != nil {
			return nil, fmt.Errorf("tool manifest entry %d: %w", i, err)
		}
		if withCfg.Config.Kind != 0 {
			cfg := models.DefaultToolConfig()
			if err := withCfg.Config.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("tool %q config: %w", spec.Name, err)
			}
			spec.Config = &cfg
		}

		switch {
		case spec.Name == "":
			return nil, fmt.Errorf("tool manifest entry %d: name is required", i)
		case spec.Endpoint == "":
			return nil, fmt.Errorf("tool %q: endpoint is required", spec.Name)
		case seen[spec.Name]:
			return nil, fmt.Errorf("tool %q declared twice", spec.Name)
		}
		seen[spec.Name] = true
		if spec.RemoteName == "" {
			spec.RemoteName = spec.Name
		}
		m.Tools = append(m.Tools, spec)
	}
	return m, nil
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool manifest: %w", err)
	}
	return ParseManifest(data)
}

// ── Registration ─────────────────────────────────────────────

// Registrar is the part of the dispatcher tools register with.
type Registrar interface {
	Register(desc models.ToolDescriptor, handler dispatcher.Handler) error
}

type Options struct {
	HTTPClient *http.Client
	// MessageWebhookURL enables send_message when set.
	MessageWebhookURL string
	MessageAuth       *Auth
	Manifest          *Manifest
	// Remote serves manifest tools. Required when Manifest lists any.
	Remote *RemotePool
}

// RegisterBuiltins registers http_request, send_message (when configured)
// and every manifest tool. It returns the registered names.
func RegisterBuiltins(r Registrar, opts Options) ([]string, error) {
	var names []string
	register := func(desc models.ToolDescriptor, h dispatcher.Handler) error {
		if err := r.Register(desc, h); err != nil {
			return err
		}
		names = append(names, desc.Name)
		return nil
	}

	if err := register(HTTPRequestDescriptor(), HTTPRequest(opts.HTTPClient)); err != nil {
		return nil, err
	}
	if opts.MessageWebhookURL != "" {
		if err := register(SendMessageDescriptor(), SendMessage(opts.MessageWebhookURL, opts.MessageAuth, opts.HTTPClient)); err != nil {
			return nil, err
		}
	} else {
		log.Info().Msg("send_message disabled: no messaging webhook configured")
	}
	if opts.Manifest != nil && len(opts.Manifest.Tools) > 0 {
		if opts.Remote == nil {
			return nil, fmt.Errorf("remote pool is required for manifest tools")
		}
		for _, spec := range opts.Manifest.Tools {
			if err := register(spec.Descriptor(), opts.Remote.Tool(spec.Endpoint, spec.RemoteName, spec.Auth)); err != nil {
				return nil, err
			}
		}
	}
	return names, nil
}
