// Package providers resolves the upstream endpoint and SSO requirements of
// each supported agent provider from a YAML registry file.
package providers

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider describes one upstream LLM API endpoint.
type Provider struct {
	Name        string
	BaseURL     string
	SSORequired bool
	// Integration optionally selects a gateway integration; forwarded as a
	// request header when non-empty.
	Integration string
	// EnvVar is the environment variable the agent binary reads its API base
	// URL from (used by the launcher to point the agent at the proxy).
	EnvVar string
}

// Registry looks up providers by name.
type Registry interface {
	Lookup(name string) (Provider, bool)
	Names() []string
}

type fileFormat struct {
	Providers map[string]struct {
		BaseURL     string `yaml:"base_url"`
		SSORequired bool   `yaml:"sso_required"`
		Integration string `yaml:"integration"`
		Env         string `yaml:"env"`
	} `yaml:"providers"`
}

// FileRegistry is an immutable snapshot loaded from a YAML file.
type FileRegistry struct {
	byName map[string]Provider
}

func Load(path string) (*FileRegistry, error) {
	// #nosec G304 -- path is provided by trusted config.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ff fileFormat
	if err := yaml.Unmarshal(b, &ff); err != nil {
		return nil, err
	}
	out := &FileRegistry{byName: map[string]Provider{}}
	for name, v := range ff.Providers {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" {
			continue
		}
		base := strings.TrimRight(strings.TrimSpace(v.BaseURL), "/")
		if base == "" {
			return nil, fmt.Errorf("provider %q has no base_url", n)
		}
		out.byName[n] = Provider{
			Name:        n,
			BaseURL:     base,
			SSORequired: v.SSORequired,
			Integration: strings.TrimSpace(v.Integration),
			EnvVar:      strings.TrimSpace(v.Env),
		}
	}
	if len(out.byName) == 0 {
		return nil, fmt.Errorf("providers file %q has no providers configured", path)
	}
	return out, nil
}

func (r *FileRegistry) Lookup(name string) (Provider, bool) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func (r *FileRegistry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	return out
}

// Static builds a registry from an in-memory list. Used by tests and by
// programmatic embedding.
func Static(list ...Provider) *FileRegistry {
	out := &FileRegistry{byName: map[string]Provider{}}
	for _, p := range list {
		out.byName[strings.ToLower(strings.TrimSpace(p.Name))] = p
	}
	return out
}
