package llm

import (
	"fmt"

	"github.com/argus-audit/argus/pkg/config"
)

// BuildProviders constructs every provider named in the config. Fails
// fast on the first misconfigured provider so startup surfaces missing
// API keys immediately.
func BuildProviders(cfg config.LLMConfig) (map[string]Provider, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		var (
			prov Provider
			err  error
		)
		switch pc.Type {
		case "openai":
			prov, err = NewOpenAIProvider(name, pc)
		case "anthropic":
			prov, err = NewAnthropicProvider(name, pc)
		case "mock":
			prov = NewMockProvider(name, pc.Model)
		default:
			err = fmt.Errorf("unsupported provider type %q", pc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		providers[name] = prov
	}
	return providers, nil
}
