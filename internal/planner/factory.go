package planner

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/internal/config"
)

// ProviderAnthropic is the only transport currently shipped; the factory
// exists so the config surface does not change when others are added.
const ProviderAnthropic = "anthropic"

// NewClient creates an LLMClient for the configured provider.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case ProviderAnthropic, "":
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q. Supported: [%s]",
			cfg.Provider, ProviderAnthropic)
	}
}
