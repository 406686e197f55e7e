package registry

import "sync"

const defaultTemperature = 0.2

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the built-in model table.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = MustNew(
			Model{ID: "gpt-4o", Provider: ProviderOpenAI, DisplayName: "GPT-4o", Logo: "/logos/openai.svg", Temperature: defaultTemperature},
			Model{ID: "gpt-4o-mini", Provider: ProviderOpenAI, DisplayName: "GPT-4o mini", Logo: "/logos/openai.svg", Temperature: defaultTemperature},
			Model{ID: "gpt-4.1", Provider: ProviderOpenAI, DisplayName: "GPT-4.1", Logo: "/logos/openai.svg", Temperature: defaultTemperature},
			Model{
				ID:          "claude-3-7-sonnet-latest",
				Provider:    ProviderAnthropic,
				DisplayName: "Claude 3.7 Sonnet",
				Logo:        "/logos/anthropic.svg",
				Temperature: defaultTemperature,
				SystemPrompt: "Answer only from the numbered sources. When the sources do not cover the question, " +
					"say so plainly instead of guessing.",
			},
			Model{ID: "claude-3-5-haiku-latest", Provider: ProviderAnthropic, DisplayName: "Claude 3.5 Haiku", Logo: "/logos/anthropic.svg", Temperature: defaultTemperature},
			Model{ID: "gemini-2.0-flash", Provider: ProviderGoogle, DisplayName: "Gemini 2.0 Flash", Logo: "/logos/google.svg", Temperature: defaultTemperature},
			Model{ID: "llama-3.3-70b-versatile", Provider: ProviderGroq, DisplayName: "Llama 3.3 70B", Logo: "/logos/groq.svg", Temperature: defaultTemperature},
			Model{ID: "mistral-large-latest", Provider: ProviderMistral, DisplayName: "Mistral Large", Logo: "/logos/mistral.svg", Temperature: defaultTemperature},
		)
	})
	return defaultReg
}
