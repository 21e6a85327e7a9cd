// Package provider defines the closed set of LLM providers Rigs schedules
// work across, and their per-provider default configuration.
package provider

import "fmt"

// Provider identifies a supported LLM backend. Capability and rate-limit
// behavior live in config, not here — Provider is identity only.
type Provider string

const (
	Claude   Provider = "claude"
	Codex    Provider = "codex"
	Gemini   Provider = "gemini"
	DeepSeek Provider = "deepseek"
	Ollama   Provider = "ollama"
)

// All lists every known provider in enumeration order, used as the
// deterministic tie-break order in Dispatch scoring.
var All = []Provider{Claude, Codex, Gemini, DeepSeek, Ollama}

// Execution lists the providers Polecats may run bead work on. DeepSeek and
// Ollama are reserved for the Assayer's own cheaper-model calls.
var Execution = []Provider{Claude, Codex, Gemini}

// AssayerProviders lists the providers available to the Assayer pipeline.
var AssayerProviders = []Provider{DeepSeek, Ollama}

// IsExecution reports whether p is a valid target for a Polecat.
func IsExecution(p Provider) bool {
	for _, candidate := range Execution {
		if candidate == p {
			return true
		}
	}
	return false
}

// Valid reports whether p is one of the known providers.
func Valid(p Provider) bool {
	for _, candidate := range All {
		if candidate == p {
			return true
		}
	}
	return false
}

// DisplayName returns a human-readable name for p.
func (p Provider) DisplayName() string {
	switch p {
	case Claude:
		return "Claude"
	case Codex:
		return "Codex"
	case Gemini:
		return "Gemini"
	case DeepSeek:
		return "DeepSeek"
	case Ollama:
		return "Ollama"
	default:
		return string(p)
	}
}

func (p Provider) String() string {
	return p.DisplayName()
}

// DefaultModel returns the model identifier used when config does not
// override it for p.
func (p Provider) DefaultModel() string {
	switch p {
	case Claude:
		return "claude-sonnet-4-20250514"
	case Codex:
		return "codex"
	case Gemini:
		return "gemini-2.5-pro"
	case DeepSeek:
		return "deepseek-chat"
	case Ollama:
		return "deepseek-r1:7b"
	default:
		return ""
	}
}

// Limits describes the rate-limit envelope of a single provider tank.
//
// WindowKind selects how the primary window resets: "rolling_window" (the
// default, window_hours after each start) or "fixed_daily" (UTC
// midnight-to-midnight, independent of window_hours). It mirrors
// tank.WindowKind by value rather than by import, since tank depends on
// this package for Provider identity and importing it back would cycle.
type Limits struct {
	TokensPerWindow   uint64  `json:"tokens_per_window"`
	WindowHours       uint32  `json:"window_hours"`
	WindowKind        string  `json:"window_kind,omitempty"`
	RequestsPerMinute *uint32 `json:"requests_per_minute,omitempty"`
	WeeklyCap         *uint64 `json:"weekly_cap,omitempty"`
	DailyCap          *uint64 `json:"daily_cap,omitempty"`
}

// Config is the per-provider configuration surface, mirroring the
// providers.<name> section of the top-level Config.
type Config struct {
	Provider       Provider `json:"provider"`
	Enabled        bool     `json:"enabled"`
	Model          string   `json:"model"`
	Limits         Limits   `json:"limits"`
	ThresholdYellow float32 `json:"threshold_yellow"`
	ThresholdRed    float32 `json:"threshold_red"`
	FallbackModel   *string `json:"fallback_model,omitempty"`
	APIKeyEnv       *string `json:"api_key_env,omitempty"`
}

func u32(v uint32) *uint32 { return &v }
func u64(v uint64) *uint64 { return &v }
func str(v string) *string { return &v }

// DefaultConfig returns the built-in default configuration for p. Unknown
// providers return the zero Config with Enabled=false.
func DefaultConfig(p Provider) Config {
	switch p {
	case Claude:
		return Config{
			Provider: Claude,
			Enabled:  true,
			Model:    "claude-sonnet-4-20250514",
			Limits: Limits{
				TokensPerWindow: 88_000,
				WindowHours:     5,
				WeeklyCap:       u64(500_000),
			},
			ThresholdYellow: 0.5,
			ThresholdRed:    0.2,
			FallbackModel:   str("claude-haiku-4-20250514"),
		}
	case Codex:
		return Config{
			Provider: Codex,
			Enabled:  true,
			Model:    "codex",
			Limits: Limits{
				TokensPerWindow:   50_000,
				WindowHours:       5,
				RequestsPerMinute: u32(60),
			},
			ThresholdYellow: 0.4,
			ThresholdRed:    0.15,
		}
	case Gemini:
		return Config{
			Provider: Gemini,
			Enabled:  true,
			Model:    "gemini-2.5-pro",
			Limits: Limits{
				TokensPerWindow:   1_000_000,
				WindowHours:       24,
				WindowKind:        "fixed_daily",
				RequestsPerMinute: u32(15),
				DailyCap:          u64(1_000_000),
			},
			ThresholdYellow: 0.3,
			ThresholdRed:    0.1,
			FallbackModel:   str("gemini-2.5-flash"),
			APIKeyEnv:       str("GEMINI_API_KEY"),
		}
	case DeepSeek:
		return Config{
			Provider: DeepSeek,
			Enabled:  true,
			Model:    "deepseek-chat",
			Limits: Limits{
				TokensPerWindow:   10_000_000,
				WindowHours:       24,
				RequestsPerMinute: u32(60),
			},
			ThresholdYellow: 0.3,
			ThresholdRed:    0.1,
			FallbackModel:   str("deepseek-coder"),
			APIKeyEnv:       str("DEEPSEEK_API_KEY"),
		}
	case Ollama:
		return Config{
			Provider: Ollama,
			Enabled:  true,
			Model:    "deepseek-r1:7b",
			Limits: Limits{
				TokensPerWindow: ^uint64(0),
				WindowHours:     24,
			},
			ThresholdYellow: 0,
			ThresholdRed:    0,
			FallbackModel:   str("llama3.2:3b"),
		}
	default:
		return Config{Provider: p}
	}
}

// ErrUnknownProvider is returned when parsing an unrecognized provider name.
type ErrUnknownProvider struct{ Name string }

func (e ErrUnknownProvider) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Name)
}

// Parse resolves a lowercase provider name into a Provider.
func Parse(name string) (Provider, error) {
	p := Provider(name)
	if !Valid(p) {
		return "", ErrUnknownProvider{Name: name}
	}
	return p, nil
}
