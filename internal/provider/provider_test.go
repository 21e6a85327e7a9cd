package provider

import "testing"

func TestValid(t *testing.T) {
	if !Valid(Claude) {
		t.Error("claude should be valid")
	}
	if Valid(Provider("nonexistent")) {
		t.Error("unknown provider should not be valid")
	}
}

func TestIsExecution(t *testing.T) {
	if !IsExecution(Claude) {
		t.Error("claude should be an execution provider")
	}
	if IsExecution(DeepSeek) {
		t.Error("deepseek is reserved for the assayer, not execution")
	}
}

func TestParse(t *testing.T) {
	p, err := Parse("gemini")
	if err != nil || p != Gemini {
		t.Fatalf("Parse(gemini) = %v, %v", p, err)
	}
	if _, err := Parse("made-up"); err == nil {
		t.Fatal("expected an error for an unknown provider name")
	}
}

func TestDefaultConfigEnabledForExecutionProviders(t *testing.T) {
	for _, p := range Execution {
		cfg := DefaultConfig(p)
		if !cfg.Enabled {
			t.Errorf("expected %s to default to enabled", p)
		}
		if cfg.Limits.TokensPerWindow == 0 {
			t.Errorf("expected %s to have a nonzero token window", p)
		}
	}
}

func TestDefaultConfigGeminiUsesFixedDailyWindow(t *testing.T) {
	cfg := DefaultConfig(Gemini)
	if cfg.Limits.WindowKind != "fixed_daily" {
		t.Fatalf("expected gemini to default to a fixed daily window, got %q", cfg.Limits.WindowKind)
	}
	if cfg.Limits.DailyCap == nil || *cfg.Limits.DailyCap != cfg.Limits.TokensPerWindow {
		t.Fatal("expected gemini's daily cap to match its window capacity")
	}
	for _, p := range []Provider{Claude, Codex, DeepSeek, Ollama} {
		if DefaultConfig(p).Limits.WindowKind != "" {
			t.Errorf("expected %s to default to a rolling window (empty WindowKind), got %q", p, DefaultConfig(p).Limits.WindowKind)
		}
	}
}

func TestDefaultConfigUnknownProvider(t *testing.T) {
	cfg := DefaultConfig(Provider("nonexistent"))
	if cfg.Enabled {
		t.Fatal("unknown provider should default to disabled")
	}
}

func TestDisplayNameAndString(t *testing.T) {
	if Claude.DisplayName() != "Claude" {
		t.Errorf("DisplayName() = %q", Claude.DisplayName())
	}
	if Claude.String() != Claude.DisplayName() {
		t.Error("String() should delegate to DisplayName()")
	}
}
