package polecat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Fnux8890/rigs/internal/bead"
)

// CommandTemplate is the argv template for invoking a provider's CLI, with
// "{prompt}" substituted for the bead's effective prompt. Providers that
// read the prompt from stdin instead should omit "{prompt}" entirely;
// Execute then writes the prompt to the process's stdin.
type CommandTemplate []string

// CLIConfig configures a CLIPolecat's invocation of one provider's CLI.
type CLIConfig struct {
	Command CommandTemplate
	WorkDir string
	EnvVars map[string]string

	// RateLimitMarkers are stderr/stdout substrings that identify a
	// provider-side rate limit response, classified as ErrorKind RateLimited
	// rather than Transient so Foreman defers instead of tripping the
	// circuit breaker.
	RateLimitMarkers []string

	// TokensPerChar estimates actual token usage from output length when the
	// CLI reports no usage figure of its own, mirroring the Assayer's own
	// character-count heuristic.
	TokensPerChar float64
}

// CLIPolecat invokes an external provider CLI as a subprocess per bead,
// adapted from a process-execution-with-timeout-and-log-capture pattern.
type CLIPolecat struct {
	cfg CLIConfig
}

// NewCLIPolecat builds a CLIPolecat from cfg.
func NewCLIPolecat(cfg CLIConfig) *CLIPolecat {
	if cfg.TokensPerChar <= 0 {
		cfg.TokensPerChar = 0.25
	}
	return &CLIPolecat{cfg: cfg}
}

// Execute runs the configured CLI against b's effective prompt, respecting
// ctx's deadline for cooperative cancellation.
func (p *CLIPolecat) Execute(ctx context.Context, b *bead.Bead) (Result, error) {
	if len(p.cfg.Command) == 0 {
		return Result{}, &Error{Kind: Permanent, Message: "no command configured for provider"}
	}

	prompt := b.EffectivePrompt()
	argv := substitutePrompt(p.cfg.Command, prompt)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if p.cfg.WorkDir != "" {
		cmd.Dir = p.cfg.WorkDir
	}
	if len(p.cfg.EnvVars) > 0 {
		cmd.Env = mergeEnv(p.cfg.EnvVars)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if !containsPromptToken(p.cfg.Command) {
		cmd.Stdin = strings.NewReader(prompt)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, &Error{Kind: Timeout, Message: fmt.Sprintf("provider cli timed out after %s", duration)}
		}
		output := stdout.String() + "\n" + stderr.String()
		if containsAny(output, p.cfg.RateLimitMarkers) {
			return Result{}, &Error{Kind: RateLimited, Message: strings.TrimSpace(stderr.String())}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &Error{Kind: Transient, Message: fmt.Sprintf("provider cli exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))}
		}
		return Result{}, &Error{Kind: Permanent, Message: err.Error()}
	}

	output := stdout.String()
	actual := uint64(float64(len(prompt)+len(output)) * p.cfg.TokensPerChar)
	if actual < 1 {
		actual = 1
	}
	return Result{ActualTokens: actual, Output: output, Duration: duration}, nil
}

func substitutePrompt(template CommandTemplate, prompt string) []string {
	out := make([]string, len(template))
	for i, token := range template {
		out[i] = strings.ReplaceAll(token, "{prompt}", prompt)
	}
	return out
}

func containsPromptToken(template CommandTemplate) bool {
	for _, token := range template {
		if strings.Contains(token, "{prompt}") {
			return true
		}
	}
	return false
}

func containsAny(haystack string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

func mergeEnv(overrides map[string]string) []string {
	base := os.Environ()
	for key, value := range overrides {
		base = append(base, key+"="+value)
	}
	return base
}
