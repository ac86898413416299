// Package masking redacts secret-shaped values from captured command
// output. Shell output routinely embeds credentials: env dumps, config
// prints, cloud CLI responses. Redaction runs on the raw capture, so
// history, stream events, and spill files all carry the masked text.
package masking

import (
	"log/slog"
	"regexp"

	"github.com/autopoiesis-io/autopoiesis/pkg/config"
)

// Pattern is one compiled redaction rule. Rules run in order; earlier
// rules see the original text, later rules see prior replacements.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns returns the standing rule set: block constructs first
// (PEM, SSH keys), then keyed assignments, then bare token shapes that
// sweep up values appearing without a key. Keyed assignments keep the key
// name so the model can still correlate which variable was redacted.
func builtinPatterns() []Pattern {
	specs := []struct {
		name, pattern, replacement string
	}{
		{
			"pem_block",
			`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			`__MASKED_PEM_BLOCK__`,
		},
		{
			"ssh_key",
			`ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			`__MASKED_SSH_KEY__`,
		},
		{
			"bearer_header",
			`(?i)(authorization:\s*bearer\s+)[A-Za-z0-9_\-.=]+`,
			`${1}__MASKED_TOKEN__`,
		},
		{
			"aws_secret_key",
			`(?i)(aws[_-]?secret[_-]?access[_-]?key["']?\s*[:=]\s*["']?)[A-Za-z0-9/+=]{40}`,
			`${1}__MASKED_AWS_SECRET__`,
		},
		{
			"api_key",
			`(?i)((?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-]{16,}`,
			`${1}__MASKED_API_KEY__`,
		},
		{
			"token",
			`(?i)((?:auth[_-]?token|access[_-]?token|token|jwt)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-.]{16,}`,
			`${1}__MASKED_TOKEN__`,
		},
		{
			"secret",
			`(?i)((?:secret[_-]?key|client[_-]?secret|secret)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-/+=.]{8,}`,
			`${1}__MASKED_SECRET__`,
		},
		{
			"password",
			`(?i)((?:password|passwd|pwd)["']?\s*[:=]\s*["']?)[^"'\s]{6,}`,
			`${1}__MASKED_PASSWORD__`,
		},
		{
			"github_token",
			`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`,
			`__MASKED_GITHUB_TOKEN__`,
		},
		{
			"slack_token",
			`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`,
			`__MASKED_SLACK_TOKEN__`,
		},
		{
			"aws_access_key",
			`\bAKIA[A-Z0-9]{16}\b`,
			`__MASKED_AWS_KEY__`,
		},
	}
	patterns := make([]Pattern, 0, len(specs))
	for _, s := range specs {
		patterns = append(patterns, Pattern{
			Name:        s.name,
			Regex:       regexp.MustCompile(s.pattern),
			Replacement: s.replacement,
		})
	}
	return patterns
}

// Masker applies an ordered pattern set to captured output. Safe for
// concurrent use after construction.
type Masker struct {
	patterns []Pattern
}

// FromConfig builds a masker: the built-in rules plus any custom patterns
// from cfg. A disabled config yields a nil masker; Mask on a nil masker
// passes output through unchanged. Custom patterns that fail to compile
// are logged and skipped so one bad rule cannot disable the rest.
func FromConfig(cfg *config.MaskingConfig) *Masker {
	if cfg != nil && cfg.Disabled {
		return nil
	}
	m := &Masker{patterns: builtinPatterns()}
	if cfg == nil {
		return m
	}
	for _, p := range cfg.Patterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Warn("Skipping invalid masking pattern", "pattern", p.Name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, Pattern{
			Name:        p.Name,
			Regex:       compiled,
			Replacement: p.Replacement,
		})
	}
	return m
}

// Mask redacts every rule match in output.
func (m *Masker) Mask(output string) string {
	if m == nil || output == "" {
		return output
	}
	for _, p := range m.patterns {
		output = p.Regex.ReplaceAllString(output, p.Replacement)
	}
	return output
}
