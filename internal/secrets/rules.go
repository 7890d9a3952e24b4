package secrets

// Rule detects one kind of secret.
type Rule struct {
	ID       string   `koanf:"id" json:"id"`
	Pattern  string   `koanf:"pattern" json:"pattern"`
	Keywords []string `koanf:"keywords" json:"keywords,omitempty"`
}

// DefaultRules returns the built-in rules. Prefixed token formats need no
// keywords; generic assignments are gated on them.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "aws-access-key-id", Pattern: `\b(?:A3T[A-Z0-9]|AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`},
		{ID: "aws-secret-access-key", Pattern: `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`, Keywords: []string{"secret"}},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY(?: BLOCK)?-----`},
		{ID: "github-token", Pattern: `\bgh[pousr]_[A-Za-z0-9]{36,255}\b`},
		{ID: "github-fine-grained", Pattern: `\bgithub_pat_[A-Za-z0-9_]{82}\b`},
		{ID: "gitlab-token", Pattern: `\bglpat-[A-Za-z0-9\-_]{20}\b`},
		{ID: "slack-token", Pattern: `\bxox[baprs]-[A-Za-z0-9-]{10,}\b`},
		{ID: "stripe-key", Pattern: `\b[rs]k_(?:live|test)_[A-Za-z0-9]{24,}\b`},
		{ID: "anthropic-api-key", Pattern: `\bsk-ant-[A-Za-z0-9\-_]{32,}\b`},
		{ID: "openai-api-key", Pattern: `\bsk-(?:proj-)?[A-Za-z0-9]{32,}\b`},
		{ID: "google-api-key", Pattern: `\bAIza[0-9A-Za-z\-_]{35}\b`},
		{ID: "jwt", Pattern: `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`},
		{ID: "bearer-token", Pattern: `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`, Keywords: []string{"bearer"}},
		{ID: "database-url", Pattern: `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/]+:[^@\s]+@[^\s'"]+`},
		{ID: "generic-api-key", Pattern: `(?i)\b(?:api[_-]?key|apikey|access[_-]?token)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`, Keywords: []string{"key", "token"}},
		{ID: "generic-secret", Pattern: `(?i)\b(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`, Keywords: []string{"secret", "passw", "pwd"}},
	}
}
