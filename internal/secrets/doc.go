// Package secrets redacts credentials from command output and file
// content before they are returned to the agent.
//
// Detection is rule based: each Rule is a regular expression, optionally
// gated on keywords that must appear in the content. Findings never carry
// the matched text.
package secrets
