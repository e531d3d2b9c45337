// Package safecommand implements the pure predicate that decides whether a
// shell-exec tool call can be auto-allowed without a human approval round
// trip. It never mutates state and never calls out to the network or
// filesystem; same input always yields the same decision.
package safecommand

import (
	"encoding/json"
	"regexp"
	"strings"
)

// dangerPatterns flags command text that should never be auto-allowed,
// regardless of what prefix it starts with.
var dangerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f\b`), // rm -rf and permutations
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*f[a-zA-Z]*r\b`),
	regexp.MustCompile(`\bmv\b`),
	regexp.MustCompile(`\bcp\s+-[a-zA-Z]*r\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bdoas\b`),
	regexp.MustCompile(`>>?[^=]`), // output redirection (but not >=, <=)
	regexp.MustCompile(`\bkill\b`),
	regexp.MustCompile(`\bpkill\b`),
	regexp.MustCompile(`\bshutdown\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`\|\s*(sh|bash|zsh|sudo)\b`),
	regexp.MustCompile(`\bgit\s+(push\s+.*--force|reset\s+--hard|clean\s+-[a-zA-Z]*f|branch\s+-[a-zA-Z]*D)\b`),
	regexp.MustCompile(`\bcurl\b.*\s-X\s*(POST|PUT|DELETE|PATCH)\b`),
	regexp.MustCompile(`\bwget\b.*\s-O\b`),
	regexp.MustCompile(`\bchmod\s+[0-7]{0,3}7[0-7]{2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`:\(\)\s*\{`), // fork bomb shape
}

// safePrefixes lists command prefixes that are allowed once the danger
// check has cleared and an optional leading env-var assignment has been
// stripped.
var safePrefixes = []string{
	"ls", "ls -la", "ls -l", "ls -a",
	"cat", "head", "tail", "wc",
	"grep", "rg", "fd", "find",
	"git status", "git log", "git diff", "git show", "git branch", "git blame",
	"npm run build", "npm run test", "npm test", "npm run lint",
	"yarn build", "yarn test", "yarn lint",
	"go build", "go test", "go vet", "go list", "go version",
	"tsc --noEmit",
	"jq", "yq",
	"sort", "uniq", "awk", "sed -n",
	"pwd", "echo", "env", "which", "whoami",
	"node --version", "python --version", "python3 --version",
}

var envPrefix = regexp.MustCompile(`^\s*(?:[A-Za-z_][A-Za-z0-9_]*=\S+\s+)+`)

// candidateFields are the object keys checked, in order, when the tool
// input preview is a structured map rather than a bare string.
var candidateFields = []string{"command", "cmd", "script", "args", "input"}

// IsSafe reports whether preview (a tool-input preview, typically
// map[string]any decoded from JSON, or a bare string) describes a command
// this policy will auto-allow without a human approval round trip.
func IsSafe(preview any) bool {
	text, ok := extract(preview)
	if !ok {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	for _, pattern := range dangerPatterns {
		if pattern.MatchString(text) {
			return false
		}
	}

	remainder := envPrefix.ReplaceAllString(text, "")
	remainder = strings.TrimSpace(remainder)

	for _, prefix := range safePrefixes {
		if remainder == prefix || strings.HasPrefix(remainder, prefix+" ") {
			return true
		}
	}
	return false
}

// extract pulls a single command string out of a tool-input preview,
// trying common field names before falling back to a compact JSON
// serialization of a small single-key object.
func extract(preview any) (string, bool) {
	switch v := preview.(type) {
	case string:
		return v, true
	case map[string]any:
		for _, field := range candidateFields {
			if val, found := v[field]; found {
				switch s := val.(type) {
				case string:
					return s, true
				case []any:
					parts := make([]string, 0, len(s))
					for _, item := range s {
						if str, ok := item.(string); ok {
							parts = append(parts, str)
						}
					}
					if len(parts) > 0 {
						return strings.Join(parts, " "), true
					}
				}
			}
		}
		if len(v) == 1 {
			b, err := json.Marshal(v)
			if err == nil {
				return string(b), true
			}
		}
		return "", false
	default:
		return "", false
	}
}
