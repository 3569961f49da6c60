// Package placeholder resolves secret references embedded in configuration
// values, so API keys never have to live in the config file itself.
//
// Supported forms: {{env:VAR}}, {{keyring:service:account}}, {{file:path}}.
package placeholder

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"
)

var placeholderRegex = regexp.MustCompile(`{{\s*(env|keyring|file)\s*:\s*([^}]+)\s*}}`)

// ResolveString expands every placeholder in value. On failure the original
// placeholder text is left in place and the first error is returned.
func ResolveString(value string) (string, error) {
	var firstErr error

	resolved := placeholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		if firstErr != nil {
			return match
		}

		parts := placeholderRegex.FindStringSubmatch(match)
		kind := strings.TrimSpace(parts[1])
		ref := strings.TrimSpace(parts[2])

		switch kind {
		case "env":
			val, found := os.LookupEnv(ref)
			if !found {
				firstErr = fmt.Errorf("environment variable %q not set", ref)
				return match
			}
			return val
		case "keyring":
			svcAcct := strings.SplitN(ref, ":", 2)
			if len(svcAcct) != 2 {
				firstErr = fmt.Errorf("invalid keyring reference %q, expected service:account", ref)
				return match
			}
			secret, err := keyring.Get(svcAcct[0], svcAcct[1])
			if err != nil {
				firstErr = fmt.Errorf("keyring lookup %q: %w", ref, err)
				return match
			}
			return secret
		case "file":
			content, err := os.ReadFile(ref)
			if err != nil {
				firstErr = fmt.Errorf("read secret file %q: %w", ref, err)
				return match
			}
			return strings.TrimSpace(string(content))
		default:
			firstErr = fmt.Errorf("unknown placeholder type %q", kind)
			return match
		}
	})

	return resolved, firstErr
}

// ResolveMap expands placeholders in every value of m, returning a new map.
// Resolution continues past failures; the first error is returned alongside
// the partially resolved result.
func ResolveMap(m map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(m))
	var firstErr error

	for key, value := range m {
		out, err := ResolveString(value)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("resolve %q: %w", key, err)
		}
		resolved[key] = out
	}
	return resolved, firstErr
}
