package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	domainconfig "github.com/felixgeelhaar/planloop/domain/config"
)

// Gateway environment variables honoured when the file leaves the
// corresponding model field empty.
const (
	EnvAPIKey  = "AI_GATEWAY_API_KEY"
	EnvBaseURL = "AI_GATEWAY_BASE_URL"
	EnvModel   = "AI_GATEWAY_MODEL"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*|:\?[^}]*)?\}`)

// envExpander expands ${VAR} references in configuration text.
type envExpander struct {
	lookup func(string) (string, bool)
	strict bool
}

// Expand expands environment variables in the input string.
// Supported patterns:
//   - ${VAR} expands to the value of VAR, or empty when unset
//   - ${VAR:-default} expands to VAR or default when unset or empty
//   - ${VAR:?message} fails when VAR is unset or empty
//
// In strict mode a bare ${VAR} that is unset also fails.
func (e *envExpander) Expand(input string) (string, error) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var missing []string
	result := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name, modifier := groups[1], groups[2]
		value, ok := lookup(name)

		switch {
		case strings.HasPrefix(modifier, ":-"):
			if !ok || value == "" {
				return modifier[2:]
			}
		case strings.HasPrefix(modifier, ":?"):
			if !ok || value == "" {
				missing = append(missing, fmt.Sprintf("%s: %s", name, modifier[2:]))
				return match
			}
		default:
			if !ok && e.strict {
				missing = append(missing, name)
			}
		}
		return value
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", domainconfig.ErrMissingEnvVar, strings.Join(missing, ", "))
	}
	return result, nil
}

// ExpandEnv expands environment variables, leaving unset ones empty.
func ExpandEnv(input string) string {
	result, _ := (&envExpander{}).Expand(input)
	return result
}

// ApplyEnvDefaults fills empty model fields from the gateway environment
// variables.
func ApplyEnvDefaults(cfg *domainconfig.Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	fill := func(field *string, key string) {
		if *field != "" {
			return
		}
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}
	fill(&cfg.Model.APIKey, EnvAPIKey)
	fill(&cfg.Model.BaseURL, EnvBaseURL)
	fill(&cfg.Model.DefaultModel, EnvModel)
}
