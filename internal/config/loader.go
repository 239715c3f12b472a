package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Loader loads gateway configuration from YAML files with environment
// variable substitution.
type Loader struct{}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadConfig loads configuration from the given file path.
func (l *Loader) LoadConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return l.parse(data)
}

// LoadConfigFromReader loads configuration from a reader.
func (l *Loader) LoadConfigFromReader(r io.Reader) (*GatewayConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return l.parse(data)
}

func (l *Loader) parse(data []byte) (*GatewayConfig, error) {
	substituted := substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituted), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} references with the
// corresponding environment variable values. A reference with no default and
// no set variable substitutes to an empty string. A literal dollar sign can
// be written as $$.
func substituteEnvVars(s string) string {
	s = strings.ReplaceAll(s, "$$", "\x00")
	s = envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return groups[2]
	})
	return strings.ReplaceAll(s, "\x00", "$")
}
