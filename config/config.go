// Package config loads certpath configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/containerd/log"
	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
	ErrInvalidOID           = errors.New("invalid OID")
	ErrInvalidConfigType    = errors.New("configuration must be a dictionary")
)

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// AnyPolicyOID is the anyPolicy identifier.
const AnyPolicyOID = "2.5.29.32.0"

// policyAliases are the names accepted in place of a numeric policy OID.
var policyAliases = map[string]string{
	"any-policy": AnyPolicyOID,
	"anyPolicy":  AnyPolicyOID,
}

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// ValidationConfig holds the inputs of a path validation run.
type ValidationConfig struct {
	// TrustAnchors are paths to trust anchor certificate files.
	TrustAnchors []string `yaml:"trust-anchors" json:"trust_anchors,omitempty"`

	// Certificates are paths to the files holding the path to validate,
	// end-entity certificate first.
	Certificates []string `yaml:"certificates" json:"certificates,omitempty"`

	// CRLs are paths to CRL files loaded into memory.
	CRLs []string `yaml:"crls" json:"crls,omitempty"`

	// CRLDatabase is the path of a bbolt CRL database.
	CRLDatabase string `yaml:"crl-database" json:"crl_database,omitempty"`

	// InitialPolicies is the user-initial-policy-set. Empty means any policy.
	InitialPolicies []string `yaml:"initial-policies" json:"initial_policies,omitempty"`

	ExplicitPolicyRequired bool `yaml:"explicit-policy-required" json:"explicit_policy_required"`
	PolicyMappingInhibited bool `yaml:"policy-mapping-inhibited" json:"policy_mapping_inhibited"`
	AnyPolicyInhibited     bool `yaml:"any-policy-inhibited" json:"any_policy_inhibited"`
	RevocationEnabled      bool `yaml:"revocation-enabled" json:"revocation_enabled"`

	// ValidationTime is an RFC 3339 instant. Empty means now.
	ValidationTime string `yaml:"validation-time" json:"validation_time,omitempty"`
}

// Validate checks policy OIDs and the validation time.
func (c *ValidationConfig) Validate() error {
	if _, err := ProcessPolicyOIDs(c.InitialPolicies); err != nil {
		return err
	}
	if _, err := c.Instant(); err != nil {
		return err
	}
	return nil
}

// Policies returns the initial policies with aliases resolved.
func (c *ValidationConfig) Policies() ([]string, error) {
	return ProcessPolicyOIDs(c.InitialPolicies)
}

// Instant parses ValidationTime. The zero time is returned when unset.
func (c *ValidationConfig) Instant() (time.Time, error) {
	if c.ValidationTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.ValidationTime)
	if err != nil {
		return time.Time{}, &ConfigError{
			Field:   "validation-time",
			Message: fmt.Sprintf("%q is not an RFC 3339 time", c.ValidationTime),
			Err:     err,
		}
	}
	return t, nil
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = string(log.TextFormat)
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks the level and format names.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return NewConfigError("level", fmt.Sprintf("unknown log level %q", c.Level))
	}
	switch log.OutputFormat(c.Format) {
	case "", log.TextFormat, log.JSONFormat:
	default:
		return NewConfigError("format", fmt.Sprintf("unknown log format %q", c.Format))
	}
	return nil
}

// Config contains the complete application configuration.
type Config struct {
	Validation *ValidationConfig `yaml:"validation" json:"validation,omitempty"`
	Logging    *LoggingConfig    `yaml:"logging" json:"logging,omitempty"`
}

// SetDefaults fills in missing sections.
func (c *Config) SetDefaults() {
	if c.Validation == nil {
		c.Validation = &ValidationConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Logging.SetDefaults()
}

// Validate validates every section.
func (c *Config) Validate() error {
	if c.Validation != nil {
		if err := c.Validation.Validate(); err != nil {
			return err
		}
	}
	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

var sectionKeys = map[string][]string{
	"validation": {
		"trust-anchors", "certificates", "crls", "crl-database", "initial-policies",
		"explicit-policy-required", "policy-mapping-inhibited", "any-policy-inhibited",
		"revocation-enabled", "validation-time",
	},
	"logging": {"level", "format", "output"},
}

// listKeys may be given as a single string or a list.
var listKeys = map[string]bool{
	"trust-anchors":    true,
	"certificates":     true,
	"crls":             true,
	"initial-policies": true,
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses configuration from YAML data. Keys may be written
// with underscores or dashes.
func ParseConfig(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return LoadConfigFromMap(raw)
}

// LoadConfigFromMap loads configuration from a map.
func LoadConfigFromMap(data map[string]any) (*Config, error) {
	normalized := make(map[string]any, len(data))
	for key, value := range data {
		key = normalizeKey(key)
		expected, ok := sectionKeys[key]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected section %q", ErrUnexpectedField, key)
		}
		if value == nil {
			continue
		}
		section, ok := value.(map[string]any)
		if !ok {
			return nil, &ConfigError{Field: key, Message: fmt.Sprintf("got %T", value), Err: ErrInvalidConfigType}
		}
		if err := CheckConfigKeys(key, expected, mapKeys(section)); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(section))
		for k, v := range section {
			k = normalizeKey(k)
			if listKeys[k] && v != nil {
				list, err := EnsureStrings(v, k)
				if err != nil {
					return nil, err
				}
				v = list
			}
			// Unquoted RFC 3339 scalars decode as timestamps.
			if ts, ok := v.(time.Time); ok {
				v = ts.Format(time.RFC3339Nano)
			}
			out[k] = v
		}
		normalized[key] = out
	}

	// Marshal to YAML then unmarshal to struct
	yamlData, err := yaml.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config map: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CheckConfigKeys checks if all provided keys are valid for a given configuration type.
func CheckConfigKeys(configName string, expectedKeys, suppliedKeys []string) error {
	expectedSet := make(map[string]bool)
	for _, k := range expectedKeys {
		expectedSet[normalizeKey(k)] = true
	}

	var unexpected []string
	for _, k := range suppliedKeys {
		if !expectedSet[normalizeKey(k)] {
			unexpected = append(unexpected, k)
		}
	}

	if len(unexpected) > 0 {
		keyWord := "key"
		if len(unexpected) > 1 {
			keyWord = "keys"
		}
		return fmt.Errorf("%w: unexpected %s in configuration for %s: %s",
			ErrUnexpectedField, keyWord, configName, strings.Join(unexpected, ", "))
	}

	return nil
}

// normalizeKey normalizes a configuration key (underscores to dashes).
func normalizeKey(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// ProcessOID validates a dotted-decimal OID string.
func ProcessOID(oidString string) (string, error) {
	if oidString == "" {
		return "", &ConfigError{Field: "oid", Message: "OID string is empty", Err: ErrInvalidOID}
	}
	if !OIDRegex.MatchString(oidString) {
		return "", &ConfigError{Field: "oid", Message: fmt.Sprintf("%q is not a dotted OID", oidString), Err: ErrInvalidOID}
	}
	return oidString, nil
}

// ProcessPolicyOIDs validates a list of policy OIDs, resolving the
// any-policy alias. Duplicates are dropped.
func ProcessPolicyOIDs(oidStrings []string) ([]string, error) {
	seen := make(map[string]bool, len(oidStrings))
	result := make([]string, 0, len(oidStrings))
	for _, oid := range oidStrings {
		if alias, ok := policyAliases[oid]; ok {
			oid = alias
		}
		processed, err := ProcessOID(oid)
		if err != nil {
			return nil, err
		}
		if !seen[processed] {
			seen[processed] = true
			result = append(result, processed)
		}
	}
	return result, nil
}

// EnsureStrings ensures the input is a slice of strings.
// It accepts either a single string or a slice of strings.
func EnsureStrings(value any, paramName string) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		result := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, NewConfigError(paramName,
					fmt.Sprintf("item %d is not a string (got %T)", i, item))
			}
			result = append(result, s)
		}
		return result, nil
	default:
		return nil, NewConfigError(paramName,
			fmt.Sprintf("must be specified as a list of strings or a string, got %T", value))
	}
}
