// Package config loads the broker configuration from a JSON file. Secret
// values use {"$env": "NAME"} indirection so they never live in the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
)

// Secret is a string that redacts itself when printed or marshaled. In the
// config file it may be given literally or as an environment variable
// reference {"$env": "NAME"}, resolved at load time.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON keeps secrets out of JSON logs.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON resolves the env indirection immediately.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		*s = Secret(literal)
		return nil
	}

	var ref struct {
		Env string `json:"$env"`
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("expected string or {\"$env\": \"NAME\"}: %w", err)
	}
	if ref.Env == "" {
		return errors.New("$env reference must name a variable")
	}

	value, ok := os.LookupEnv(ref.Env)
	if !ok {
		return fmt.Errorf("environment variable %s is not set", ref.Env)
	}
	*s = Secret(value)
	return nil
}

// Enterprise configures the enterprise identity provider.
type Enterprise struct {
	IssuerURL    string   `json:"issuerUrl"`
	ClientID     string   `json:"clientId"`
	ClientSecret Secret   `json:"clientSecret,omitempty"`
	RedirectURI  string   `json:"redirectUri"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Config is the broker configuration.
type Config struct {
	Enterprise      Enterprise `json:"enterprise"`
	ProfileEndpoint string     `json:"profileEndpoint"`
	LogLevel        string     `json:"logLevel,omitempty"`
}

// Load reads, resolves, and validates the config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate reports every problem at once rather than the first one found.
func (c *Config) Validate() error {
	var problems []error

	requireURL := func(field, value string) {
		if value == "" {
			problems = append(problems, fmt.Errorf("%s is required", field))
			return
		}
		if u, err := url.Parse(value); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Errorf("%s must be an absolute URL, got %q", field, value))
		}
	}

	requireURL("enterprise.issuerUrl", c.Enterprise.IssuerURL)
	requireURL("enterprise.redirectUri", c.Enterprise.RedirectURI)
	requireURL("profileEndpoint", c.ProfileEndpoint)

	if c.Enterprise.ClientID == "" {
		problems = append(problems, errors.New("enterprise.clientId is required"))
	}

	return errors.Join(problems...)
}
