// Package config provides configuration parsing and validation for
// securerpc's server and client commands.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration shared by
// cmd/securerpc-server and cmd/securerpc-client. Both binaries load the
// same file shape and simply ignore the section that doesn't apply to
// them, which keeps --config handling identical between the two.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures cmd/securerpc-server.
type ServerConfig struct {
	// Address is the TCP address to listen on, e.g. ":4433".
	Address string `yaml:"address"`

	// SigningKeyPath is where the server's long-term Ed25519 signing key
	// is stored (base64 or PEM). It is created on first run if absent.
	SigningKeyPath string `yaml:"signing_key_path"`

	// MaxFrameSize bounds the total size of any single frame.
	MaxFrameSize uint32 `yaml:"max_frame_size"`

	// HandshakeTimeout bounds how long a connecting client has to
	// complete the handshake before the connection is dropped.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// ClientConfig configures cmd/securerpc-client.
type ClientConfig struct {
	// ServerAddress is the TCP address to connect to.
	ServerAddress string `yaml:"server_address"`

	// PeerSigningKeyPath is the server's pinned long-term Ed25519 public
	// key, used to verify the handshake signature.
	PeerSigningKeyPath string `yaml:"peer_signing_key_path"`

	// MaxFrameSize bounds the total size of any single frame.
	MaxFrameSize uint32 `yaml:"max_frame_size"`

	// HandshakeTimeout bounds how long the client waits for the server's
	// reply before abandoning the connection.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// LoggingConfig controls log/slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with the same defaults the CLI flags fall
// back to when neither a config file nor a flag sets a field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          ":4433",
			SigningKeyPath:   "./securerpc-server.key",
			MaxFrameSize:     1 << 20,
			HandshakeTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			ServerAddress:      "127.0.0.1:4433",
			PeerSigningKeyPath: "./securerpc-server.pub",
			MaxFrameSize:       1 << 20,
			HandshakeTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default()
// so unset fields keep their defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their
// values, supporting the ${VAR:-default} form.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors common to both the
// server and client sections, plus whichever section is non-empty.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.Server.Address != "" {
		if c.Server.SigningKeyPath == "" {
			errs = append(errs, "server.signing_key_path is required when server.address is set")
		}
		if c.Server.MaxFrameSize == 0 {
			errs = append(errs, "server.max_frame_size must be greater than zero")
		}
		if c.Server.HandshakeTimeout <= 0 {
			errs = append(errs, "server.handshake_timeout must be greater than zero")
		}
	}

	if c.Client.ServerAddress != "" {
		if c.Client.PeerSigningKeyPath == "" {
			errs = append(errs, "client.peer_signing_key_path is required when client.server_address is set")
		}
		if c.Client.MaxFrameSize == 0 {
			errs = append(errs, "client.max_frame_size must be greater than zero")
		}
		if c.Client.HandshakeTimeout <= 0 {
			errs = append(errs, "client.handshake_timeout must be greater than zero")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
