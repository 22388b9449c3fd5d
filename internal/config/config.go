package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gluk-w/claworc/webterminal/internal/crypto"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":9090" yaml:"listen_addr"`
	Namespace      string   `envconfig:"NAMESPACE" default:"/ssh" yaml:"namespace"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"" yaml:"allowed_origins"`

	// Remote shell target
	SSHHost              string        `envconfig:"SSH_HOST" default:"localhost" yaml:"ssh_host"`
	SSHPort              int           `envconfig:"SSH_PORT" default:"22" yaml:"ssh_port"`
	SSHUser              string        `envconfig:"SSH_USER" default:"root" yaml:"ssh_user"`
	SSHPassword          string        `envconfig:"SSH_PASSWORD" default:"password" yaml:"ssh_password"`
	SSHPasswordEncrypted string        `envconfig:"SSH_PASSWORD_ENCRYPTED" default:"" yaml:"ssh_password_encrypted"`
	FernetKey            string        `envconfig:"FERNET_KEY" default:"" yaml:"fernet_key"`
	SSHCommand           string        `envconfig:"SSH_COMMAND" default:"" yaml:"ssh_command"`
	SSHCommandEnv        []string      `envconfig:"SSH_COMMAND_ENV" default:"" yaml:"ssh_command_env"`
	SSHConnectTimeout    time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s" yaml:"ssh_connect_timeout"`

	// Session registry
	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT" default:"1h" yaml:"idle_timeout"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m" yaml:"sweep_interval"`

	// Audit trail
	DatabasePath       string `envconfig:"DATABASE_PATH" default:"/app/data/webterminal.db" yaml:"database_path"`
	AuditEnabled       bool   `envconfig:"AUDIT_ENABLED" default:"true" yaml:"audit_enabled"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90" yaml:"audit_retention_days"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" yaml:"log_format"`
	LogPath   string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`

	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`
}

var Cfg Settings

// Load populates Cfg from WEBTERM_* environment variables and, when
// WEBTERM_CONFIG_FILE is set, overlays the keys present in that YAML file.
func Load() error {
	s, err := LoadFrom("WEBTERM")
	if err != nil {
		return err
	}
	Cfg = s
	return nil
}

// LoadFrom builds Settings for the given environment prefix without touching Cfg.
func LoadFrom(prefix string) (Settings, error) {
	var s Settings
	if err := envconfig.Process(prefix, &s); err != nil {
		return s, fmt.Errorf("process env: %w", err)
	}
	if s.ConfigFile != "" {
		if err := s.overlayFile(s.ConfigFile); err != nil {
			return s, err
		}
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (s *Settings) Validate() error {
	if s.SSHPort < 1 || s.SSHPort > 65535 {
		return fmt.Errorf("ssh port %d out of range", s.SSHPort)
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", s.IdleTimeout)
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.SweepInterval)
	}
	if s.SSHPasswordEncrypted != "" && s.FernetKey == "" {
		return fmt.Errorf("encrypted ssh password set without a fernet key")
	}
	if s.Namespace == "" || s.Namespace[0] != '/' {
		return fmt.Errorf("namespace %q must start with /", s.Namespace)
	}
	return nil
}

// Password returns the SSH password, decrypting the fernet token when one
// is configured.
func (s *Settings) Password() (string, error) {
	if s.SSHPasswordEncrypted == "" {
		return s.SSHPassword, nil
	}
	pw, err := crypto.Decrypt(s.SSHPasswordEncrypted, s.FernetKey)
	if err != nil {
		return "", fmt.Errorf("ssh password: %w", err)
	}
	return pw, nil
}
