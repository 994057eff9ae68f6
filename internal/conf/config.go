package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config holds the gateway configuration. It is constructed once at process
// start and passed by reference into the listener and adapter constructors;
// nothing reads ambient environment state after startup.
type Config struct {
	Region     string `yaml:"region"`
	Bucket     string `yaml:"bucket"`
	UsersTable string `yaml:"users_table"`
	Domain     string `yaml:"domain"`
	Subdomain  string `yaml:"subdomain"`

	IMAPPort int `yaml:"imap_port"`
	SMTPPort int `yaml:"smtp_port"`

	// CertDir points at a directory containing fullchain.pem and privkey.pem.
	// Empty means "derive from subdomain/domain under /etc/letsencrypt/live".
	CertDir string `yaml:"cert_dir"`

	MetricsAddr string `yaml:"metrics_addr"`

	// S3 holds optional overrides for S3-compatible stores (MinIO etc.).
	S3 S3Config `yaml:"s3"`

	Limits LimitsConfig `yaml:"limits"`
}

// S3Config holds optional endpoint/credential overrides for the blob store.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// LimitsConfig bounds per-connection resource use.
type LimitsConfig struct {
	MaxLineBytes      int   `yaml:"max_line_bytes"`      // protocol line cap
	MaxMessageBytes   int64 `yaml:"max_message_bytes"`   // SMTP DATA / IMAP APPEND cap
	IdleSeconds       int   `yaml:"idle_seconds"`        // connection idle timeout
	CallSeconds       int   `yaml:"call_seconds"`        // per collaborator call timeout
	HeaderBudgetBytes int64 `yaml:"header_budget_bytes"` // per-object read cap while listing
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Region:      "us-east-1",
		Subdomain:   "mail",
		IMAPPort:    993,
		SMTPPort:    465,
		MetricsAddr: "",
		Limits: LimitsConfig{
			MaxLineBytes:      64 * 1024,
			MaxMessageBytes:   52428800, // 50MB, matches the advertised SIZE
			IdleSeconds:       600,
			CallSeconds:       30,
			HeaderBudgetBytes: 8 * 1024,
		},
	}
}

// LoadConfig reads an optional YAML file and then applies environment
// variable overrides. A missing file is not an error; the environment alone
// can fully configure the gateway.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	paths := []string{path, "/etc/mailgate/mailgate.yaml", "./mailgate.yaml"}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Clean(p))
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		break
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Region, "REGION")
	setString(&c.Bucket, "EMAIL_BUCKET")
	setString(&c.UsersTable, "USERS_TABLE")
	setString(&c.Domain, "EMAIL_DOMAIN")
	setString(&c.Subdomain, "MAIL_SUBDOMAIN")
	setString(&c.CertDir, "CERT_DIR")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setInt(&c.IMAPPort, "IMAP_PORT")
	setInt(&c.SMTPPort, "SMTP_PORT")
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("email bucket not configured (EMAIL_BUCKET)")
	}
	if c.UsersTable == "" {
		return fmt.Errorf("users table not configured (USERS_TABLE)")
	}
	if c.Domain == "" {
		return fmt.Errorf("mail domain not configured (EMAIL_DOMAIN)")
	}
	return nil
}

// Hostname returns the fully qualified name used in protocol greetings.
func (c *Config) Hostname() string {
	if c.Subdomain == "" {
		return c.Domain
	}
	return c.Subdomain + "." + c.Domain
}

// CertDirectory returns the directory holding the TLS key/cert pair.
func (c *Config) CertDirectory() string {
	if c.CertDir != "" {
		return c.CertDir
	}
	return "/etc/letsencrypt/live/" + c.Hostname()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
