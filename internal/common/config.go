package common

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where every service looks for its configuration
// unless a -config flag overrides it.
const DefaultConfigPath = "/etc/mash/mash_config.yaml"

// Config is the shared service configuration. All pipeline services read
// the same file; each picks the keys it needs.
type Config struct {
	LogDir           string `yaml:"log_dir"`
	JobDirectoryBase string `yaml:"job_directory_base"`

	// BrokerDatabase is the embedded broker's shared SQLite database. All
	// services of one deployment point at the same file.
	BrokerDatabase string `yaml:"broker_database"`
	// AmqpHost/User/Pass are accepted for compatibility with older
	// deployments. The embedded broker authenticates by file permissions,
	// so user and pass are parsed but not interpreted.
	AmqpHost string `yaml:"amqp_host"`
	AmqpUser string `yaml:"amqp_user"`
	AmqpPass string `yaml:"amqp_pass"`

	JWTSecret    string `yaml:"jwt_secret"`
	JWTAlgorithm string `yaml:"jwt_algorithm"`

	SMTPHost            string `yaml:"smtp_host"`
	SMTPPort            int    `yaml:"smtp_port"`
	SMTPSSL             bool   `yaml:"smtp_ssl"`
	SMTPUser            string `yaml:"smtp_user"`
	SMTPPass            string `yaml:"smtp_pass"`
	NotificationSubject string `yaml:"notification_subject"`

	CredentialsURL    string `yaml:"credentials_url"`
	DatabaseAPIURL    string `yaml:"database_api_url"`
	SSHPrivateKeyFile string `yaml:"ssh_private_key_file"`

	ImgProofTimeout        int `yaml:"img_proof_timeout"`
	AzureMaxWorkers        int `yaml:"azure_max_workers"`
	BaseThreadPoolCount    int `yaml:"base_thread_pool_count"`
	PublishThreadPoolCount int `yaml:"publish_thread_pool_count"`
	MaxOCIAttempts         int `yaml:"max_oci_attempts"`
	MaxOCIWaitSeconds      int `yaml:"max_oci_wait_seconds"`

	EmailAllowlist  []string `yaml:"email_allowlist"`
	DomainAllowlist []string `yaml:"domain_allowlist"`
	AuthMethods     []string `yaml:"auth_methods"`

	// DownloadIntervalSeconds is the image watcher poll cadence for
	// nonstop jobs.
	DownloadIntervalSeconds int `yaml:"download_interval_seconds"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the built-in defaults every deployment starts from.
func DefaultConfig() *Config {
	return &Config{
		LogDir:                  "/var/log/mash/",
		JobDirectoryBase:        "/var/lib/mash/",
		BrokerDatabase:          "/var/lib/mash/broker.db",
		AmqpHost:                "localhost",
		AmqpUser:                "guest",
		AmqpPass:                "guest",
		JWTAlgorithm:            "HS256",
		SMTPHost:                "localhost",
		SMTPPort:                25,
		SMTPSSL:                 false,
		NotificationSubject:     "[MASH] Job Status Update",
		CredentialsURL:          "http://localhost:8080/",
		DatabaseAPIURL:          "http://localhost:5007/",
		ImgProofTimeout:         600,
		AzureMaxWorkers:         5,
		BaseThreadPoolCount:     10,
		PublishThreadPoolCount:  50,
		MaxOCIAttempts:          100,
		MaxOCIWaitSeconds:       2400,
		AuthMethods:             []string{"password"},
		DownloadIntervalSeconds: 60,
		LogLevel:                "info",
	}
}

// LoadConfig reads the YAML config at path over the defaults. A missing
// file is not an error; services can run on defaults in development.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return config, nil
}

// ThreadPoolCount returns the worker pool size for a service. The publish
// stage runs a wider pool because replication waits dominate its runtime.
func (c *Config) ThreadPoolCount(service string) int {
	if service == "publish" {
		return c.PublishThreadPoolCount
	}
	return c.BaseThreadPoolCount
}

// DownloadInterval returns the nonstop poll cadence as a duration.
func (c *Config) DownloadInterval() time.Duration {
	return time.Duration(c.DownloadIntervalSeconds) * time.Second
}

// JobDirectory returns the per-service job persistence directory,
// <job_directory_base>/<service>_jobs/.
func (c *Config) JobDirectory(service string) string {
	return filepath.Join(c.JobDirectoryBase, service+"_jobs")
}

// LogFile returns the per-service log file path.
func (c *Config) LogFile(service string) string {
	return filepath.Join(c.LogDir, service+"_service.log")
}
