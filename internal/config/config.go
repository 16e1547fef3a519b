package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Server         string `yaml:"server"`
	Login          string `yaml:"login"`
	Passwd         string `yaml:"passwd"`
	Database       string `yaml:"database"`
	BigLockTimeout int    `yaml:"big_lock_timeout"`
	BigLockWait    int    `yaml:"big_lock_wait"`
	SSL            bool   `yaml:"ssl"`
	SSLCA          string `yaml:"ssl_ca"`
}

// DSN builds the postgres connection string from the section fields.
func (c DatabaseConfig) DSN() string {
	sslmode := "disable"
	if c.SSL {
		sslmode = "verify-full"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Login, c.Passwd),
		Host:   c.Server,
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	if c.SSL && c.SSLCA != "" {
		q.Set("sslrootcert", c.SSLCA)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	LockFile         string `yaml:"lock_file"`
	InfRenewTime     int    `yaml:"inf_renew_time"`
	CoreDieTime      int    `yaml:"core_die_time"`
	RunAsUsername    string `yaml:"run_as_username"`
	ServerKillswitch bool   `yaml:"server_killswitch"`
	ServerLogFile    string `yaml:"server_log_file"`
	SSLKeyFile       string `yaml:"ssl_key_file"`
	SSLCertFile      string `yaml:"ssl_cert_file"`
}

type CredentialsConfig struct {
	AuthenticationMethod string `yaml:"authentication_method"`
	ExpTime              int    `yaml:"exp_time"` // minutes
}

type ExporterConfig struct {
	BackupDir     string `yaml:"backup_dir"`
	RootConfigDir string `yaml:"root_config_dir"`
	NamedDir      string `yaml:"named_dir"`

	// Optional tool and tuning knobs.
	NamedCheckconf    string `yaml:"named_checkconf"`
	NamedCheckzone    string `yaml:"named_checkzone"`
	CompileZonePath   string `yaml:"compile_zone_path"`
	TarPath           string `yaml:"tar_path"`
	MaxParallelChecks int    `yaml:"max_parallel_checks"`
}

type PushConfig struct {
	MaxAttempts       int    `yaml:"max_attempts"`
	MaxBackoffSeconds int    `yaml:"max_backoff_seconds"`
	ReloadCommand     string `yaml:"reload_command"`
	MaxParallel       int    `yaml:"max_parallel"`
	SSHKeyFile        string `yaml:"ssh_key_file"`
	KnownHostsFile    string `yaml:"known_hosts_file"`
}

type LDAPConfig struct {
	URL        string `yaml:"url"`
	BindDN     string `yaml:"bind_dn"`
	BindPasswd string `yaml:"bind_passwd"`
	BaseDN     string `yaml:"base_dn"`
	UserFilter string `yaml:"user_filter"`
	StartTLS   bool   `yaml:"starttls"`
	SkipVerify bool   `yaml:"skip_verify"`
}

type MirrorZone struct {
	Zone         string `yaml:"zone"`
	HostedZoneID string `yaml:"hosted_zone_id"`
}

type MirrorConfig struct {
	Enabled         bool         `yaml:"enabled"`
	Region          string       `yaml:"region"`
	AccessKeyID     string       `yaml:"access_key_id"`
	SecretAccessKey string       `yaml:"secret_access_key"`
	Zones           []MirrorZone `yaml:"zones"`
}

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Exporter    ExporterConfig    `yaml:"exporter"`
	Push        PushConfig        `yaml:"push"`
	LDAP        LDAPConfig        `yaml:"ldap"`
	Mirror      MirrorConfig      `yaml:"mirror"`
}

// Load reads and validates the configuration. Unknown keys anywhere in
// the file are rejected, and a config file readable or writable by the
// world refuses to load.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o007 != 0 {
		return nil, fmt.Errorf("config file %s is world accessible (mode %o), refusing to start", path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("bad config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	required := []struct {
		key string
		ok  bool
	}{
		{"database.server", c.Database.Server != ""},
		{"database.login", c.Database.Login != ""},
		{"database.passwd", c.Database.Passwd != ""},
		{"database.database", c.Database.Database != ""},
		{"server.host", c.Server.Host != ""},
		{"server.port", c.Server.Port != 0},
		{"server.lock_file", c.Server.LockFile != ""},
		{"credentials.authentication_method", c.Credentials.AuthenticationMethod != ""},
		{"exporter.backup_dir", c.Exporter.BackupDir != ""},
		{"exporter.root_config_dir", c.Exporter.RootConfigDir != ""},
		{"exporter.named_dir", c.Exporter.NamedDir != ""},
	}
	for _, r := range required {
		if !r.ok {
			return fmt.Errorf("config key %s is required", r.key)
		}
	}
	switch c.Credentials.AuthenticationMethod {
	case "local":
	case "ldap":
		if c.LDAP.URL == "" || c.LDAP.BaseDN == "" {
			return fmt.Errorf("ldap.url and ldap.base_dn are required when authentication_method is ldap")
		}
	default:
		return fmt.Errorf("unknown authentication_method %q", c.Credentials.AuthenticationMethod)
	}
	if c.Mirror.Enabled && len(c.Mirror.Zones) == 0 {
		return fmt.Errorf("mirror.zones must name at least one zone when the mirror is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.BigLockTimeout == 0 {
		c.Database.BigLockTimeout = 90
	}
	if c.Database.BigLockWait == 0 {
		c.Database.BigLockWait = 5
	}
	if c.Credentials.ExpTime == 0 {
		c.Credentials.ExpTime = 30
	}
	if c.Exporter.NamedCheckconf == "" {
		c.Exporter.NamedCheckconf = "/usr/sbin/named-checkconf"
	}
	if c.Exporter.NamedCheckzone == "" {
		c.Exporter.NamedCheckzone = "/usr/sbin/named-checkzone"
	}
	if c.Exporter.CompileZonePath == "" {
		c.Exporter.CompileZonePath = "/usr/sbin/named-compilezone"
	}
	if c.Exporter.TarPath == "" {
		c.Exporter.TarPath = "/bin/tar"
	}
	if c.Exporter.MaxParallelChecks == 0 {
		c.Exporter.MaxParallelChecks = 4
	}
	if c.Push.MaxAttempts == 0 {
		c.Push.MaxAttempts = 5
	}
	if c.Push.MaxBackoffSeconds == 0 {
		c.Push.MaxBackoffSeconds = 60
	}
	if c.Push.ReloadCommand == "" {
		c.Push.ReloadCommand = "rndc reload"
	}
	if c.Push.MaxParallel == 0 {
		c.Push.MaxParallel = 4
	}
	if c.LDAP.UserFilter == "" {
		c.LDAP.UserFilter = "(uid=%s)"
	}
	if c.Mirror.Region == "" {
		c.Mirror.Region = "us-east-1"
	}
}
