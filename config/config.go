package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-to-telegram/filter"
	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/syncer"
)

const envPrefix = "MAIL2TG"

// MailboxConfig describes one watched mailbox.
type MailboxConfig struct {
	Email string `mapstructure:"email"`
	// Password is used when PasswordEnv is empty or names an unset variable.
	Password           string `mapstructure:"password"`
	PasswordEnv        string `mapstructure:"password_env"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	TLS                *bool  `mapstructure:"tls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	Folder             string `mapstructure:"folder"`

	AllowedSenderDomains []string `mapstructure:"allowed_sender_domains"`
	IncludeHeader        []string `mapstructure:"include_header"`
	IncludeBody          []string `mapstructure:"include_body"`
	ExcludeHeader        []string `mapstructure:"exclude_header"`
	ExcludeBody          []string `mapstructure:"exclude_body"`
}

type TelegramConfig struct {
	Token         string  `mapstructure:"token"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

type WatchConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

type SeaTableConfig struct {
	ServerURL      string         `mapstructure:"server_url"`
	APIToken       string         `mapstructure:"api_token"`
	TokenTTL       time.Duration  `mapstructure:"token_ttl"`
	SyncTimeUTC    string         `mapstructure:"sync_time_utc"`
	UsersTable     string         `mapstructure:"users_table"`
	MailboxesTable string         `mapstructure:"mailboxes_table"`
	Columns        syncer.Columns `mapstructure:"columns"`
}

// Config is the complete service configuration.
type Config struct {
	Mailboxes     []MailboxConfig `mapstructure:"mailboxes"`
	Telegram      TelegramConfig  `mapstructure:"telegram"`
	Watch         WatchConfig     `mapstructure:"watch"`
	SeaTable      SeaTableConfig  `mapstructure:"seatable"`
	Database      string          `mapstructure:"database"`
	MarkerBackend string          `mapstructure:"marker_backend"`
	StateDir      string          `mapstructure:"state_dir"`
	StatsInterval time.Duration   `mapstructure:"stats_interval"`
	LogLevel      string          `mapstructure:"log_level"`
	LogDir        string          `mapstructure:"log_dir"`
}

// RegisterFlags attaches the persistent flags shared by all commands.
func RegisterFlags(cmd *cobra.Command) error {
	configPath, err := DefaultConfigPath()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", configPath, "Path to the YAML configuration file")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("db", "", "Path to the SQLite database (overrides the config file)")
	return nil
}

// LoadConfig reads the configuration file named by --config, applies
// MAIL2TG_* environment overrides and explicitly set flags, and validates
// the result.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	return Load(path, flags.Changed("config"), flags)
}

// Load builds a Config from path. A missing file is an error only when
// required is set. flags may be nil.
func Load(path string, required bool, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range map[string]string{
			"log_level": "log-level",
			"log_dir":   "log-dir",
			"database":  "db",
		} {
			flag := flags.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if required || !errors.As(err, &pathErr) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.rate_per_second", 25)
	v.SetDefault("watch.idle_timeout", 5*time.Minute)
	v.SetDefault("watch.restart_delay", 10*time.Second)
	v.SetDefault("database", "")
	v.SetDefault("marker_backend", "sql")
	v.SetDefault("state_dir", "")
	v.SetDefault("stats_interval", time.Hour)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_dir", "")

	cols := syncer.DefaultColumns()
	v.SetDefault("seatable.server_url", "https://cloud.seatable.io")
	v.SetDefault("seatable.api_token", "")
	v.SetDefault("seatable.token_ttl", 48*time.Hour)
	v.SetDefault("seatable.sync_time_utc", "03:00")
	v.SetDefault("seatable.users_table", "Users")
	v.SetDefault("seatable.mailboxes_table", "Mailboxes")
	v.SetDefault("seatable.columns.user_name", cols.UserName)
	v.SetDefault("seatable.columns.user_phone", cols.UserPhone)
	v.SetDefault("seatable.columns.user_telegram", cols.UserTelegram)
	v.SetDefault("seatable.columns.user_mailboxes", cols.UserMailboxes)
	v.SetDefault("seatable.columns.mailbox_name", cols.MailboxName)
	v.SetDefault("seatable.columns.mailbox_email", cols.MailboxEmail)
	v.SetDefault("seatable.columns.mailbox_groups", cols.MailboxGroups)
}

func (c *Config) normalize() error {
	base, err := baseDir()
	if err != nil {
		return err
	}

	if c.Database == "" {
		c.Database = filepath.Join(base, "relay.db")
	}
	c.Database = expandHome(c.Database)
	if c.StateDir == "" {
		c.StateDir = filepath.Join(base, "state")
	}
	c.StateDir = filepath.Clean(expandHome(c.StateDir))
	if c.LogDir != "" {
		c.LogDir = expandHome(c.LogDir)
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	c.MarkerBackend = strings.ToLower(c.MarkerBackend)

	for i := range c.Mailboxes {
		mb := &c.Mailboxes[i]
		mb.Email = strings.TrimSpace(mb.Email)
		if mb.Port == 0 {
			mb.Port = 993
		}
		if mb.TLS == nil {
			tls := true
			mb.TLS = &tls
		}
		if mb.Folder == "" {
			mb.Folder = "INBOX"
		}
		if mb.PasswordEnv != "" {
			if pw := os.Getenv(mb.PasswordEnv); pw != "" {
				mb.Password = pw
			}
		}
	}
	return nil
}

func validateConfig(cfg Config) error {
	if len(cfg.Mailboxes) == 0 {
		return fmt.Errorf("at least one mailbox must be configured")
	}

	seen := make(map[string]bool, len(cfg.Mailboxes))
	for i, mb := range cfg.Mailboxes {
		if mb.Email == "" {
			return fmt.Errorf("mailboxes[%d]: email is required", i)
		}
		key := model.MailboxKey(mb.Email)
		if seen[key] {
			return fmt.Errorf("mailboxes[%d]: duplicate mailbox %s", i, key)
		}
		seen[key] = true

		if mb.Host == "" {
			return fmt.Errorf("mailbox %s: host is required", key)
		}
		if mb.Password == "" {
			if mb.PasswordEnv != "" {
				return fmt.Errorf("mailbox %s: password env var %s is not set", key, mb.PasswordEnv)
			}
			return fmt.Errorf("mailbox %s: password must be provided via password or password_env", key)
		}
		if mb.Port <= 0 || mb.Port > 65535 {
			return fmt.Errorf("mailbox %s: port must be between 1 and 65535", key)
		}
		includeActive := len(mb.IncludeHeader) > 0 || len(mb.IncludeBody) > 0
		excludeActive := len(mb.ExcludeHeader) > 0 || len(mb.ExcludeBody) > 0
		if includeActive && excludeActive {
			return fmt.Errorf("mailbox %s: include and exclude filters are mutually exclusive", key)
		}
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required (or MAIL2TG_TELEGRAM_TOKEN)")
	}
	if cfg.Telegram.RatePerSecond < 0 {
		return fmt.Errorf("telegram.rate_per_second must not be negative")
	}

	switch cfg.MarkerBackend {
	case "sql", "file":
	default:
		return fmt.Errorf("invalid marker_backend: %s", cfg.MarkerBackend)
	}

	if _, err := syncer.ParseSyncTime(cfg.SeaTable.SyncTimeUTC); err != nil {
		return fmt.Errorf("seatable.sync_time_utc: %w", err)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// Identity returns the connection identity of a mailbox.
func (m MailboxConfig) Identity() model.MailboxIdentity {
	return model.MailboxIdentity{
		Email:              m.Email,
		Password:           m.Password,
		Host:               m.Host,
		Port:               m.Port,
		UseTLS:             m.TLS == nil || *m.TLS,
		InsecureSkipVerify: m.InsecureSkipVerify,
		Folder:             m.Folder,
	}
}

// FilterOptions returns the sender and content rules of a mailbox.
func (m MailboxConfig) FilterOptions() filter.Options {
	return filter.Options{
		SenderDomains: m.AllowedSenderDomains,
		IncludeHeader: m.IncludeHeader,
		IncludeBody:   m.IncludeBody,
		ExcludeHeader: m.ExcludeHeader,
		ExcludeBody:   m.ExcludeBody,
	}
}

// MailboxKeys lists the keys of all configured mailboxes.
func (c Config) MailboxKeys() []string {
	keys := make([]string, 0, len(c.Mailboxes))
	for _, mb := range c.Mailboxes {
		keys = append(keys, model.MailboxKey(mb.Email))
	}
	return keys
}

// DefaultConfigPath is ~/.mail-to-telegram/config.yaml.
func DefaultConfigPath() (string, error) {
	base, err := baseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}

func baseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-to-telegram"), nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
