package sshhoneypot

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const CONFIG_ENV_PREFIX string = "HONEYPOT"

const AUTH_BACKEND_PAM string = "pam"
const AUTH_BACKEND_ACCEPT_ALL string = "accept-all"

const DB_DRIVER_SQLITE string = "sqlite"
const DB_DRIVER_MYSQL string = "mysql"

// Config is shared by the honeypot and the dashboard binaries.
// Every field can be set as HONEYPOT_<NAME> or just <NAME>.
type Config struct {
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:22"`
	HostKeyPath   string `envconfig:"HOST_KEY" default:"key/serv_rsa.key"`
	ServerVersion string `envconfig:"SERVER_VERSION" default:"SSH-2.0-OpenSSH_7.9p1 Raspbian-10"`
	ShellPath     string `envconfig:"SHELL_PATH" default:"/usr/bin/fshell"`
	TranscriptDir string `envconfig:"LOG_DIR" default:"/var/log/analytics"`
	DefaultHome   string `envconfig:"DEFAULT_HOME" default:"/tmp"`

	DashboardURL  string        `envconfig:"DASHBOARD_URL" default:"http://localhost:5000"`
	NotifyKey     string        `envconfig:"NOTIFY_KEY"`
	NotifyTimeout time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`

	AllowRoot   bool   `envconfig:"ALLOW_ROOT" default:"false"`
	RootAlias   string `envconfig:"ROOT_ALIAS" default:"froot"`
	AuthBackend string `envconfig:"AUTH_BACKEND" default:"pam"`
	PAMService  string `envconfig:"PAM_SERVICE" default:"honeypot"`

	DBDriver   string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBHost     string `envconfig:"DB_HOST"`
	DBUser     string `envconfig:"DB_USER"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME"`
	DBPath     string `envconfig:"DB_PATH" default:"honeypot.db"`

	GeoEndpoint string        `envconfig:"GEO_ENDPOINT" default:"http://ip-api.com/json/"`
	GeoMaxAge   time.Duration `envconfig:"GEO_MAX_AGE" default:"24h"`
	GeoTimeout  time.Duration `envconfig:"GEO_TIMEOUT" default:"5s"`

	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"30s"`
	ChannelTimeout   time.Duration `envconfig:"CHANNEL_TIMEOUT" default:"20s"`
	AcceptTimeout    time.Duration `envconfig:"ACCEPT_TIMEOUT" default:"1250ms"`
	MaxSessions      int           `envconfig:"MAX_SESSIONS" default:"512"`

	ServerLog   string `envconfig:"SERVER_LOG" default:"server.log"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	DashboardAddr string `envconfig:"DASHBOARD_ADDR" default:"0.0.0.0:5000"`
	StaticDir     string `envconfig:"STATIC_DIR"`
	CountSchedule string `envconfig:"COUNT_SCHEDULE" default:"@every 10s"`
	TLSCert       string `envconfig:"TLS_CERT"`
	TLSKey        string `envconfig:"TLS_KEY"`
}

// LoadConfig reads an optional dotenv file and then the environment.
// A missing dotenv file is not an error.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	cfg := &Config{}
	if err := envconfig.Process(CONFIG_ENV_PREFIX, cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	switch cfg.AuthBackend {
	case AUTH_BACKEND_PAM, AUTH_BACKEND_ACCEPT_ALL:
	default:
		return fmt.Errorf("unknown auth backend %q", cfg.AuthBackend)
	}
	switch cfg.DBDriver {
	case DB_DRIVER_SQLITE:
		if cfg.DBPath == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case DB_DRIVER_MYSQL:
		if cfg.DBHost == "" || cfg.DBUser == "" || cfg.DBName == "" {
			return errors.New("DB_HOST, DB_USER and DB_NAME are required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return errors.New("TLS_CERT and TLS_KEY must be set together")
	}
	if cfg.RootAlias == "" || cfg.RootAlias == "root" {
		return fmt.Errorf("root alias must name a non-root account, got %q", cfg.RootAlias)
	}
	return nil
}
