package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config is the pibot configuration. Values are layered: built-in defaults
// (overridable through PIBOT_* env vars), the JSON config file, then the
// private overlay named by PIBOT_PRIVATE_CONFIG. String values of the form
// "$NAME" are replaced by the environment variable NAME.
type Config struct {
	Name          string         `json:"name"`
	Transport     string         `json:"transport"`
	HTTPAddr      string         `json:"http_addr,omitempty"`
	LogLevel      string         `json:"log_level,omitempty"`
	Telegram      TelegramConfig `json:"telegram"`
	Matrix        MatrixConfig   `json:"matrix"`
	Monitor       MonitorConfig  `json:"monitor"`
	Exec          ExecConfig     `json:"exec"`
	Delivery      DeliveryConfig `json:"delivery"`
	ExternalIPURL string         `json:"external_ip_url,omitempty"`
	Audit         AuditConfig    `json:"audit"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout int    `json:"poll_timeout,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

type MatrixConfig struct {
	Homeserver string `json:"homeserver"`
	UserID     string `json:"user_id"`
	Password   string `json:"password"`
	ServerName string `json:"server_name"`
	DataDir    string `json:"data_dir,omitempty"`
}

// MonitorConfig holds alert thresholds (°C and percent) and the poll interval.
type MonitorConfig struct {
	CPUTempThreshold float64  `json:"cpu_temp_threshold"`
	RAMThreshold     float64  `json:"ram_threshold"`
	Interval         string   `json:"interval"`
	SensorKeys       []string `json:"sensor_keys,omitempty"`
}

type ExecConfig struct {
	Timeout       string `json:"timeout"`
	WiFiInterface string `json:"wifi_interface"`
	SpeedtestPath string `json:"speedtest_path"`
	ScanSettle    string `json:"scan_settle"`
	UseSudo       bool   `json:"use_sudo"`
}

type DeliveryConfig struct {
	MaxMessage int    `json:"max_message"`
	Pace       string `json:"pace"`
}

// AuditConfig selects the audit trail backend: "sqlite" (DSN is a file
// path), "postgres" (DSN is a connection URL) or "none".
type AuditConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	base := defaultConfig()
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("PIBOT_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Name = resolveEnv(cfg.Name)
	cfg.HTTPAddr = resolveEnv(cfg.HTTPAddr)
	cfg.Telegram.Token = resolveEnv(cfg.Telegram.Token)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = resolveEnv(cfg.Matrix.UserID)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Matrix.ServerName = resolveEnv(cfg.Matrix.ServerName)
	cfg.Audit.DSN = resolveEnv(cfg.Audit.DSN)
	cfg.ExternalIPURL = resolveEnv(cfg.ExternalIPURL)

	if cfg.Name == "" {
		cfg.Name = "pibot"
	}
	if cfg.Transport == "" {
		cfg.Transport = "telegram"
	}
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = "none"
	}

	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case "telegram":
		if c.Telegram.Token == "" || strings.HasPrefix(c.Telegram.Token, "$") {
			errs = append(errs, fmt.Errorf("telegram.token is required (set TELEGRAM_BOT_TOKEN)"))
		}
	case "matrix":
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.ServerName == "" {
			errs = append(errs, fmt.Errorf("matrix.homeserver, matrix.user_id and matrix.server_name are required"))
		}
		if c.Matrix.Password == "" || strings.HasPrefix(c.Matrix.Password, "$") {
			errs = append(errs, fmt.Errorf("matrix.password is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want telegram or matrix)", c.Transport))
	}

	switch c.Audit.Driver {
	case "none":
	case "sqlite", "postgres":
		if c.Audit.DSN == "" {
			errs = append(errs, fmt.Errorf("audit.dsn is required for driver %s", c.Audit.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit driver %q", c.Audit.Driver))
	}

	if c.Monitor.CPUTempThreshold <= 0 || c.Monitor.RAMThreshold <= 0 {
		errs = append(errs, fmt.Errorf("monitor thresholds must be positive"))
	}
	if c.Monitor.RAMThreshold > 100 {
		errs = append(errs, fmt.Errorf("monitor.ram_threshold is a percentage, got %v", c.Monitor.RAMThreshold))
	}
	for field, value := range map[string]string{
		"monitor.interval": c.Monitor.Interval,
		"exec.timeout":     c.Exec.Timeout,
		"exec.scan_settle": c.Exec.ScanSettle,
		"delivery.pace":    c.Delivery.Pace,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if c.Delivery.MaxMessage < 0 {
		errs = append(errs, fmt.Errorf("delivery.max_message must not be negative"))
	}

	return errors.Join(errs...)
}

// SlogLevel maps log_level to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration parses a duration field, returning fallback when it is empty
// or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		Name:      "pibot",
		Transport: envOr("PIBOT_TRANSPORT", "telegram"),
		HTTPAddr:  envOr("PIBOT_HTTP_ADDR", ":8080"),
		LogLevel:  envOr("PIBOT_LOG_LEVEL", "info"),
		Telegram: TelegramConfig{
			Token:       "$TELEGRAM_BOT_TOKEN",
			PollTimeout: 60,
		},
		Matrix: MatrixConfig{
			Homeserver: envOr("PIBOT_MATRIX_HOMESERVER", ""),
			UserID:     envOr("PIBOT_MATRIX_USER", "pibot"),
			Password:   "$PIBOT_MATRIX_PASSWORD",
			ServerName: envOr("PIBOT_MATRIX_SERVER_NAME", ""),
			DataDir:    envOr("PIBOT_DATA_DIR", "data"),
		},
		Monitor: MonitorConfig{
			CPUTempThreshold: 62,
			RAMThreshold:     80,
			Interval:         envOr("PIBOT_MONITOR_INTERVAL", "60s"),
		},
		Exec: ExecConfig{
			Timeout:       envOr("PIBOT_EXEC_TIMEOUT", "10m"),
			WiFiInterface: envOr("PIBOT_WIFI_INTERFACE", "wlan1"),
			SpeedtestPath: envOr("PIBOT_SPEEDTEST_PATH", "/usr/local/bin/speedtest-cli"),
			ScanSettle:    "20s",
			UseSudo:       envOr("PIBOT_NO_SUDO", "") == "",
		},
		Delivery: DeliveryConfig{
			MaxMessage: 4096,
			Pace:       "200ms",
		},
		ExternalIPURL: "https://api.ipify.org",
		Audit: AuditConfig{
			Driver: envOr("PIBOT_AUDIT_DRIVER", "sqlite"),
			DSN:    envOr("PIBOT_AUDIT_DSN", "data/audit.db"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
