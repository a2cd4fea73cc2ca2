package daemon

import (
	"fmt"

	"github.com/nous-labs/pibot/internal/channel/matrix"
	"github.com/nous-labs/pibot/internal/channel/telegram"
	"github.com/nous-labs/pibot/internal/commands"
	"github.com/nous-labs/pibot/pkg/channel"
	coredaemon "github.com/nous-labs/pibot/pkg/daemon"
)

// settingsFromConfig maps the config file onto router settings. Unset
// durations keep the router defaults.
func settingsFromConfig(cfg *coredaemon.Config) commands.Settings {
	s := commands.DefaultSettings()
	if cfg.Monitor.CPUTempThreshold > 0 {
		s.CPUTempThreshold = cfg.Monitor.CPUTempThreshold
	}
	if cfg.Monitor.RAMThreshold > 0 {
		s.RAMThreshold = cfg.Monitor.RAMThreshold
	}
	s.MonitorInterval = coredaemon.Duration(cfg.Monitor.Interval, s.MonitorInterval)

	if cfg.Exec.WiFiInterface != "" {
		s.WiFiInterface = cfg.Exec.WiFiInterface
	}
	if cfg.Exec.SpeedtestPath != "" {
		s.SpeedtestPath = cfg.Exec.SpeedtestPath
	}
	s.ScanSettle = coredaemon.Duration(cfg.Exec.ScanSettle, s.ScanSettle)
	s.UseSudo = cfg.Exec.UseSudo

	if cfg.Delivery.MaxMessage > 0 {
		s.MaxMessage = cfg.Delivery.MaxMessage
	}
	s.Pace = coredaemon.Duration(cfg.Delivery.Pace, s.Pace)

	if cfg.ExternalIPURL != "" {
		s.ExternalIPURL = cfg.ExternalIPURL
	}
	return s
}

func newChannel(cfg *coredaemon.Config) (channel.Channel, error) {
	switch cfg.Transport {
	case "telegram":
		return telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeout,
			Endpoint:    cfg.Telegram.Endpoint,
		}), nil
	case "matrix":
		return matrix.New(matrix.Config{
			Homeserver: cfg.Matrix.Homeserver,
			UserID:     cfg.Matrix.UserID,
			Password:   cfg.Matrix.Password,
			ServerName: cfg.Matrix.ServerName,
			DataDir:    cfg.Matrix.DataDir,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
