package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nous-labs/pibot/internal/monitor"
	"github.com/nous-labs/pibot/internal/scan"
	"github.com/nous-labs/pibot/pkg/channel"
)

// handlerTable maps every command ID to its handler.
func (r *Router) handlerTable() map[ID]Handler {
	return map[ID]Handler{
		Start: HandlerFunc(start),
		Help:  HandlerFunc(help),

		Update:                HandlerFunc(r.update),
		Reboot:                power("Rebooting the system, please wait...", "reboot"),
		Shutdown:              power("Shutting down the system, please wait...", "shutdown", "-h", "now"),
		DiskUsage:             tool("df", "-h"),
		CurrentDirectoryUsage: tool("du", "-sh"),
		FreeMemory:            tool("free", "-m"),
		ShowProcesses:         tool("ps", "-ef"),
		ShowSystemServices:    HandlerFunc(systemServices),
		StartMonitoring:       r.startMonitor(monitor.CPUTemp, r.settings.CPUTempThreshold),
		StopMonitoring:        r.stopMonitor(monitor.CPUTemp),
		StartMonitoringRAM:    r.startMonitor(monitor.RAMPercent, r.settings.RAMThreshold),
		StopMonitoringRAM:     r.stopMonitor(monitor.RAMPercent),

		ShowNetworkInfo:      tool("ifconfig"),
		IP:                   tool("ip", "a"),
		WiFi:                 HandlerFunc(r.wifi),
		ShowBluetoothDevices: HandlerFunc(r.bluetooth),
		ExternalIP:           HandlerFunc(r.externalIP),
		Ping:                 HandlerFunc(ping),

		Echo:      HandlerFunc(echo),
		Speedtest: HandlerFunc(r.speedtest),
		Uptime:    tool("uptime"),
	}
}

func start(ctx context.Context, req *Request) error {
	if err := req.Reply(ctx, WelcomeText); err != nil {
		return err
	}
	buttons := make([]channel.Button, 0, len(MenuGroups))
	for _, g := range MenuGroups {
		buttons = append(buttons, channel.Button{Label: g.String(), Data: g.Token()})
	}
	return req.ReplyMenu(ctx, PickerText, buttons)
}

func help(ctx context.Context, req *Request) error {
	return req.Reply(ctx, HelpText())
}

// tool runs an unprivileged program and relays its stdout.
func tool(name string, args ...string) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) error {
		res, err := req.run(ctx, false, name, args...)
		if err != nil {
			return err
		}
		return req.ReplyOutput(ctx, res.Stdout)
	})
}

// power acknowledges, then runs a privileged program that takes the host
// down. There is usually nothing left to relay afterwards.
func power(ack, name string, args ...string) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) error {
		if err := req.Reply(ctx, ack); err != nil {
			return err
		}
		_, err := req.run(ctx, true, name, args...)
		return err
	})
}

func (r *Router) update(ctx context.Context, req *Request) error {
	if err := req.Reply(ctx, "Updating the system, please wait..."); err != nil {
		return err
	}
	const notice = "An error occurred while updating."

	refresh, err := req.run(ctx, true, "apt", "update")
	if err != nil {
		return failWith(notice, fmt.Errorf("apt update: %w", err))
	}
	upgrade, err := req.run(ctx, true, "apt", "upgrade", "-y")
	if err != nil {
		return failWith(notice, fmt.Errorf("apt upgrade: %w", err))
	}
	return req.Reply(ctx, "Update complete.\n"+refresh.Stdout+upgrade.Stdout)
}

func systemServices(ctx context.Context, req *Request) error {
	res, err := req.run(ctx, false, "systemctl", "list-units")
	if err != nil {
		return err
	}
	return req.ReplyLines(ctx, res.Stdout)
}

func (r *Router) startMonitor(m monitor.Metric, threshold float64) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) error {
		err := r.deps.Monitors.Start(monitor.Config{
			Metric:    m,
			Threshold: threshold,
			Interval:  r.settings.MonitorInterval,
			ChatID:    req.Message.ChatID,
		})
		switch {
		case errors.Is(err, monitor.ErrAlreadyRunning):
			return req.Reply(ctx, m.Title()+" monitoring is already running")
		case err != nil:
			return err
		}
		return req.Reply(ctx, "Started monitoring "+m.Title())
	})
}

func (r *Router) stopMonitor(m monitor.Metric) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) error {
		err := r.deps.Monitors.Stop(m)
		switch {
		case errors.Is(err, monitor.ErrNotRunning):
			return req.Reply(ctx, m.Title()+" monitoring is not running")
		case err != nil:
			return err
		}
		return req.Reply(ctx, "Stopped monitoring "+m.Title())
	})
}

func (r *Router) wifi(ctx context.Context, req *Request) error {
	if err := req.Reply(ctx, "Scanning for WiFi access points..."); err != nil {
		return err
	}
	iface := r.settings.WiFiInterface

	// The first scan wakes the radio; results are read once it settles.
	if _, err := req.run(ctx, true, "iwlist", iface, "scan"); err != nil {
		slog.Warn("wifi scan trigger failed", "interface", iface, "error", err)
	}
	if err := r.sleep(ctx, r.settings.ScanSettle); err != nil {
		return err
	}
	res, err := req.run(ctx, true, "iwlist", iface, "scan")
	if err != nil {
		return err
	}

	records := scan.WiFi(res.Stdout)
	if len(records) == 0 {
		return req.Reply(ctx, NoNetworksText)
	}
	return req.Reply(ctx, scan.Lines(records))
}

func (r *Router) bluetooth(ctx context.Context, req *Request) error {
	if err := req.Reply(ctx, "Scanning for Bluetooth devices..."); err != nil {
		return err
	}

	secs := int(r.settings.ScanSettle.Seconds())
	if secs < 1 {
		secs = 1
	}
	// bluetoothctl exits on its own once the timeout elapses.
	if _, err := req.run(ctx, false, "bluetoothctl", "--timeout", strconv.Itoa(secs), "scan", "on"); err != nil {
		slog.Warn("bluetooth scan failed", "error", err)
	}

	res, err := req.run(ctx, false, "bluetoothctl", "devices")
	if err != nil {
		return err
	}
	records := scan.Bluetooth(res.Stdout, func(mac string) (string, error) {
		info, err := req.run(ctx, false, "bluetoothctl", "info", mac)
		return info.Stdout, err
	})
	if len(records) == 0 {
		return req.Reply(ctx, NoDevicesText)
	}
	return req.Reply(ctx, scan.Lines(records))
}

func (r *Router) externalIP(ctx context.Context, req *Request) error {
	ip, err := r.lookupExternalIP(ctx)
	if err != nil {
		return failWith("Could not retrieve external IP address: "+err.Error(), fmt.Errorf("%w: %v", ErrNetwork, err))
	}
	return req.Reply(ctx, ip)
}

func (r *Router) lookupExternalIP(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.settings.ExternalIPURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.deps.HTTPClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("empty response")
	}
	return ip, nil
}

func ping(ctx context.Context, req *Request) error {
	fields := strings.Fields(req.Args)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "-") {
		return &UsageError{Usage: "/ping <host>"}
	}
	host := fields[0]
	res, err := req.run(ctx, false, "ping", "-c", "4", host)
	if err != nil {
		return failWith("An error occurred while pinging.", err)
	}
	return req.ReplyOutput(ctx, res.Stdout)
}

func echo(ctx context.Context, req *Request) error {
	if req.Args == "" {
		return &UsageError{Usage: "/echo <text>"}
	}
	return req.Reply(ctx, req.Args)
}

func (r *Router) speedtest(ctx context.Context, req *Request) error {
	if err := req.Reply(ctx, "Running speedtest..."); err != nil {
		return err
	}
	res, err := req.run(ctx, false, r.settings.SpeedtestPath, "--secure")
	if err != nil {
		return err
	}
	return req.ReplyOutput(ctx, res.Stdout)
}
