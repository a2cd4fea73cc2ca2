// Package commands routes chat commands and menu callbacks to handlers.
//
// The command set is closed: every command has an ID, a registry entry and
// exactly one handler, and New refuses to build a Router when any of the
// three disagree.
package commands

import (
	"fmt"
	"strings"
)

// ID identifies a command.
type ID int

const (
	Start ID = iota
	Help

	// System
	Update
	Reboot
	Shutdown
	DiskUsage
	CurrentDirectoryUsage
	FreeMemory
	ShowProcesses
	ShowSystemServices
	StartMonitoring
	StopMonitoring
	StartMonitoringRAM
	StopMonitoringRAM

	// Network
	ShowNetworkInfo
	IP
	WiFi
	ShowBluetoothDevices
	ExternalIP
	Ping

	// Utility
	Echo
	Speedtest
	Uptime

	numIDs
)

// Group partitions the command set for the menu.
type Group int

const (
	// Root holds the entry commands; it is not offered in the menu.
	Root Group = iota
	System
	Network
	Utility
)

func (g Group) String() string {
	switch g {
	case Root:
		return "Root"
	case System:
		return "System"
	case Network:
		return "Network"
	case Utility:
		return "Utility"
	default:
		return fmt.Sprintf("Group(%d)", int(g))
	}
}

// Token is the callback data carried by the group's menu button.
func (g Group) Token() string {
	return strings.ToLower(g.String())
}

// MenuGroups are the groups offered by the start menu, in button order.
var MenuGroups = []Group{System, Network, Utility}

// GroupForToken resolves a menu callback token. Tokens are case-sensitive.
func GroupForToken(token string) (Group, bool) {
	for _, g := range MenuGroups {
		if g.Token() == token {
			return g, true
		}
	}
	return 0, false
}

// Command is an immutable registry entry.
type Command struct {
	ID          ID
	Name        string
	Description string
	Group       Group
	// Destructive commands change or stop the host.
	Destructive bool
}

// registry lists every command; order within a group is menu order.
var registry = []Command{
	{ID: Start, Name: "start", Description: "Start the bot", Group: Root},
	{ID: Help, Name: "help", Description: "Show this message", Group: Root},

	{ID: Update, Name: "update", Description: "Update the system", Group: System, Destructive: true},
	{ID: Reboot, Name: "reboot", Description: "reboots the system", Group: System, Destructive: true},
	{ID: Shutdown, Name: "shutdown", Description: "Shuts the system down", Group: System, Destructive: true},
	{ID: DiskUsage, Name: "disk_usage", Description: "Show disk usage", Group: System},
	{ID: CurrentDirectoryUsage, Name: "current_directory_usage", Description: "Show current directory usage", Group: System},
	{ID: FreeMemory, Name: "free_memory", Description: "Show free memory", Group: System},
	{ID: ShowProcesses, Name: "show_processes", Description: "Show all processes", Group: System},
	{ID: ShowSystemServices, Name: "show_system_services", Description: "Show system services", Group: System},
	{ID: StartMonitoring, Name: "start_monitoring", Description: "Start CPU temperature monitoring", Group: System},
	{ID: StopMonitoring, Name: "stop_monitoring", Description: "Stop CPU temperature monitoring", Group: System},
	{ID: StartMonitoringRAM, Name: "start_monitoring_ram", Description: "Start RAM monitoring", Group: System},
	{ID: StopMonitoringRAM, Name: "stop_monitoring_ram", Description: "Stop RAM monitoring", Group: System},

	{ID: ShowNetworkInfo, Name: "show_network_info", Description: "Show network information", Group: Network},
	{ID: IP, Name: "ip", Description: "Show IP addresses", Group: Network},
	{ID: WiFi, Name: "wifi", Description: "Show list of available wifi access points", Group: Network},
	{ID: ShowBluetoothDevices, Name: "show_bluetooth_devices", Description: "Show list of available Bluetooth devices", Group: Network},
	{ID: ExternalIP, Name: "external_ip", Description: "Show external IP address", Group: Network},
	{ID: Ping, Name: "ping", Description: "Pings a remote host /ping IP or hostname", Group: Network},

	{ID: Echo, Name: "echo", Description: "Echo back the user's message", Group: Utility},
	{ID: Speedtest, Name: "speedtest", Description: "Run speedtest", Group: Utility},
	{ID: Uptime, Name: "uptime", Description: "Show system uptime", Group: Utility},
}

var byName = func() map[string]Command {
	m := make(map[string]Command, len(registry))
	for _, c := range registry {
		m[c.Name] = c
	}
	return m
}()

// All returns every registered command: root commands first, then each
// menu group in registration order.
func All() []Command {
	out := make([]Command, len(registry))
	copy(out, registry)
	return out
}

// Lookup finds a command by exact, case-sensitive name.
func Lookup(name string) (Command, bool) {
	c, ok := byName[name]
	return c, ok
}

// InGroup returns the commands of g in registration order.
func InGroup(g Group) []Command {
	var out []Command
	for _, c := range registry {
		if c.Group == g {
			out = append(out, c)
		}
	}
	return out
}

// validateRegistry checks that every ID has exactly one entry and that
// names are unique.
func validateRegistry(cmds []Command) error {
	seenID := make(map[ID]string, len(cmds))
	seenName := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		if c.ID < 0 || c.ID >= numIDs {
			return fmt.Errorf("command %q: id %d out of range", c.Name, c.ID)
		}
		if prev, ok := seenID[c.ID]; ok {
			return fmt.Errorf("command id %d registered twice (%s, %s)", c.ID, prev, c.Name)
		}
		if seenName[c.Name] {
			return fmt.Errorf("command name %q registered twice", c.Name)
		}
		seenID[c.ID] = c.Name
		seenName[c.Name] = true
	}
	if len(seenID) != int(numIDs) {
		for id := ID(0); id < numIDs; id++ {
			if _, ok := seenID[id]; !ok {
				return fmt.Errorf("command id %d has no registry entry", id)
			}
		}
	}
	return nil
}
