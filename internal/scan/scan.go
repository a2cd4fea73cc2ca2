// Package scan extracts device and network records from the free-text output
// of bluetoothctl and iwlist. The parsers only see text, so they can be fed
// captured tool output in tests and swapped when tool formats drift.
package scan

import (
	"fmt"
	"regexp"
	"strings"
)

// Encryption classifications for WiFi networks.
const (
	EncryptionWPA  = "WPA/WPA2"
	EncryptionWEP  = "WEP"
	EncryptionNone = "Not encrypted"

	// UnknownClass is reported for Bluetooth devices without a Class field.
	UnknownClass = "Unknown"
)

// Record is one device or network found by a scan.
type Record struct {
	Label string // device name or ESSID
	Kind  string // device class or encryption scheme
}

// String renders the record the way it is shown to chat users.
func (r Record) String() string {
	return fmt.Sprintf("%s (%s)", r.Label, r.Kind)
}

// ClassLookup returns the raw `bluetoothctl info <mac>` output for a device.
type ClassLookup func(mac string) (string, error)

var (
	deviceLine = regexp.MustCompile(`Device\s+([0-9A-F:]{17})\s+(.+)`)
	classLine  = regexp.MustCompile(`\s+Class:\s+(\w+)`)
)

// Bluetooth parses `bluetoothctl devices` output. Each "Device <MAC> <Name>"
// line yields a record whose kind comes from the device's Class field as
// returned by lookup. A failed lookup or missing Class yields UnknownClass.
func Bluetooth(devices string, lookup ClassLookup) []Record {
	var records []Record
	seen := make(map[Record]struct{})
	for _, line := range strings.Split(devices, "\n") {
		m := deviceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		mac, name := m[1], strings.TrimSpace(m[2])

		kind := UnknownClass
		if lookup != nil {
			if info, err := lookup(mac); err == nil {
				kind = DeviceClass(info)
			}
		}
		records = appendUnique(records, seen, Record{Label: name, Kind: kind})
	}
	return records
}

// DeviceClass extracts the Class field from `bluetoothctl info` output.
func DeviceClass(info string) string {
	if m := classLine.FindStringSubmatch(info); m != nil {
		return m[1]
	}
	return UnknownClass
}

// WiFi parses `iwlist <iface> scan` output. Every ESSID line with a non-blank
// SSID yields a record; its encryption is taken from the first
// "Encryption key:" line between it and the next ESSID line.
func WiFi(output string) []Record {
	lines := strings.Split(output, "\n")

	var records []Record
	seen := make(map[Record]struct{})
	for i, line := range lines {
		essid, ok := essidValue(line)
		if !ok || essid == "" {
			continue
		}

		enc := EncryptionNone
		for _, next := range lines[i+1:] {
			if _, isESSID := essidValue(next); isESSID {
				break
			}
			if _, value, found := strings.Cut(next, "Encryption key:"); found {
				if strings.TrimSpace(value) == "on" {
					enc = EncryptionWPA
				} else {
					enc = EncryptionWEP
				}
				break
			}
		}
		records = appendUnique(records, seen, Record{Label: essid, Kind: enc})
	}
	return records
}

// Lines renders records one per line.
func Lines(records []Record) string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.String()
	}
	return strings.Join(out, "\n")
}

func essidValue(line string) (string, bool) {
	_, value, found := strings.Cut(line, "ESSID:")
	if !found {
		return "", false
	}
	return strings.Trim(strings.TrimSpace(value), `"`), true
}

func appendUnique(records []Record, seen map[Record]struct{}, r Record) []Record {
	if _, dup := seen[r]; dup {
		return records
	}
	seen[r] = struct{}{}
	return append(records, r)
}
