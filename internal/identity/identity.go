// Package identity derives a stable device fingerprint from host hardware identifiers.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
)

// Sources supplies the identifiers hashed into the fingerprint. A nil or
// failing source contributes an empty string.
type Sources struct {
	MachineID   func() string
	BoardSerial func() string
	MAC         func() string
}

// SystemSources reads identifiers from the running host
func SystemSources() Sources {
	return Sources{
		MachineID:   machineID,
		BoardSerial: boardSerial,
		MAC:         primaryMAC,
	}
}

// Fingerprint returns the fingerprint of the running host
func Fingerprint() string {
	return SystemSources().Fingerprint()
}

// Fingerprint hashes "<machine-id>-<board-serial>-<mac>"
func (s Sources) Fingerprint() string {
	return Hash(call(s.MachineID), call(s.BoardSerial), call(s.MAC))
}

// Hash returns the uppercase hex SHA-256 of the dash-joined identifiers
func Hash(machineID, boardSerial, mac string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", machineID, boardSerial, mac)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func call(f func() string) string {
	if f == nil {
		return ""
	}
	return strings.TrimSpace(f())
}

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

func machineID() string {
	return firstFile(machineIDPaths...)
}

func boardSerial() string {
	// board_serial is usually root-only
	return firstFile("/sys/class/dmi/id/board_serial", "/sys/class/dmi/id/product_uuid", "/proc/device-tree/serial-number")
}

func firstFile(paths ...string) string {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(string(bytes.Trim(data, "\x00"))); v != "" {
			return v
		}
	}
	return ""
}

// primaryMAC returns the hardware address of the first up, non-loopback
// interface by name, formatted AA:BB:CC:DD:EE:FF
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	return pickMAC(ifaces)
}

func pickMAC(ifaces []net.Interface) string {
	candidates := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		candidates = append(candidates, iface)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})
	if len(candidates) == 0 {
		return ""
	}
	return strings.ToUpper(candidates[0].HardwareAddr.String())
}
