package usbgadget

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	configfsRoot = "/sys/kernel/config"
	udcClassDir  = "/sys/class/udc"
)

// ListUDCs walks /sys/class/udc, the kernel's registry of attached USB
// Device Controllers, and returns their bus-id names in the same order
// `ls /sys/class/udc` would.
func ListUDCs() ([]string, error) {
	entries, err := os.ReadDir(udcClassDir)
	if err != nil {
		return nil, fmt.Errorf("usbgadget: reading %s: %w", udcClassDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// DefaultUDC returns the first available controller.
func DefaultUDC() (string, error) {
	udcs, err := ListUDCs()
	if err != nil {
		return "", err
	}
	if len(udcs) == 0 {
		return "", fmt.Errorf("usbgadget: no USB device controller found in %s", udcClassDir)
	}
	return udcs[0], nil
}

// ensureConfigFSMounted checks /proc/mounts for a configfs entry at
// configfsRoot. Assembling a gadget without configfs mounted would fail
// on the very first mkdir with a confusing ENOENT, so this is checked
// up front.
func ensureConfigFSMounted() error {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return fmt.Errorf("usbgadget: reading /proc/mounts: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] == configfsRoot && fields[2] == "configfs" {
			return nil
		}
	}
	return fmt.Errorf("usbgadget: %s is not a configfs mount", configfsRoot)
}
