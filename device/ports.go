package device

import (
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// FTDI FT231X, the USB serial chip on the OpenBCI dongle.
const (
	dongleVID = "0403"
	donglePID = "6015"
)

// PortInfo describes one serial port a board could be attached to.
type PortInfo struct {
	Name   string
	USB    bool
	VID    string
	PID    string
	Serial string
	Dongle bool // looks like the OpenBCI USB dongle
}

// PortLister enumerates serial ports. Tests replace it.
type PortLister func() ([]*enumerator.PortDetails, error)

// ListPorts returns the serial ports worth trying as device.port, likely
// OpenBCI dongles first.
func ListPorts(list PortLister) ([]PortInfo, error) {
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	details, err := list()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		p := PortInfo{Name: d.Name, USB: d.IsUSB, VID: d.VID, PID: d.PID, Serial: d.SerialNumber}
		p.Dongle = d.IsUSB && strings.EqualFold(d.VID, dongleVID) && strings.EqualFold(d.PID, donglePID)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Dongle != out[j].Dongle {
			return out[i].Dongle
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
