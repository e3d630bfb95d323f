package link

import (
	"fmt"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialDriver talks to real serial hardware.
type SerialDriver struct{}

// NewSerialDriver returns a driver backed by go.bug.st/serial.
func NewSerialDriver() *SerialDriver {
	return &SerialDriver{}
}

// Ports lists serial devices with USB details where the platform provides
// them, falling back to plain port names.
func (d *SerialDriver) Ports() ([]PortInfo, error) {
	detailed, err := enumerator.GetDetailedPortsList()
	if err == nil && len(detailed) > 0 {
		out := make([]PortInfo, 0, len(detailed))
		for _, p := range detailed {
			out = append(out, PortInfo{
				Name:         p.Name,
				IsUSB:        p.IsUSB,
				VID:          p.VID,
				PID:          p.PID,
				SerialNumber: p.SerialNumber,
				Product:      p.Product,
			})
		}
		return out, nil
	}

	names, lerr := serial.GetPortsList()
	if lerr != nil {
		if err != nil {
			return nil, fmt.Errorf("list serial ports: %w", err)
		}
		return nil, fmt.Errorf("list serial ports: %w", lerr)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}

// Open opens name as 8N1 at baud. Closing the returned port unblocks a
// pending read.
func (d *SerialDriver) Open(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return p, nil
}
