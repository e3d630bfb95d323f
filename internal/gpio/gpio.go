// Package gpio drives the link indicator LED with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Indicator is a single on/off output line.
type Indicator interface {
	// Set drives the line high (on) or low (off).
	Set(on bool) error

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the Raspberry Pi GPIO character device.
const DefaultChip = "gpiochip0"
