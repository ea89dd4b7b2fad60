package nixie

import (
	"fmt"

	"github.com/fulr/spidev"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// GPIOLines drives the decoder inputs directly from four GPIO pins, least significant bit first.
type GPIOLines struct {
	pins [4]gpio.PinOut
}

// NewGPIOLines configures the pins as outputs and blanks the tube.
func NewGPIOLines(pins [4]gpio.PinOut) (*GPIOLines, error) {
	l := &GPIOLines{pins: pins}
	if err := l.Decode(Blank); err != nil {
		return nil, fmt.Errorf("blank decoder: %w", err)
	}
	return l, nil
}

// OpenGPIOLines looks the named pins up in the gpio registry.
func OpenGPIOLines(names [4]string) (*GPIOLines, error) {
	var pins [4]gpio.PinOut
	for i, name := range names {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("lookup decoder pin %d: no gpio named %q", i, name)
		}
		pins[i] = p
	}
	return NewGPIOLines(pins)
}

// Decode implements Lines.
func (l *GPIOLines) Decode(code uint8) error {
	for i, p := range l.pins {
		if err := p.Out(code&(1<<uint(i)) != 0); err != nil {
			return fmt.Errorf("set decoder bit %d: %w", i, err)
		}
	}
	return nil
}

// SPILines shifts the code into a shift register on a spidev device whose low nibble feeds the
// decoder.
type SPILines struct {
	dev *spidev.SPIDevice
}

// OpenSPILines opens the spidev device at path, e.g. /dev/spidev1.0.
func OpenSPILines(path string) (*SPILines, error) {
	dev, err := spidev.NewSPIDevice(path)
	if err != nil {
		return nil, fmt.Errorf("open spidev %q: %w", path, err)
	}
	l := &SPILines{dev: dev}
	if err := l.Decode(Blank); err != nil {
		l.Close()
		return nil, fmt.Errorf("blank decoder: %w", err)
	}
	return l, nil
}

// Decode implements Lines.
func (l *SPILines) Decode(code uint8) error {
	if _, err := l.dev.Xfer([]byte{code & 0x0f}); err != nil {
		return fmt.Errorf("write decoder code: %w", err)
	}
	return nil
}

// Close releases the spidev device.
func (l *SPILines) Close() {
	l.dev.Close()
}
