package usbgadget

import "fmt"

// MaxPower is a configuration's bMaxPower value: 2 mA units in USB 2.x
// mode. USB 3 power units (8 mA) are out of scope.
type MaxPower uint8

// MaxPowerFromMilliAmps rounds n down to the nearest 2 mA unit. n must be
// in [0, 510]; values outside that range are rejected.
func MaxPowerFromMilliAmps(n int) (MaxPower, error) {
	if n < 0 || n > 510 {
		return 0, fmt.Errorf("usbgadget: milliamps %d out of range [0,510]", n)
	}
	return MaxPower(n / 2), nil
}

// ToMilliAmps returns the power draw this value encodes, in milliamps.
func (p MaxPower) ToMilliAmps() int {
	return int(p) * 2
}
