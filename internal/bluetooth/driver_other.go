//go:build !linux

package bluetooth

// newDriver has no wired implementation outside Linux/BlueZ: go-bluetooth
// talks to BlueZ over D-Bus, which only exists on Linux.
func newDriver() (driver, error) {
	return nil, ErrBluetoothUnavailable
}
