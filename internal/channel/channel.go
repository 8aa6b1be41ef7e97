// Package channel defines the transport contract consumed by the router and
// implemented by drivers (spec §6's Channel contract) plus a Memory driver
// used for in-process loopback and testing.
package channel

import (
	"context"

	"github.com/xlink-project/xlink-core/internal/frame"
)

// Kind is the enumerated transport tag from the spec's data model, ordered
// by ordinal for the router's stable tie-break (lower ordinal wins ties).
type Kind int

const (
	KindMemory Kind = iota
	KindLAN
	KindWiFiDirect
	KindBluetoothLE
	KindBluetoothMesh
	KindInternet
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindLAN:
		return "lan"
	case KindWiFiDirect:
		return "wifi_direct"
	case KindBluetoothLE:
		return "bluetooth_le"
	case KindBluetoothMesh:
		return "bluetooth_mesh"
	case KindInternet:
		return "internet"
	default:
		return "unknown"
	}
}

// Inbound is one frame delivered by a Channel's subscription feed.
type Inbound struct {
	Sender frame.DeviceID
	Bytes  []byte
}

// Channel is the transport contract consumed by the core and provided by
// drivers: LAN sockets, BLE/mDNS adapters, or (for loopback/testing) Memory.
// Concrete wire transports are out of scope for this module; only the
// interface and the Memory reference implementation live here.
type Channel interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop() error
	IsConnected() bool
	Send(ctx context.Context, recipient frame.DeviceID, frameBytes []byte) error
	Subscribe() <-chan Inbound
}
