package channel

import (
	"context"
	"sync"

	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/xlinkerr"
)

// MemoryNetwork is a shared loopback fabric that in-process Memory channels
// register against, so two SDK instances in the same process (or a test)
// can reach each other without a real transport driver. It plays the role
// a LAN/BLE broker plays for real drivers.
type MemoryNetwork struct {
	mu       sync.RWMutex
	channels map[frame.DeviceID]*Memory
}

// NewMemoryNetwork builds an empty shared fabric.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{channels: make(map[frame.DeviceID]*Memory)}
}

// Memory is the in-process loopback Channel used for Scenario S1-style
// testing and the bundled example: every device id hands off directly to
// the matching Memory's inbound queue on the shared network.
type Memory struct {
	net   *MemoryNetwork
	self  frame.DeviceID
	inbox chan Inbound

	mu        sync.RWMutex
	connected bool
}

// NewMemory registers self on net and returns its Channel handle. Calling
// this twice for the same self on the same network replaces the prior
// registration.
func NewMemory(net *MemoryNetwork, self frame.DeviceID) *Memory {
	m := &Memory{
		net:   net,
		self:  self,
		inbox: make(chan Inbound, 256),
	}
	net.mu.Lock()
	net.channels[self] = m
	net.mu.Unlock()
	return m
}

func (m *Memory) Kind() Kind { return KindMemory }

func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Memory) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	m.connected = false

	m.net.mu.Lock()
	delete(m.net.channels, m.self)
	m.net.mu.Unlock()
	return nil
}

func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Memory) Send(ctx context.Context, recipient frame.DeviceID, frameBytes []byte) error {
	m.net.mu.RLock()
	peer, ok := m.net.channels[recipient]
	m.net.mu.RUnlock()
	if !ok {
		return xlinkerr.ChannelDisconnected(KindMemory.String())
	}
	if !peer.IsConnected() {
		return xlinkerr.ChannelDisconnected(KindMemory.String())
	}

	cp := make([]byte, len(frameBytes))
	copy(cp, frameBytes)

	select {
	case peer.inbox <- Inbound{Sender: m.self, Bytes: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Subscribe() <-chan Inbound {
	return m.inbox
}
