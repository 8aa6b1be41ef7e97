//go:build linux

package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/advertising"
	"github.com/muka/go-bluetooth/bluez/profile/device"
)

// linuxDriver talks to the local BlueZ adapter over D-Bus via go-bluetooth.
// It implements the driver interface: scan+advertise under serviceUUID and
// connect to discovered peers. It moves no frame bytes: BroadcastData
// returns errGATTNotConfigured and no inbound data reaches onDataReceived.
type linuxDriver struct {
	adapter       *adapter.Adapter1
	adMgr         *advertising.LEAdvertisingManager1
	devices       map[string]*device.Device1
	deviceMutex   sync.RWMutex
	onDataReceived func([]byte, string)

	ctx    context.Context
	cancel context.CancelFunc

	isScanning           bool
	isAdvertising        bool
	cleanupAdvertisement func()
}

func newDriver() (driver, error) {
	a, err := api.GetDefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: get default adapter: %w", err)
	}

	powered, err := a.GetPowered()
	if err != nil {
		return nil, fmt.Errorf("bluetooth: check adapter power state: %w", err)
	}
	if !powered {
		if err := a.SetPowered(true); err != nil {
			return nil, fmt.Errorf("bluetooth: power on adapter: %w", err)
		}
	}

	adMgr, err := advertising.NewLEAdvertisingManager1(a.Path())
	if err != nil {
		return nil, fmt.Errorf("bluetooth: create advertising manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &linuxDriver{
		adapter: a,
		adMgr:   adMgr,
		devices: make(map[string]*device.Device1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (lba *linuxDriver) StartScanning() error {
	if lba.isScanning {
		return nil
	}

	filter := adapter.NewDiscoveryFilter()
	filter.Transport = "le"
	filter.UUIDs = []string{serviceUUID}

	if err := lba.adapter.SetDiscoveryFilter(filter.ToMap()); err != nil {
		return fmt.Errorf("bluetooth: set discovery filter: %w", err)
	}

	discovery, cancel, err := api.Discover(lba.adapter, nil)
	if err != nil {
		return fmt.Errorf("bluetooth: start discovery: %w", err)
	}

	lba.isScanning = true

	go func() {
		defer cancel()
		for {
			select {
			case <-lba.ctx.Done():
				return
			case ev := <-discovery:
				if ev.Type == adapter.DeviceRemoved {
					lba.deviceMutex.Lock()
					delete(lba.devices, string(ev.Path))
					lba.deviceMutex.Unlock()
					continue
				}
				if ev.Type != adapter.DeviceAdded {
					continue
				}

				dev, err := device.NewDevice1(ev.Path)
				if err != nil {
					continue
				}

				uuids, err := dev.GetUUIDs()
				if err != nil || !containsUUID(uuids, serviceUUID) {
					continue
				}

				lba.deviceMutex.Lock()
				lba.devices[string(ev.Path)] = dev
				lba.deviceMutex.Unlock()

				go lba.connectAndSubscribe(dev)
			}
		}
	}()

	return nil
}

func (lba *linuxDriver) StopScanning() error {
	if !lba.isScanning {
		return nil
	}
	if err := lba.adapter.StopDiscovery(); err != nil {
		return fmt.Errorf("bluetooth: stop discovery: %w", err)
	}
	lba.isScanning = false
	return nil
}

func (lba *linuxDriver) StartAdvertising(localName string, serviceData []byte) error {
	if lba.isAdvertising {
		return nil
	}

	props := &advertising.LEAdvertisement1Properties{
		Type:         advertising.AdvertisementTypeBroadcast,
		ServiceUUIDs: []string{serviceUUID},
		LocalName:    localName,
		ServiceData: map[string]interface{}{
			serviceUUID: serviceData,
		},
		Includes: []string{advertising.SupportedIncludesTxPower},
	}

	adapterID, err := lba.adapter.GetAdapterID()
	if err != nil {
		return fmt.Errorf("bluetooth: get adapter id: %w", err)
	}
	cleanup, err := api.ExposeAdvertisement(adapterID, props, 0)
	if err != nil {
		return fmt.Errorf("bluetooth: expose advertisement: %w", err)
	}

	lba.cleanupAdvertisement = cleanup
	lba.isAdvertising = true
	return nil
}

func (lba *linuxDriver) StopAdvertising() error {
	if !lba.isAdvertising {
		return nil
	}
	if lba.cleanupAdvertisement != nil {
		lba.cleanupAdvertisement()
	}
	lba.isAdvertising = false
	return nil
}

// errGATTNotConfigured marks the one corner this adapter leaves unfinished:
// writing to a peer's rx characteristic needs the GATT service/
// characteristic objects exported on our own adapter first, which this
// driver doesn't yet register.
var errGATTNotConfigured = errors.New("bluetooth: gatt characteristic write not configured")

// BroadcastData transmits nothing: it returns errGATTNotConfigured when at
// least one tracked peer device is connected, and nil otherwise.
func (lba *linuxDriver) BroadcastData(data []byte) error {
	lba.deviceMutex.RLock()
	defer lba.deviceMutex.RUnlock()

	if len(lba.devices) == 0 {
		return nil
	}

	var lastErr error
	for _, dev := range lba.devices {
		connected, err := dev.GetConnected()
		if err != nil || !connected {
			continue
		}
		lastErr = errGATTNotConfigured
	}
	return lastErr
}

func (lba *linuxDriver) SetOnDataReceived(cb func([]byte, string)) {
	lba.onDataReceived = cb
}

func (lba *linuxDriver) Close() error {
	lba.cancel()
	lba.StopAdvertising()
	lba.StopScanning()

	lba.deviceMutex.Lock()
	for _, dev := range lba.devices {
		dev.Disconnect()
	}
	lba.deviceMutex.Unlock()
	return nil
}

// connectAndSubscribe connects to a discovered peer. Wiring its GATT
// characteristic notifications into onDataReceived is the other half of
// errGATTNotConfigured and isn't done yet; this only tracks reachability.
func (lba *linuxDriver) connectAndSubscribe(dev *device.Device1) {
	connected, err := dev.GetConnected()
	if err != nil {
		return
	}
	if !connected {
		if err := dev.Connect(); err != nil {
			return
		}
	}
}

func containsUUID(uuids []string, target string) bool {
	for _, u := range uuids {
		if u == target {
			return true
		}
	}
	return false
}
