package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/pkg/xlink"
)

// deviceProfile is the on-disk form of a device's persisted identity: the
// demo regenerates a fresh identity every run unless one of these exists,
// matching the spec's "generate once at install" requirement for a runnable
// example.
type deviceProfile struct {
	DeviceID    string `toml:"device_id"`
	X25519Seed  string `toml:"x25519_seed"`
	Ed25519Seed string `toml:"ed25519_seed"`
}

// loadOrCreateProfile reads a TOML profile at path, or generates and saves
// a fresh one if path doesn't exist yet.
func loadOrCreateProfile(path string) (frame.DeviceID, *xlink.Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return loadProfile(path)
	}
	return createProfile(path)
}

func loadProfile(path string) (frame.DeviceID, *xlink.Identity, error) {
	var p deviceProfile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return frame.DeviceID{}, nil, fmt.Errorf("decode profile %s: %w", path, err)
	}

	id, err := frame.ParseDeviceID(p.DeviceID)
	if err != nil {
		return frame.DeviceID{}, nil, fmt.Errorf("parse device id: %w", err)
	}

	x25519Seed, err := hex.DecodeString(p.X25519Seed)
	if err != nil || len(x25519Seed) != 32 {
		return frame.DeviceID{}, nil, fmt.Errorf("decode x25519 seed: %w", err)
	}
	ed25519Seed, err := hex.DecodeString(p.Ed25519Seed)
	if err != nil || len(ed25519Seed) != ed25519.PrivateKeySize {
		return frame.DeviceID{}, nil, fmt.Errorf("decode ed25519 seed: %w", err)
	}

	var x25519Arr [32]byte
	copy(x25519Arr[:], x25519Seed)

	identity := xlink.ImportIdentity(x25519Arr, ed25519.PrivateKey(ed25519Seed))
	return id, identity, nil
}

func createProfile(path string) (frame.DeviceID, *xlink.Identity, error) {
	identity, err := xlink.NewIdentity()
	if err != nil {
		return frame.DeviceID{}, nil, err
	}
	id, err := frame.NewDeviceID()
	if err != nil {
		return frame.DeviceID{}, nil, err
	}

	x25519Seed, ed25519Seed := identity.Seed()
	p := deviceProfile{
		DeviceID:    id.String(),
		X25519Seed:  hex.EncodeToString(x25519Seed[:]),
		Ed25519Seed: hex.EncodeToString(ed25519Seed),
	}

	f, err := os.Create(path)
	if err != nil {
		return frame.DeviceID{}, nil, fmt.Errorf("create profile %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return frame.DeviceID{}, nil, fmt.Errorf("encode profile %s: %w", path, err)
	}

	return id, identity, nil
}
