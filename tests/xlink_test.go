// Package tests exercises the public pkg/xlink facade end to end, as a host
// application would use it, rather than internal package internals.
package tests

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xlink-project/xlink-core/internal/channel"
	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/xlinkconfig"
	"github.com/xlink-project/xlink-core/pkg/xlink"
)

func newTestNode(t *testing.T, cfg *xlinkconfig.Config) (*xlink.Node, frame.DeviceID, *xlink.Identity) {
	t.Helper()
	identity, err := xlink.NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	id, err := frame.NewDeviceID()
	if err != nil {
		t.Fatalf("new device id: %v", err)
	}
	return xlink.NewNode(cfg, zap.NewNop(), id, identity, nil), id, identity
}

func recv(t *testing.T, n *xlink.Node, timeout time.Duration) xlink.Message {
	t.Helper()
	select {
	case m := <-n.Inbox():
		return m
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a delivery")
		return xlink.Message{}
	}
}

// TestUnicastOverMemoryLoopback is Scenario S1 driven through the public API.
func TestUnicastOverMemoryLoopback(t *testing.T) {
	cfg := xlinkconfig.Default()
	a, aID, aIdentity := newTestNode(t, cfg)
	b, bID, bIdentity := newTestNode(t, cfg)

	if err := a.EstablishSession(bID, bIdentity.X25519Public(), bIdentity.Ed25519Public()); err != nil {
		t.Fatalf("a establish: %v", err)
	}
	if err := b.EstablishSession(aID, aIdentity.X25519Public(), aIdentity.Ed25519Public()); err != nil {
		t.Fatalf("b establish: %v", err)
	}

	net := channel.NewMemoryNetwork()
	a.RegisterChannel(channel.NewMemory(net, aID))
	b.RegisterChannel(channel.NewMemory(net, bID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	if err := a.Send(ctx, bID, []byte("hello"), xlink.PriorityNormal); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := recv(t, b, 2*time.Second)
	if msg.Sender != aID {
		t.Fatalf("sender = %s, want %s", msg.Sender, aID)
	}
	if !bytes.Equal(msg.Payload, []byte("hello")) {
		t.Fatalf("payload = %q, want %q", msg.Payload, "hello")
	}
}

// TestStreamFragmentationRoundTrip is Scenario S2 driven through the public
// API: a 100000-byte payload fragments on send and reassembles whole.
func TestStreamFragmentationRoundTrip(t *testing.T) {
	cfg := xlinkconfig.Default()
	a, aID, aIdentity := newTestNode(t, cfg)
	b, bID, bIdentity := newTestNode(t, cfg)

	if err := a.EstablishSession(bID, bIdentity.X25519Public(), bIdentity.Ed25519Public()); err != nil {
		t.Fatalf("a establish: %v", err)
	}
	if err := b.EstablishSession(aID, aIdentity.X25519Public(), aIdentity.Ed25519Public()); err != nil {
		t.Fatalf("b establish: %v", err)
	}

	net := channel.NewMemoryNetwork()
	a.RegisterChannel(channel.NewMemory(net, aID))
	b.RegisterChannel(channel.NewMemory(net, bID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	payload := bytes.Repeat([]byte("y"), 100000)
	if err := a.Send(ctx, bID, payload, xlink.PriorityNormal); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := recv(t, b, 2*time.Second)
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(msg.Payload), len(payload))
	}
}

// TestGroupLifecycleThroughFacade exercises CreateGroup/AddGroupMember/
// RemoveGroupMember through the public API against a single node's own
// membership view. Scenario S6's forward-secrecy property (the removed
// member's key material can't derive the post-removal epoch's key) is
// verified directly against the key tree in internal/group's own tests;
// distributing a group's secret to a second node's Manager is a
// pairwise-encrypted control-frame exchange this facade doesn't implement
// yet (see SPEC_FULL.md's control-frame delivery-ack feature), so it isn't
// exercised end to end here.
func TestGroupLifecycleThroughFacade(t *testing.T) {
	cfg := xlinkconfig.Default()
	a, aID, _ := newTestNode(t, cfg)

	bID, err := frame.NewDeviceID()
	if err != nil {
		t.Fatalf("b id: %v", err)
	}
	cID, err := frame.NewDeviceID()
	if err != nil {
		t.Fatalf("c id: %v", err)
	}
	groupID, err := frame.NewDeviceID()
	if err != nil {
		t.Fatalf("group id: %v", err)
	}

	if err := a.CreateGroup(groupID, aID, []frame.DeviceID{aID, bID}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := a.AddGroupMember(groupID, aID, cID); err != nil {
		t.Fatalf("add c: %v", err)
	}
	if err := a.RemoveGroupMember(groupID, aID, cID); err != nil {
		t.Fatalf("remove c: %v", err)
	}
	// A non-admin caller must be rejected.
	if err := a.RemoveGroupMember(groupID, bID, cID); err == nil {
		t.Fatalf("expected non-admin remove to fail")
	}
}
