package stream

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/xlink-project/xlink-core/internal/frame"
)

func TestFragmentReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100000)
	streamID, err := NewStreamID()
	if err != nil {
		t.Fatalf("new stream id: %v", err)
	}

	fragments := Fragment(streamID, payload, 16384, false)
	if len(fragments) != 7 {
		t.Fatalf("expected 7 fragments for 100000 bytes at 16384, got %d", len(fragments))
	}

	sender := frame.DeviceID{1}
	r := NewReassembler(32, time.Minute, nil)

	var out []byte
	for i, raw := range fragments {
		h, p, err := DecodeFragment(raw)
		if err != nil {
			t.Fatalf("decode fragment %d: %v", i, err)
		}
		complete, done, err := r.Push(sender, h, p)
		if err != nil {
			t.Fatalf("push fragment %d: %v", i, err)
		}
		if done {
			out = complete
		}
	}

	if out == nil {
		t.Fatalf("reassembly never completed")
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes want %d", len(out), len(payload))
	}
}

func TestReassemblerPermutationInvariant(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated many times over ")
	payload = bytes.Repeat(payload, 50)

	streamID, err := NewStreamID()
	if err != nil {
		t.Fatalf("new stream id: %v", err)
	}
	fragments := Fragment(streamID, payload, 64, false)

	order := rand.Perm(len(fragments))

	sender := frame.DeviceID{2}
	r := NewReassembler(32, time.Minute, nil)

	var out []byte
	for _, idx := range order {
		h, p, err := DecodeFragment(fragments[idx])
		if err != nil {
			t.Fatalf("decode fragment %d: %v", idx, err)
		}
		complete, done, err := r.Push(sender, h, p)
		if err != nil {
			t.Fatalf("push fragment %d: %v", idx, err)
		}
		if done {
			out = complete
		}
	}

	if !bytes.Equal(out, payload) {
		t.Fatalf("permuted reassembly mismatch: got %d bytes want %d", len(out), len(payload))
	}
}

func TestReassemblerDuplicateFragmentIsIdempotent(t *testing.T) {
	payload := []byte("small payload")
	streamID, _ := NewStreamID()
	fragments := Fragment(streamID, payload, 4, false)

	sender := frame.DeviceID{3}
	r := NewReassembler(32, time.Minute, nil)

	h0, p0, _ := DecodeFragment(fragments[0])
	if _, done, err := r.Push(sender, h0, p0); err != nil || done {
		t.Fatalf("first push: done=%v err=%v", done, err)
	}
	// Re-deliver the same fragment.
	if _, done, err := r.Push(sender, h0, p0); err != nil || done {
		t.Fatalf("duplicate push: done=%v err=%v", done, err)
	}

	var out []byte
	for _, raw := range fragments[1:] {
		h, p, _ := DecodeFragment(raw)
		complete, done, err := r.Push(sender, h, p)
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if done {
			out = complete
		}
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("mismatch after duplicate delivery: got %q want %q", out, payload)
	}
}

func TestReassemblerRejectsOverConcurrentStreamLimit(t *testing.T) {
	sender := frame.DeviceID{4}
	r := NewReassembler(2, time.Minute, nil)

	for i := 0; i < 2; i++ {
		streamID, _ := NewStreamID()
		fragments := Fragment(streamID, []byte("abcdefgh"), 4, false)
		h, p, _ := DecodeFragment(fragments[0])
		if _, _, err := r.Push(sender, h, p); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	streamID, _ := NewStreamID()
	fragments := Fragment(streamID, []byte("abcdefgh"), 4, false)
	h, p, _ := DecodeFragment(fragments[0])
	if _, _, err := r.Push(sender, h, p); err == nil {
		t.Fatalf("expected ResourceExhausted past the per-sender stream bound")
	}
}

func TestReassemblerSweepTimesOutAbandonedStream(t *testing.T) {
	sender := frame.DeviceID{5}
	r := NewReassembler(32, 20*time.Millisecond, nil)
	r.Start(5 * time.Millisecond)
	defer r.Stop()

	streamID, _ := NewStreamID()
	fragments := Fragment(streamID, []byte("0123456789abcdef"), 4, false)
	// Deliver only the first fragment; never complete the stream.
	h, p, _ := DecodeFragment(fragments[0])
	if _, done, err := r.Push(sender, h, p); err != nil || done {
		t.Fatalf("partial push: done=%v err=%v", done, err)
	}

	select {
	case ev := <-r.Timeouts:
		if ev.SenderID != sender {
			t.Fatalf("timeout event sender mismatch: got %v want %v", ev.SenderID, sender)
		}
		if ev.StreamID != streamID {
			t.Fatalf("timeout event stream id mismatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream timeout event")
	}

	// After eviction, a late fragment starts a brand new context rather
	// than resurrecting the expired one.
	h2, p2, _ := DecodeFragment(fragments[1])
	if _, done, err := r.Push(sender, h2, p2); err != nil || done {
		t.Fatalf("post-timeout push: done=%v err=%v", done, err)
	}
}
