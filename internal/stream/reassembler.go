package stream

import (
	"sync"
	"time"

	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/metrics"
	"github.com/xlink-project/xlink-core/internal/xlinkerr"
)

// streamContext tracks one in-flight reassembly, keyed by (sender, stream_id).
// Fragments may arrive in any order; completion is detected purely by
// received-fragment count against the declared total.
type streamContext struct {
	senderID   frame.DeviceID
	total      uint32
	compressed bool
	received   map[uint32][]byte
	startedAt  time.Time
}

// TimeoutEvent is delivered on the Reassembler's Timeouts channel for every
// stream context discarded by the expiry sweep before it completed.
type TimeoutEvent struct {
	SenderID frame.DeviceID
	StreamID StreamID
	Err      error
}

// Reassembler reconstructs fragmented payloads on the receive path (spec
// §4.3). It bounds concurrent streams per sender and sweeps abandoned
// streams after a configurable timeout, mirroring the ticker+stopChan+
// WaitGroup lifecycle the rest of this codebase uses for background sweeps.
type Reassembler struct {
	mu        sync.Mutex
	streams   map[frame.DeviceID]map[StreamID]*streamContext
	maxPerSender int
	timeout   time.Duration

	metrics *metrics.Metrics

	Timeouts chan TimeoutEvent

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewReassembler builds a Reassembler. maxPerSender bounds the number of
// concurrent stream contexts tracked for a single sender at once (spec
// default 32); timeout is the per-stream expiry window (spec default 60s).
func NewReassembler(maxPerSender int, timeout time.Duration, m *metrics.Metrics) *Reassembler {
	return &Reassembler{
		streams:      make(map[frame.DeviceID]map[StreamID]*streamContext),
		maxPerSender: maxPerSender,
		timeout:      timeout,
		metrics:      m,
		Timeouts:     make(chan TimeoutEvent, 64),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the background expiry sweep. sweepInterval controls how
// often abandoned streams are reaped; callers typically pass a fraction of
// the configured stream timeout.
func (r *Reassembler) Start(sweepInterval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (r *Reassembler) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}

// Push records one incoming fragment. When it completes its stream, Push
// returns the reassembled payload with done=true and removes the context.
// Duplicate fragments (same sender/stream_id/fragment_index seen twice) are
// accepted idempotently and do not count twice toward completion.
func (r *Reassembler) Push(senderID frame.DeviceID, h FragmentHeader, payload []byte) (complete []byte, done bool, err error) {
	out, done, compressed, err := r.pushFull(senderID, h, payload)
	if err != nil || !done {
		return nil, done, err
	}
	if !compressed {
		return out, true, nil
	}
	decompressed, derr := Decompress(out)
	if derr != nil {
		return nil, false, xlinkerr.StreamInitFailed("failed to decompress reassembled stream")
	}
	return decompressed, true, nil
}

func (r *Reassembler) pushFull(senderID frame.DeviceID, h FragmentHeader, payload []byte) (complete []byte, done bool, compressed bool, err error) {
	if h.TotalFragments == 0 {
		return nil, false, false, xlinkerr.StreamInitFailed("fragment declares zero total_fragments")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bySender, ok := r.streams[senderID]
	if !ok {
		bySender = make(map[StreamID]*streamContext)
		r.streams[senderID] = bySender
	}

	ctx, ok := bySender[h.StreamID]
	if !ok {
		if len(bySender) >= r.maxPerSender {
			return nil, false, false, xlinkerr.ResourceExhausted("concurrent_streams_per_sender", len(bySender), r.maxPerSender)
		}
		ctx = &streamContext{
			senderID:   senderID,
			total:      h.TotalFragments,
			compressed: h.Compressed,
			received:   make(map[uint32][]byte),
			startedAt:  time.Now(),
		}
		bySender[h.StreamID] = ctx
		if r.metrics != nil {
			r.metrics.StreamsStarted.Inc()
		}
	}

	if _, dup := ctx.received[h.FragmentIndex]; !dup {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		ctx.received[h.FragmentIndex] = buf
	}

	if uint32(len(ctx.received)) < ctx.total {
		return nil, false, false, nil
	}

	out := make([]byte, 0, ctx.total*uint32(len(payload)))
	for i := uint32(0); i < ctx.total; i++ {
		chunk, ok := ctx.received[i]
		if !ok {
			// Count matches total but an index is missing: can't happen
			// unless fragment_index values weren't 0..total-1 exactly.
			return nil, false, false, xlinkerr.StreamInitFailed("reassembly completion with missing fragment index")
		}
		out = append(out, chunk...)
	}

	delete(bySender, h.StreamID)
	if len(bySender) == 0 {
		delete(r.streams, senderID)
	}
	if r.metrics != nil {
		r.metrics.StreamsCompleted.Inc()
	}
	return out, true, ctx.compressed, nil
}

// sweep discards stream contexts older than the configured timeout,
// emitting a TimeoutEvent for each on the Timeouts channel.
func (r *Reassembler) sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []TimeoutEvent
	for senderID, bySender := range r.streams {
		for streamID, ctx := range bySender {
			if now.Sub(ctx.startedAt) <= r.timeout {
				continue
			}
			delete(bySender, streamID)
			expired = append(expired, TimeoutEvent{
				SenderID: senderID,
				StreamID: streamID,
				Err:      xlinkerr.StreamTimeout(streamID.String()),
			})
		}
		if len(bySender) == 0 {
			delete(r.streams, senderID)
		}
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	if r.metrics != nil {
		for range expired {
			r.metrics.StreamsTimedOut.Inc()
		}
	}
	for _, ev := range expired {
		select {
		case r.Timeouts <- ev:
		default:
			// Slow consumer: drop rather than block the sweep goroutine.
		}
	}
}
