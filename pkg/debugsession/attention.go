package debugsession

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/sip"
)

// pollAttention drains the attention FIFO of every memory context. Only
// version 3 firmware keeps a FIFO; older firmware reports attention through
// ReportAttention.
func (s *Session) pollAttention(ctx context.Context) {
	hdr, err := s.stateSaveAreaHeader(ctx)
	if err != nil {
		s.logLoopError("state save area header unavailable", "err", err)
		return
	}
	if hdr.Version.Major != 3 {
		return
	}
	for _, mc := range s.device.MemoryContexts() {
		ids, err := s.readFifo(ctx, hdr, mc)
		if err != nil {
			s.logLoopError("failed to read attention fifo", "handle", mc.Handle, "err", err)
		}
		if len(ids) == 0 {
			continue
		}
		s.metrics.fifoEntries.Add(float64(len(ids)))
		for _, id := range ids {
			s.markStoppedFromAttention(ctx, hdr, mc, id)
		}
		s.attentionRaised(mc.Tile)
	}
}

// readFifo returns the threads queued in the attention FIFO of a context
// and consumes the entries.
func (s *Session) readFifo(ctx context.Context, hdr *sip.Header, mc gpu.MemoryContext) ([]euthread.ThreadID, error) {
	base, ok := hdr.FifoIndicesOffset()
	if !ok {
		return nil, nil
	}
	indicesVA := mc.StateSaveArea.Add(int64(base))
	var ids []euthread.ThreadID
	for round := 0; round <= s.cfg.FifoMaxExtraRounds; round++ {
		raw := make([]byte, sip.FifoIndicesSize)
		if err := s.readMemory(ctx, mc.Handle, raw, indicesVA); err != nil {
			return ids, err
		}
		idx, err := sip.DecodeFifoIndices(raw)
		if err != nil {
			return ids, err
		}
		if idx.Head == idx.Tail {
			break
		}
		if idx.Size == 0 || idx.Head >= idx.Size || idx.Tail >= idx.Size {
			return ids, errors.Wrapf(ErrUnknown, "corrupted attention fifo indices %+v", idx)
		}

		// Drain tail..head, wrapping once.
		runs := [][2]uint32{{idx.Tail, idx.Head}}
		if idx.Tail > idx.Head {
			runs = [][2]uint32{{idx.Tail, idx.Size}, {0, idx.Head}}
		}
		for _, run := range runs {
			got, err := s.drainFifoRun(ctx, hdr, mc, run[0], run[1])
			ids = append(ids, got...)
			if err != nil {
				return ids, err
			}
		}

		tail := sip.FifoIndices{Tail: idx.Head}.Encode()[8:]
		if err := s.writeMemory(ctx, mc.Handle, tail, indicesVA.Add(8)); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// drainFifoRun reads entries [from, to), waits for entries the firmware has
// not finished writing, and clears their valid bits.
func (s *Session) drainFifoRun(ctx context.Context, hdr *sip.Header, mc gpu.MemoryContext, from, to uint32) ([]euthread.ThreadID, error) {
	if from == to {
		return nil, nil
	}
	va := mc.StateSaveArea.Add(int64(hdr.FifoNodeOffset(from)))
	raw := make([]byte, (to-from)*sip.FifoNodeSize)
	if err := s.readMemory(ctx, mc.Handle, raw, va); err != nil {
		return nil, err
	}
	nodes := sip.DecodeFifoNodes(raw)
	ids := make([]euthread.ThreadID, 0, len(nodes))
	for i := range nodes {
		if !nodes[i].Valid {
			n, err := s.awaitFifoNode(ctx, mc, va.Add(int64(i*sip.FifoNodeSize)))
			if err != nil {
				return ids, err
			}
			nodes[i] = n
		}
		if !nodes[i].Valid {
			level.Warn(s.logger).Log("msg", "dropping attention fifo entry never marked valid", "index", from+uint32(i))
			continue
		}
		n := nodes[i]
		ids = append(ids, euthread.ThreadID{
			Tile:     mc.Tile,
			Slice:    uint32(n.Slice),
			Subslice: uint32(n.Subslice),
			EU:       uint32(n.EU),
			Thread:   uint32(n.Thread),
		})
		nodes[i].Valid = false
	}
	if err := s.writeMemory(ctx, mc.Handle, sip.EncodeFifoNodes(nodes), va); err != nil {
		return ids, err
	}
	return ids, nil
}

// awaitFifoNode re-reads an entry until the firmware marks it valid or the
// retry budget runs out.
func (s *Session) awaitFifoNode(ctx context.Context, mc gpu.MemoryContext, va gpu.Address) (sip.FifoNode, error) {
	raw := make([]byte, sip.FifoNodeSize)
	boff := backoff.New(ctx, s.cfg.FifoRetry)
	for boff.Ongoing() {
		boff.Wait()
		if ctx.Err() != nil {
			return sip.FifoNode{}, ctx.Err()
		}
		s.metrics.fifoEntryRetries.Inc()
		if err := s.readMemory(ctx, mc.Handle, raw, va); err != nil {
			return sip.FifoNode{}, err
		}
		if n := sip.DecodeFifoNodes(raw)[0]; n.Valid {
			return n, nil
		}
	}
	return sip.FifoNode{}, nil
}

// ReportAttention delivers attention raised by pre-FIFO firmware: bitmask
// marks the threads of the context's tile that stopped.
func (s *Session) ReportAttention(ctx context.Context, h gpu.MemoryHandle, bitmask []byte) error {
	mc, ok := s.memoryContext(h)
	if !ok {
		return errors.Wrapf(ErrInvalidArgument, "unknown memory context %d", h)
	}
	hdr, err := s.stateSaveAreaHeader(ctx)
	if err != nil {
		return err
	}
	for _, id := range euthread.ThreadsFromBitmask(s.topo.HW, mc.Tile, bitmask) {
		s.markStoppedFromAttention(ctx, hdr, mc, id)
	}
	s.attentionRaised(mc.Tile)
	return nil
}

// markStoppedFromAttention verifies a thread reported by attention against
// its system routine counter. Only a verified stop changes its state; new
// stops are queued for the next event generation pass.
func (s *Session) markStoppedFromAttention(ctx context.Context, hdr *sip.Header, mc gpu.MemoryContext, id euthread.ThreadID) {
	et, ok := s.threads.Lookup(id)
	if !ok {
		level.Warn(s.logger).Log("msg", "attention for thread outside of the device", "thread", id)
		return
	}

	s.threadStateMu.Lock()
	if et.IsStopped() {
		s.threadStateMu.Unlock()
		return
	}
	ident, err := s.readSRIdent(ctx, hdr, mc, id)
	if err != nil {
		s.threadStateMu.Unlock()
		s.logLoopError("failed to read system routine ident", "thread", id, "err", err)
		return
	}
	if !et.VerifyStopped(ident.Count) {
		s.threadStateMu.Unlock()
		return
	}
	et.StopThread(mc.Handle)
	s.threadStateMu.Unlock()

	level.Debug(s.logger).Log("msg", "thread stopped", "thread", id, "counter", ident.Count)
	s.interruptMu.Lock()
	s.newlyStopped = append(s.newlyStopped, id)
	s.interruptMu.Unlock()
}

// attentionRaised records that a tile raised attention. Events are
// generated once every interrupted tile did.
func (s *Session) attentionRaised(tile uint32) {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	delete(s.expectedAttention, tile)
	if len(s.expectedAttention) == 0 && (len(s.pendingInterrupts) > 0 || len(s.newlyStopped) > 0) {
		s.triggerEvents = true
	}
}
