package debugsession

import (
	"context"
	"encoding/binary"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/sip"
)

// sipResumeValue is the resume bit pre-v2 firmware polls in r0 or CR0.
const sipResumeValue = 0x40000000

type resumedThread struct {
	id     euthread.ThreadID
	handle gpu.MemoryHandle
}

// Resume resumes the selected threads that are stopped and were reported
// to the client. It fails with ErrNotAvailable when none of them is.
func (s *Session) Resume(ctx context.Context, api euthread.APIThread) error {
	r := s.rootRequest(api)
	return s.resume(ctx, &r)
}

func (s *Session) resume(ctx context.Context, r *interruptRequest) error {
	if !s.validSelector(r) {
		return errors.Wrapf(ErrInvalidArgument, "thread %s does not exist", r.api)
	}
	tiles := r.tiles(s.topo)
	var (
		merr    *multierror.Error
		running int
	)
	for _, tile := range tiles {
		err := s.resumeTile(ctx, tile, r.thread)
		switch {
		case errors.Is(err, errThreadsRunning):
			s.metrics.resumes.WithLabelValues("running").Inc()
			running++
		case err != nil:
			s.metrics.resumes.WithLabelValues("failed").Inc()
			merr = multierror.Append(merr, errors.Wrapf(err, "tile %d", tile))
		default:
			s.metrics.resumes.WithLabelValues("resumed").Inc()
		}
	}
	if running == len(tiles) {
		return errors.Wrapf(ErrNotAvailable, "no stopped thread matches %s", r.api)
	}
	if len(tiles) == 1 && merr != nil {
		return merr.Errors[0]
	}
	return merr.ErrorOrNil()
}

// resumeTile resumes the stopped and reported threads of a tile selected by
// the physical selector.
func (s *Session) resumeTile(ctx context.Context, tile uint32, thread euthread.APIThread) error {
	s.threadStateMu.Lock()
	ids := lo.Filter(s.topo.Expand(tile, thread), func(id euthread.ThreadID, _ int) bool {
		et := s.threads.Get(id)
		return et.IsStopped() && et.IsReportedAsStopped()
	})
	if len(ids) == 0 {
		s.threadStateMu.Unlock()
		return errThreadsRunning
	}
	resumed, err := s.resumeThreads(ctx, tile, ids, thread.IsAll())
	s.threadStateMu.Unlock()

	// A thread may raise attention again right after it resumed.
	s.checkStoppedAfterResume(ctx, resumed)
	s.updateStoppedGauge()
	return err
}

// resumeThreads sends the SIP resume command and the hardware resume to
// the threads, then waits until the firmware acknowledged each resume.
// Callers hold threadStateMu.
func (s *Session) resumeThreads(ctx context.Context, tile uint32, ids []euthread.ThreadID, snapshot bool) ([]resumedThread, error) {
	hdr, err := s.stateSaveAreaHeader(ctx)
	if err != nil {
		return nil, err
	}
	var merr *multierror.Error
	if err := s.writeResumeCommand(ctx, hdr, ids); err != nil {
		merr = multierror.Append(merr, err)
	}
	slots := lo.Map(ids, func(id euthread.ThreadID, _ int) gpu.ThreadSlot { return id.Slot() })
	if err := s.device.Resume(ctx, tile, slots); err != nil {
		return nil, multierror.Append(merr, errors.Wrapf(ErrUnknown, "resuming %d threads: %v", len(ids), err))
	}

	acked := s.awaitResumed(ctx, hdr, ids, snapshot)
	resumed := make([]resumedThread, 0, len(ids))
	for i, id := range ids {
		et := s.threads.Get(id)
		if !acked[i] {
			merr = multierror.Append(merr, errors.Wrapf(ErrUnknown, "thread %s did not acknowledge the resume", id))
			continue
		}
		resumed = append(resumed, resumedThread{id: id, handle: et.MemoryHandle()})
		et.ResumeThread()
	}
	level.Debug(s.logger).Log("msg", "threads resumed", "tile", tile, "requested", len(ids), "resumed", len(resumed))
	return resumed, merr.ErrorOrNil()
}

// writeResumeCommand tells the SIP to resume the threads. Version 2
// firmware and later take a command through the command register; older
// firmware on some families polls a resume bit in r0 or CR0.
func (s *Session) writeResumeCommand(ctx context.Context, hdr *sip.Header, ids []euthread.ThreadID) error {
	var merr *multierror.Error
	if hdr.Version.Major < 2 {
		if !s.quirks.ResumeWARequired {
			return nil
		}
		typ, dword := sip.RegsetGRF, 4
		if s.quirks.BindlessSIP {
			typ, dword = sip.RegsetCR, 1
		}
		for _, id := range ids {
			reg, err := s.readRegistersImp(ctx, id, typ, 0, 1)
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			v := binary.LittleEndian.Uint32(reg[dword*4:]) | sipResumeValue
			binary.LittleEndian.PutUint32(reg[dword*4:], v)
			if err := s.writeRegistersImp(ctx, id, typ, 0, 1, reg); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		return merr.ErrorOrNil()
	}

	desc, ok := hdr.CommandDesc()
	if !ok {
		return errors.Wrapf(ErrUnknown, "version %s header has no command register", hdr.Version)
	}
	cmd := make([]byte, desc.Bytes)
	copy(cmd, sip.EncodeCommand(sip.CommandResume, 0, nil))
	for _, id := range ids {
		level.Debug(s.logger).Log("msg", "write resume command", "thread", id)
		if err := s.registersAccess(ctx, s.threads.Get(id), hdr, desc, 0, 1, cmd, true); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// awaitResumed polls the system routine counter of every thread until it
// differs from the counter seen when the thread stopped. The poll does not
// sleep; it gives up after ResumeAckMaxPolls reads. Read failures count as
// resumed since the counter cannot be observed.
func (s *Session) awaitResumed(ctx context.Context, hdr *sip.Header, ids []euthread.ThreadID, snapshot bool) []bool {
	acked := make([]bool, len(ids))
	if hdr.Version.Major < 2 {
		for i := range acked {
			acked[i] = true
		}
		return acked
	}
	if snapshot && len(ids) > 1 {
		s.ackFromSnapshot(ctx, hdr, ids, acked)
	}
	for i, id := range ids {
		if acked[i] {
			continue
		}
		et := s.threads.Get(id)
		mc, ok := s.memoryContext(et.MemoryHandle())
		if !ok {
			acked[i] = true
			continue
		}
		polls := 0
		for polls < s.cfg.ResumeAckMaxPolls && ctx.Err() == nil {
			polls++
			ident, err := s.readSRIdent(ctx, hdr, mc, id)
			if err != nil {
				level.Warn(s.logger).Log("msg", "failed to read resume counter", "thread", id, "err", err)
				acked[i] = true
				break
			}
			if ident.Count != et.LastCounter() {
				acked[i] = true
				break
			}
		}
		s.metrics.resumeAckPolls.Observe(float64(polls))
	}
	return acked
}

// ackFromSnapshot reads each involved state save area once and marks the
// threads whose counter already moved.
func (s *Session) ackFromSnapshot(ctx context.Context, hdr *sip.Header, ids []euthread.ThreadID, acked []bool) {
	byHandle := lo.GroupBy(lo.Range(len(ids)), func(i int) gpu.MemoryHandle {
		return s.threads.Get(ids[i]).MemoryHandle()
	})
	for h, indices := range byHandle {
		mc, ok := s.memoryContext(h)
		if !ok {
			continue
		}
		area := make([]byte, hdr.StateSaveAreaSize())
		if err := s.readMemory(ctx, h, area, mc.StateSaveArea); err != nil {
			level.Warn(s.logger).Log("msg", "failed to snapshot state save area", "handle", h, "err", err)
			continue
		}
		for _, i := range indices {
			off := hdr.SRIdentOffset(ids[i].Slot())
			if off+sip.SRIdentSize > uint64(len(area)) {
				continue
			}
			ident, err := sip.DecodeSRIdent(area[off:])
			if err != nil || !ident.Valid() {
				continue
			}
			if ident.Count != s.threads.Get(ids[i]).LastCounter() {
				acked[i] = true
			}
		}
	}
}

// checkStoppedAfterResume re-reads the counters of resumed threads and
// queues those that stopped again.
func (s *Session) checkStoppedAfterResume(ctx context.Context, resumed []resumedThread) {
	if len(resumed) == 0 {
		return
	}
	hdr, err := s.stateSaveAreaHeader(ctx)
	if err != nil {
		return
	}
	for _, r := range resumed {
		if mc, ok := s.memoryContext(r.handle); ok {
			s.markStoppedFromAttention(ctx, hdr, mc, r.id)
		}
	}
}
