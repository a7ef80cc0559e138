package coherence

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hanwen/uvmc/fault"
	"github.com/hanwen/uvmc/model"
	"github.com/hanwen/uvmc/stats"
)

// applyProtection installs want as reg's OS-observable protection,
// translating the change into a Register/Unregister call on the fault
// transport (spec.md section 4.5). It is a no-op, uncounted, if reg is
// already at want.
func (e *Engine) applyProtection(reg *model.Region, want model.ProtStatus) error {
	if reg.Prot() == want {
		return nil
	}

	var err error
	switch want {
	case model.ProtReadWrite:
		err = e.faults.Unregister(reg.Range.Start, reg.Range.Len())
	case model.ProtRead:
		err = e.faults.Register(reg.Range.Start, reg.Range.Len(), fault.ModeWriteProtect)
	case model.ProtNone:
		err = e.faults.Register(reg.Range.Start, reg.Range.Len(), fault.ModeMissing)
	default:
		return fmt.Errorf("coherence: unknown protection status %v", want)
	}
	if err != nil {
		return err
	}

	if reg.SetProt(want) {
		e.stats.Add(stats.ParamProtectionChanges, 1)
	}
	return nil
}

// settleRegionLocked makes the host image of every subregion of reg
// current and relaxes the region's protection to READ_WRITE. This is
// the whole-region settle both the fault pipeline (sync worker) and
// the synchronous "touch the first byte" paths of kernel_begin and
// unlink resolve to: settling a single subregion is never enough,
// because installing bytes makes the covering pages readable again
// for every subregion sharing them.
//
// The caller must hold e.mu (reader is enough: subregion state is
// serialized through the Region's own lock, and the region cannot be
// torn down while any engine lock is held). Concurrent callers for
// the same region share one pass through settleGroup. Bytes flow
// through the fault transport, never through direct loads and stores:
// a direct access to a protected page from here would trap against
// our own transport and deadlock.
func (e *Engine) settleRegionLocked(reg *model.Region) error {
	_, err, _ := e.settleGroup.Do(strconv.FormatUint(uint64(reg.Range.Start), 16), func() (interface{}, error) {
		return nil, e.settleRegion(reg)
	})
	return err
}

func (e *Engine) settleRegion(reg *model.Region) error {
	img, err := e.faults.ReadProtected(reg.Range.Start, reg.Range.Len())
	if err != nil {
		return err
	}

	subs := reg.Subregions()
	for _, s := range subs {
		reg.Lock()
		actual := s.ActualHost()
		dev := primaryDevice(s)
		reg.Unlock()
		if actual || dev < 0 {
			// Host-actual, or never written past its initial state:
			// the snapshot bytes already hold the current image.
			continue
		}

		link := s.Array.Link(dev)
		if link == nil {
			return fmt.Errorf("coherence: subregion %v has no link for device %d", s.Range(), dev)
		}
		r := s.Range()
		dst := img[r.Start-reg.Range.Start : r.End-reg.Range.Start]
		start := time.Now()
		if err := e.backend.CopyDeviceToHost(e.runCtx, dev, link.Buffer, r.Start-s.Array.Range.Start, dst); err != nil {
			return err
		}
		e.stats.Add(stats.ParamDeviceToHostCopies, 1)
		e.stats.Add(stats.ParamBytesCopied, int64(len(dst)))
		e.stats.Add(stats.ParamCopyNanos, time.Since(start).Nanoseconds())
	}

	if err := e.faults.Fill(reg.Range.Start, img); err != nil {
		return err
	}

	reg.Lock()
	for _, s := range subs {
		s.SetActualHost(true)
		s.ClearDevices()
		s.SetActualPrimaryDevice(model.NoDevice)
	}
	reg.Unlock()

	return e.applyProtection(reg, model.ProtReadWrite)
}

// primaryDevice returns the device to settle s from: its recorded
// primary device if set, otherwise the lowest device bit still marked
// actual, otherwise model.NoDevice. Must be called with s.Region held.
func primaryDevice(s *model.Subregion) int {
	if d := s.ActualPrimaryDevice(); d != model.NoDevice {
		return d
	}
	mask := s.ActualDevices()
	for d := 0; d < 64; d++ {
		if mask&(1<<uint(d)) != 0 {
			return d
		}
	}
	return model.NoDevice
}
