// Package pcpu models the per-physical-CPU region: one page-aligned block
// of host state per logical processor, the process-wide active bitmap, and
// the bring-up rendezvous bitmap peers wait on. In this Go realization each
// pCPU is a goroutine pinned to its own OS thread with runtime.LockOSThread
// for the lifetime of the guests it runs.
package pcpu

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmxcore/hypervisor/guestmem"
)

// BootState is a pCPU's position in its bring-up/teardown lifecycle.
type BootState int

const (
	Reset BootState = iota
	Initializing
	Running
	Halted
	Dead
)

func (s BootState) String() string {
	switch s {
	case Reset:
		return "Reset"
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Halted:
		return "Halted"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// CPUUpTimeout bounds how long start_pcpus waits for an AP to post itself
// active before declaring it Dead.
const CPUUpTimeout = 100 * time.Millisecond

// CPUDownTimeout bounds how long an offline request waits for the target's
// active bit to clear.
const CPUDownTimeout = 100 * time.Millisecond

var (
	ErrCapacity  = errors.New("pcpu: id exceeds MaxPCPU")
	ErrNotActive = errors.New("pcpu: target is not active")
	ErrTimeout   = errors.New("pcpu: bring-up timed out")
)

// MaxPCPU bounds the static PhysCpu arena this package hands out ids from.
const MaxPCPU = 64

// PhysCpu is one physical logical processor's host-side state.
type PhysCpu struct {
	ID        int
	LapicID   uint32
	state     atomic.Int32
	current   atomic.Value // holds an opaque vcpu identifier (int), 0 == none
	pending   atomic.Uint64
	notifyCh  chan struct{}
}

func newPhysCpu(id int, lapicID uint32) *PhysCpu {
	p := &PhysCpu{ID: id, LapicID: lapicID, notifyCh: make(chan struct{}, 1)}
	p.state.Store(int32(Reset))
	p.current.Store(0)

	return p
}

// State returns the pCPU's current boot state.
func (p *PhysCpu) State() BootState { return BootState(p.state.Load()) }

func (p *PhysCpu) setState(s BootState) { p.state.Store(int32(s)) }

// CurrentVCpuID returns the vCPU id running on this pCPU, or 0 if idle.
func (p *PhysCpu) CurrentVCpuID() int { return p.current.Load().(int) }

// SetCurrentVCpuID records which vCPU is now running on this pCPU.
func (p *PhysCpu) SetCurrentVCpuID(id int) { p.current.Store(id) }

// Notify pushes a wakeup to this pCPU's run loop, the channel-backed analog
// of sending it VECTOR_NOTIFY_VCPU: it forces the target out of whatever
// it's waiting on at its next poll instead of truly preempting guest mode,
// since this repository has no IPI primitive of its own outside lowlevel.
func (p *PhysCpu) Notify() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// WaitNotify blocks until Notify is called or the context-free deadline
// elapses; d == 0 waits forever.
func (p *PhysCpu) WaitNotify(d time.Duration) bool {
	if d == 0 {
		<-p.notifyCh

		return true
	}

	select {
	case <-p.notifyCh:
		return true
	case <-time.After(d):
		return false
	}
}

// Registry is the process-wide pCPU arena plus the active bitmap and
// bring-up sync bitmap, guarded by a single RWMutex since both bitmaps are
// touched from every pCPU's bring-up path.
type Registry struct {
	mu     sync.RWMutex
	cpus   map[int]*PhysCpu
	active uint64 // bit i set iff cpu i has Initializing<=state<Dead
	sync   uint64 // bring-up rendezvous: bit i set means cpu i hasn't reached init_pcpu_post yet
}

// NewRegistry builds an empty pCPU registry.
func NewRegistry() *Registry {
	return &Registry{cpus: make(map[int]*PhysCpu)}
}

// Register adds a pCPU to the arena in Reset state. It does not mark it
// active; callers call InitPre/InitPost to drive the lifecycle.
func (r *Registry) Register(id int, lapicID uint32) (*PhysCpu, error) {
	if id < 0 || id >= MaxPCPU {
		return nil, ErrCapacity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := newPhysCpu(id, lapicID)
	r.cpus[id] = p

	return p, nil
}

// Get returns the PhysCpu for id, or nil.
func (r *Registry) Get(id int) *PhysCpu {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.cpus[id]
}

// ActiveBitmap returns a snapshot of the process-wide active bitmap.
func (r *Registry) ActiveBitmap() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.active
}

// InitPre marks a pCPU Initializing and sets its active bit, mirroring
// init_pcpu_pre's effect on the active bitmap for both BSP and AP paths.
func (r *Registry) InitPre(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.cpus[id]
	if !ok {
		return ErrNotActive
	}

	p.setState(Initializing)
	r.active |= 1 << uint(id)
	r.sync |= 1 << uint(id)

	return nil
}

// InitPost transitions a pCPU from Initializing to Running and clears its
// bit in the bring-up rendezvous bitmap, the Go analogue of releasing a
// bit in pcpu_sync at the end of init_pcpu_post. SMAP bracketing for
// guest-memory copies arms here, the point the original enables CR4.SMAP.
func (r *Registry) InitPost(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.cpus[id]
	if !ok {
		return ErrNotActive
	}

	p.setState(Running)
	r.sync &^= 1 << uint(id)

	guestmem.ArmSMAPBracketing()

	return nil
}

// WaitSyncChange busy-waits (PAUSE-equivalent sleep) until every bit named
// in mask has cleared from the bring-up bitmap, or timeout elapses.
func (r *Registry) WaitSyncChange(mask uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		r.mu.RLock()
		remaining := r.sync & mask
		r.mu.RUnlock()

		if remaining == 0 {
			return true
		}

		if timeout > 0 && time.Now().After(deadline) {
			return false
		}

		runtime.Gosched()
		time.Sleep(time.Microsecond)
	}
}

// CPUDoIdle transitions a pCPU to Halted. The caller's goroutine is
// expected to then block on WaitNotify, the Go stand-in for HLT/MWAIT.
func (r *Registry) CPUDoIdle(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cpus[id]; ok {
		p.setState(Halted)
	}
}

// CPUDead retires a pCPU: clears its active bit and marks it Dead. The
// hardware analogue (VMXOFF, cache flush over the HV image) belongs to the
// lowlevel package and is not re-derived here.
func (r *Registry) CPUDead(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cpus[id]; ok {
		p.setState(Dead)
	}

	r.active &^= 1 << uint(id)
}

// StartPCPUs brings up every pCPU named in mask (other than bsp) by
// running bringUp in its own LockOSThread'd goroutine, busy-waiting up to
// CPUUpTimeout for each to post its active bit — the Go analogue of SIPI
// delivery plus the active_bitmap poll, since this repository has no real
// startup-IPI primitive of its own.
func (r *Registry) StartPCPUs(mask uint64, bsp int, bringUp func(id int)) {
	var wg sync.WaitGroup

	for id := 0; id < MaxPCPU; id++ {
		if id == bsp || mask&(1<<uint(id)) == 0 {
			continue
		}

		if r.Get(id) == nil {
			continue
		}

		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			bringUp(id)
		}(id)

		ok := r.waitActiveBit(id, CPUUpTimeout)
		if !ok {
			r.CPUDead(id)
		}
	}

	wg.Wait()
}

func (r *Registry) waitActiveBit(id int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		r.mu.RLock()
		isActive := r.active&(1<<uint(id)) != 0
		r.mu.RUnlock()

		if isActive {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		runtime.Gosched()
		time.Sleep(time.Microsecond)
	}
}
