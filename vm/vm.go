// Package vm assembles the core into runnable guests: the Vm entity
// owning EPT, I/O dispatch, virtual interrupt controllers, Trusty state,
// and its vCPUs; the process-wide arena resolving vm_id/vcpu_id/pcpu_id
// indices; and the guest memory slab every GPA access lands in.
package vm

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/vmxcore/hypervisor/ept"
	"github.com/vmxcore/hypervisor/exitdispatch"
	"github.com/vmxcore/hypervisor/hverr"
	"github.com/vmxcore/hypervisor/hypercall"
	"github.com/vmxcore/hypervisor/ioreq"
	"github.com/vmxcore/hypervisor/lowlevel"
	"github.com/vmxcore/hypervisor/pci"
	"github.com/vmxcore/hypervisor/pcpu"
	"github.com/vmxcore/hypervisor/serial"
	"github.com/vmxcore/hypervisor/trusty"
	"github.com/vmxcore/hypervisor/vcat"
	"github.com/vmxcore/hypervisor/vcpu"
	"github.com/vmxcore/hypervisor/vcr"
	"github.com/vmxcore/hypervisor/vioapic"
	"github.com/vmxcore/hypervisor/vpic"
	"github.com/vmxcore/hypervisor/worldswitch"
)

var (
	ErrMemTooSmall = errors.New("vm: memory size must be at least one page")
	ErrBadVCpu     = errors.New("vm: no such vcpu")
	ErrBadState    = errors.New("vm: operation not allowed in this state")
)

// MaxVCpus bounds created_vcpus per VM; vpids are drawn from [1, 32].
const MaxVCpus = 32

// State is the VM lifecycle.
type State int

const (
	Created State = iota
	Started
	PausedVM
	Destroyed
)

// Config fixes a VM's shape at creation.
type Config struct {
	Name    string
	MemSize uint64
	NCPUs   int

	// VCat, when non-nil, enables virtual cache allocation.
	VCat *vcat.Config
}

// Vm is one guest.
type Vm struct {
	ID    int
	Name  string
	state State

	mu       sync.Mutex
	wbinvdMu sync.Mutex

	VCpus []*vcpu.VCpu

	EPT     *ept.Manager
	IO      *ioreq.Dispatcher
	VIOAPIC *vioapic.VIOAPIC
	VPIC    *vpic.VPIC
	Trusty  *trusty.State
	VCat    *vcat.VCat
	HCalls  *hypercall.Table
	Serial  *serial.UART
	PCI     *pci.PCI

	Dispatcher *exitdispatch.Dispatcher
	Switcher   *worldswitch.Switcher

	CRPolicy vcr.Policy

	mem *Slab

	// events is the per-vCPU cooperative suspension table.
	events map[int]map[exitdispatch.Event]chan struct{}

	// msrShadow holds per-vCPU emulated MSR values (PAT, EFER, x2APIC
	// register file) keyed by vcpu id then MSR index.
	msrShadow map[int]map[uint32]uint64

	pcpus *pcpu.Registry
	exec  lowlevel.Executor
}

// Manager is the process-wide VM arena.
type Manager struct {
	mu     sync.RWMutex
	vms    map[int]*Vm
	nextID int
	pcpus  *pcpu.Registry
	exec   lowlevel.Executor
}

// NewManager builds an arena over the given pCPU registry; exec defaults
// to the hardware executor when nil.
func NewManager(pcpus *pcpu.Registry, exec lowlevel.Executor) *Manager {
	if exec == nil {
		exec = lowlevel.HardwareExecutor{}
	}

	return &Manager{vms: make(map[int]*Vm), pcpus: pcpus, exec: exec}
}

// Get resolves a vm_id to its Vm, or nil.
func (m *Manager) Get(id int) *Vm {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.vms[id]
}

// vpid assignment: one block of MaxVCpus per VM so every vCPU of every
// VM gets a distinct non-zero tag.
func vpidFor(vmID, vcpuID int) uint16 {
	return uint16(vmID*MaxVCpus+vcpuID)%0xFFFE + 1
}

// CreateVM allocates a VM with its memory slab, EPT identity map, I/O
// dispatch tables, and cfg.NCPUs vCPUs pinned round-robin over the
// registered pCPUs.
func (m *Manager) CreateVM(cfg Config) (*Vm, error) {
	if cfg.MemSize < 4096 {
		return nil, ErrMemTooSmall
	}

	slab, err := NewSlab(cfg.MemSize)
	if err != nil {
		return nil, err
	}

	// Size the EPT pool for a full 4K mapping of the slab plus interior
	// nodes and the Secure-world clone.
	poolPages := int(cfg.MemSize/(4096*512)) + 64

	eptm, err := ept.NewManager(poolPages)
	if err != nil {
		slab.Close()

		return nil, err
	}

	if err := eptm.AddMR(0, 0, cfg.MemSize, ept.RWX|ept.MemTypeWB<<3); err != nil {
		slab.Close()

		return nil, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	v := &Vm{
		ID:        id,
		Name:      cfg.Name,
		EPT:       eptm,
		IO:        ioreq.New(),
		VPIC:      vpic.New(),
		Trusty:    &trusty.State{},
		HCalls:    hypercall.New(),
		CRPolicy:  vcr.DefaultPolicy(),
		mem:       slab,
		events:    make(map[int]map[exitdispatch.Event]chan struct{}),
		msrShadow: make(map[int]map[uint32]uint64),
		pcpus:     m.pcpus,
		exec:      m.exec,
	}

	v.VIOAPIC = vioapic.New(v.injectToLapics)
	v.Switcher = &worldswitch.Switcher{EPT: eptm}

	if cfg.NCPUs > MaxVCpus {
		cfg.NCPUs = MaxVCpus
	}

	var vcatSlots []*vcat.VCpuSlot

	for i := 0; i < cfg.NCPUs; i++ {
		vc := vcpu.New(i, uint32(i), vmcsRegionHPA(id, i), m.exec)
		vc.VM = id
		vc.PCPUID = i % pcpu.MaxPCPU
		vc.VPID = vpidFor(id, i)

		v.VCpus = append(v.VCpus, vc)
		v.events[i] = make(map[exitdispatch.Event]chan struct{})
		v.msrShadow[i] = make(map[uint32]uint64)

		if cfg.VCat != nil {
			vcatSlots = append(vcatSlots, vcat.NewVCpuSlot(i, uint32(i), 4))
		}
	}

	if cfg.VCat != nil {
		v.VCat = vcat.New(*cfg.VCat, vcatSlots)
	}

	v.Dispatcher = exitdispatch.New(v.services())
	v.registerHypercalls()

	if err := v.wireDevices(); err != nil {
		slab.Close()

		return nil, err
	}

	if err := v.seedACPITables(); err != nil {
		slab.Close()

		return nil, err
	}

	m.mu.Lock()
	m.vms[id] = v
	m.mu.Unlock()

	log.Printf("vm %d (%s): created with %d vcpus, %d MiB", id, cfg.Name, cfg.NCPUs, cfg.MemSize>>20)

	return v, nil
}

// vmcsRegionHPA is where a vCPU's VMCS page lives in the host-physical
// layout this model reserves: one page per (vm, vcpu) pair above the
// 4 GiB line, outside any guest slab.
func vmcsRegionHPA(vmID, vcpuID int) uint64 {
	return uint64(1)<<32 + uint64(vmID*MaxVCpus+vcpuID)*4096
}

// DestroyVM tears a VM down and releases its slab.
func (m *Manager) DestroyVM(id int) error {
	m.mu.Lock()
	v, ok := m.vms[id]
	delete(m.vms, id)
	m.mu.Unlock()

	if !ok {
		return hverr.Newf(hverr.HvInternal, "vm: no vm %d", id)
	}

	v.mu.Lock()
	v.state = Destroyed
	v.mu.Unlock()

	for _, vc := range v.VCpus {
		vc.State = vcpu.Offline
	}

	return v.mem.Close()
}

// VCpu resolves a vcpu_id inside this VM.
func (v *Vm) VCpu(id int) (*vcpu.VCpu, error) {
	if id < 0 || id >= len(v.VCpus) {
		return nil, ErrBadVCpu
	}

	return v.VCpus[id], nil
}

// Start moves Created -> Started and marks vCPU 0 runnable.
func (v *Vm) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Created && v.state != PausedVM {
		return fmt.Errorf("%w: state %d", ErrBadState, v.state)
	}

	v.state = Started

	for _, vc := range v.VCpus {
		if vc.State == vcpu.Init || vc.State == vcpu.Paused {
			vc.State = vcpu.Running
			v.EPT.TrackRanOn(vc.PCPUID)
		}
	}

	return nil
}

// Pause moves Started -> Paused.
func (v *Vm) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Started {
		return fmt.Errorf("%w: state %d", ErrBadState, v.state)
	}

	v.state = PausedVM

	for _, vc := range v.VCpus {
		if vc.State == vcpu.Running {
			vc.State = vcpu.Paused
		}
	}

	return nil
}

// Reset returns every vCPU to its INIT state and re-arms INIT_VMCS.
func (v *Vm) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == Destroyed {
		return fmt.Errorf("%w: destroyed", ErrBadState)
	}

	for _, vc := range v.VCpus {
		vc.State = vcpu.Init
		vc.Launched = false
		vc.Contexts[vcpu.NormalWorld] = struct {
			Run vcpu.RunContext
			Ext vcpu.ExtContext
		}{}
		vc.Pending.Set(vcpu.ReqInitVMCS)
	}

	v.state = Created

	return nil
}

// injectToLapics is the vIOAPIC delivery callback: physical destination
// mode matches one APIC id, logical broadcast sweeps all.
func (v *Vm) injectToLapics(destAPICID uint32, destMode bool, vector uint8, level bool) {
	for _, vc := range v.VCpus {
		if !destMode && vc.VLAPIC.APICID != destAPICID {
			continue
		}

		vc.VLAPIC.Accept(vector, level)
		vc.Pending.Set(vcpu.ReqEvent)
		v.notifyPCPU(vc)
	}
}

// notifyPCPU is the VECTOR_NOTIFY_VCPU analog: kick the target's pCPU so
// its run loop observes the new pending bit before the next entry.
func (v *Vm) notifyPCPU(vc *vcpu.VCpu) {
	if p := v.pcpus.Get(vc.PCPUID); p != nil {
		p.Notify()
	}
}

// ReadGPA implements guestmem.GPAReader through the nworld EPT: the slab
// is indexed by host-physical address.
func (v *Vm) ReadGPA(gpa uint64, buf []byte) error {
	hpa := v.EPT.GPAToHPA(gpa)
	if hpa == ept.InvalidHPA {
		return hverr.Newf(hverr.HvInternal, "vm: gpa %#x not mapped", gpa)
	}

	return v.mem.Read(hpa, buf)
}

// WriteGPA is ReadGPA's write counterpart.
func (v *Vm) WriteGPA(gpa uint64, buf []byte) error {
	hpa := v.EPT.GPAToHPA(gpa)
	if hpa == ept.InvalidHPA {
		return hverr.Newf(hverr.HvInternal, "vm: gpa %#x not mapped", gpa)
	}

	return v.mem.Write(hpa, buf)
}

// WriteHPA bypasses the EPT for ranges deliberately absent from the
// Normal world, the seam Trusty seeds its startup pages through.
func (v *Vm) WriteHPA(hpa uint64, buf []byte) error {
	return v.mem.Write(hpa, buf)
}
