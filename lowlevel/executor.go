package lowlevel

// Executor is the seam between the vCPU run loop and the physical VMX
// instructions. The default implementation below calls straight through to
// the assembly stubs; tests inject a fake so the pending-request pipeline,
// exit dispatch, and world-switch logic are exercised without a ring-0
// execution context, which a portable `go test` binary never has.
type Executor interface {
	VMPTRLD(region uint64) uint8
	VMCLEAR(region uint64) uint8
	VMLAUNCH() uint8
	VMRESUME() uint8
	VMREAD(field uint64) (uint64, uint8)
	VMWRITE(field, val uint64) uint8
	INVEPT(typ uint64, descriptor *[2]uint64) uint8
	INVVPID(typ uint64, descriptor *[2]uint64) uint8
}

// HardwareExecutor implements Executor against the real instruction stubs.
type HardwareExecutor struct{}

func (HardwareExecutor) VMPTRLD(region uint64) uint8                    { return VMPTRLD(region) }
func (HardwareExecutor) VMCLEAR(region uint64) uint8                    { return VMCLEAR(region) }
func (HardwareExecutor) VMLAUNCH() uint8                                { return VMLAUNCH() }
func (HardwareExecutor) VMRESUME() uint8                                { return VMRESUME() }
func (HardwareExecutor) VMREAD(field uint64) (uint64, uint8)            { return VMREAD(field) }
func (HardwareExecutor) VMWRITE(field, val uint64) uint8                { return VMWRITE(field, val) }
func (HardwareExecutor) INVEPT(typ uint64, d *[2]uint64) uint8          { return INVEPT(typ, d) }
func (HardwareExecutor) INVVPID(typ uint64, d *[2]uint64) uint8         { return INVVPID(typ, d) }

var _ Executor = HardwareExecutor{}
