package pci

import "errors"

// ErrBridgeClaimsNoIO is returned for port accesses routed at the host
// bridge, which decodes configuration space only.
var ErrBridgeClaimsNoIO = errors.New("pci: host bridge claims no I/O range")

// hostBridge is the bus-0 device-0 function the configuration mechanism
// always finds: a type-0 host-to-PCI bridge header with no BARs, so BAR
// sizing probes read back zero and the guest assigns it nothing.
type hostBridge struct{}

// Intel 82441FX host bridge identity, the id every legacy guest knows.
const (
	hostBridgeVendor = 0x8086
	hostBridgeDevice = 0x1237
)

func (hostBridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		VendorID:   hostBridgeVendor,
		DeviceID:   hostBridgeDevice,
		HeaderType: 0,
	}
}

func (hostBridge) IOInHandler(port uint64, data []byte) error {
	return ErrBridgeClaimsNoIO
}

func (hostBridge) IOOutHandler(port uint64, data []byte) error {
	return ErrBridgeClaimsNoIO
}

func (hostBridge) GetIORange() (start, end uint64) {
	return 0, 0
}

// NewBridge returns the host bridge every bus starts with.
func NewBridge() Device {
	return hostBridge{}
}
