package iodev

// Discard swallows accesses to a port range nothing needs to model, so
// the access never bounces off the Service VM; reads return zero.
type Discard struct {
	Base  uint64
	Count uint64
}

func (d *Discard) PortBase() uint64  { return d.Base }
func (d *Discard) PortCount() uint64 { return d.Count }

func (d *Discard) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (d *Discard) Write(port uint64, data []byte) error {
	return nil
}
