package ata

import "sync"

// Demux puts a master and a slave device on one register bus. The drive/head
// register's device bit selects which one sees register accesses; the
// device control register reaches both.
type Demux struct {
	mu sync.Mutex

	devices   [2]Bus
	selected  int
	enabled   [2]bool
	requested [2]bool

	host          Host
	hostRequested bool
}

// NewDemux wires master and slave, either of which may be nil.
func NewDemux(master, slave Bus) *Demux {
	dm := &Demux{
		devices: [2]Bus{master, slave},
		enabled: [2]bool{true, true},
	}
	for i, dev := range dm.devices {
		if dev == nil {
			continue
		}
		i := i
		dev.SetHost(HostFunc(func(_ Bus, requested bool) {
			dm.deviceChanged(i, requested)
		}))
	}
	return dm
}

// Device returns the master (0) or slave (1) device.
func (dm *Demux) Device(i int) Bus {
	if i < 0 || i > 1 {
		return nil
	}
	return dm.devices[i]
}

// Selected returns 1 when the slave is selected.
func (dm *Demux) Selected() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.selected
}

func (dm *Demux) deviceChanged(i int, requested bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.requested[i] = requested
	dm.updateHostLocked()
}

func (dm *Demux) updateHostLocked() {
	agg := dm.requested[dm.selected]
	if agg == dm.hostRequested {
		return
	}
	dm.hostRequested = agg
	if dm.host != nil {
		dm.host.InterruptRequestChanged(dm, agg)
	}
}

// SetHost implements Bus.
func (dm *Demux) SetHost(h Host) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.host = h
	if h != nil {
		h.InterruptRequestChanged(dm, dm.hostRequested)
	}
}

// InterruptRequested implements Bus.
func (dm *Demux) InterruptRequested() bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.hostRequested
}

// Write implements Bus.
func (dm *Demux) Write(cs ChipSelect, reg uint8, value uint16) {
	switch {
	case cs == CS0 && reg == RegDriveHead:
		dm.mu.Lock()
		if value&DriveHeadSlave != 0 {
			dm.selected = 1
		} else {
			dm.selected = 0
		}
		dev := dm.devices[dm.selected]
		dm.updateHostLocked()
		dm.mu.Unlock()
		if dev != nil {
			dev.Write(cs, reg, value)
		}
	case cs == CS1 && reg == RegDeviceControl:
		dm.mu.Lock()
		dm.enabled[dm.selected] = value&DevCtlNIEN == 0
		var per [2]uint16
		for i := range per {
			per[i] = 0x08 | value&DevCtlSRST
			if !dm.enabled[i] {
				per[i] |= DevCtlNIEN
			}
		}
		dm.mu.Unlock()
		for i, dev := range dm.devices {
			if dev != nil {
				dev.Write(cs, reg, per[i])
			}
		}
	default:
		if dev := dm.current(); dev != nil {
			dev.Write(cs, reg, value)
		}
	}
}

// Read implements Bus. Reads with no device selected float high.
func (dm *Demux) Read(cs ChipSelect, reg uint8) uint16 {
	dm.mu.Lock()
	sel := dm.selected
	dev := dm.devices[sel]
	dm.mu.Unlock()

	if dev == nil {
		return 0xffff
	}
	v := dev.Read(cs, reg)
	if cs == CS1 && reg == RegDriveAddress {
		// nDS0/nDS1 are active low.
		v &= 0xfffc
		if sel == 1 {
			v |= 0x01
		} else {
			v |= 0x02
		}
	}
	return v
}

func (dm *Demux) current() Bus {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.devices[dm.selected]
}

var _ Bus = (*Demux)(nil)
