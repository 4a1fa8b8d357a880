package sampler

import (
	"fmt"

	"github.com/golang/glog"
	"go.uber.org/multierr"

	"github.com/itohio/teensydaq/pkg/device"
)

// Allocation is one device heap block owned by a session.
type Allocation struct {
	Name    string
	Addr    uint32
	Size    uint32
	Aligned bool // freed with MemAlignedFree
}

// Allocations tracks the device buffers of a session so each one is freed
// exactly once. A failed allocation releases everything allocated before it.
type Allocations struct {
	mem  device.Memory
	list []Allocation
}

// NewAllocations creates an empty tracker on mem.
func NewAllocations(mem device.Memory) *Allocations {
	return &Allocations{mem: mem}
}

// Alloc allocates size bytes.
func (a *Allocations) Alloc(name string, size uint32) (uint32, error) {
	addr, err := a.mem.MemAlloc(size)
	return a.track(Allocation{Name: name, Addr: addr, Size: size}, err)
}

// AlignedAlloc allocates size bytes at a multiple of alignment.
func (a *Allocations) AlignedAlloc(name string, alignment, size uint32) (uint32, error) {
	addr, err := a.mem.MemAlignedAlloc(alignment, size)
	return a.track(Allocation{Name: name, Addr: addr, Size: size, Aligned: true}, err)
}

// AlignedAllocAndSet allocates an aligned block holding data.
func (a *Allocations) AlignedAllocAndSet(name string, alignment uint32, data []byte) (uint32, error) {
	addr, err := a.mem.MemAlignedAllocAndSet(alignment, data)
	return a.track(Allocation{Name: name, Addr: addr, Size: uint32(len(data)), Aligned: true}, err)
}

func (a *Allocations) track(al Allocation, err error) (uint32, error) {
	if err != nil {
		err = fmt.Errorf("%w: %s (%d bytes): %w", ErrSessionAllocationFailed, al.Name, al.Size, err)
		return 0, multierr.Append(err, a.Release())
	}
	glog.V(1).Infof("sampler: allocated %s: %d bytes at 0x%08x", al.Name, al.Size, al.Addr)
	a.list = append(a.list, al)
	return al.Addr, nil
}

// List returns the live allocations in allocation order.
func (a *Allocations) List() []Allocation {
	return append([]Allocation(nil), a.list...)
}

// Len returns the number of live allocations.
func (a *Allocations) Len() int {
	return len(a.list)
}

// Release frees every live allocation, newest first. Blocks are forgotten
// even when the free fails so a second Release never frees them again.
func (a *Allocations) Release() error {
	var err error
	for i := len(a.list) - 1; i >= 0; i-- {
		al := a.list[i]
		var ferr error
		if al.Aligned {
			ferr = a.mem.MemAlignedFree(al.Addr)
		} else {
			ferr = a.mem.MemFree(al.Addr)
		}
		if ferr != nil {
			glog.Warningf("sampler: failed to free %s at 0x%08x: %v", al.Name, al.Addr, ferr)
			err = multierr.Append(err, fmt.Errorf("free %s: %w", al.Name, ferr))
		}
	}
	a.list = nil
	return err
}
