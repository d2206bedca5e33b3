//go:build tinygo

package core

import (
	"runtime/volatile"
	"unsafe"
)

// MMIO accesses registers through the data address space.
type MMIO struct{}

// Load reads the register at r
func (MMIO) Load(r Register) (uint8, error) {
	return volatile.LoadUint8((*uint8)(unsafe.Pointer(uintptr(r)))), nil
}

// Store writes v to the register at r
func (MMIO) Store(r Register, v uint8) error {
	volatile.StoreUint8((*uint8)(unsafe.Pointer(uintptr(r))), v)
	return nil
}
