package emu

import (
	"fmt"
	"sort"
)

// MemError is returned by the software memory model and reported to fault
// hooks via its Enum field.
type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_FETCH_UNMAPPED:
		reason = "unmapped fetch"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	case MEM_FETCH_PROT:
		reason = "protected exec"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// MemSim is a sparse software memory. Mappings are whole pages owned by the
// simulator; overlapping maps replace the overlapped ranges.
type MemSim struct {
	Mem Pages
}

// RangeValid checks whether (addr, size) is fully mapped. If prot > 0, every
// page covering the range must carry the entire protection mask.
func (m *MemSim) RangeValid(addr, size uint64, prot int) (mapGood bool, protGood bool) {
	first := m.Mem.bsearch(addr)
	if first == -1 {
		return false, false
	}
	protGood = true
	end := addr + size
	for _, mm := range m.Mem[first:] {
		if !mm.Contains(addr) {
			break
		}
		if prot > 0 && (mm.Prot == 0 || mm.Prot&prot != prot) {
			protGood = false
		}
		addr = mm.Addr + mm.Size
		if addr >= end {
			break
		}
	}
	return addr >= end, protGood
}

// Map maps (addr, size) with prot. Existing data in the range is preserved
// unless zero is true. Overlapped regions are unmapped first.
func (m *MemSim) Map(addr, size uint64, prot int, zero bool) *Page {
	data := make([]byte, size)
	if !zero {
		m.Read(addr, data, 0)
	}
	if mapped, _ := m.RangeValid(addr, size, 0); mapped {
		m.Unmap(addr, size)
	}
	page := &Page{Addr: addr, Size: size, Prot: prot, Data: data}
	m.Mem = append(m.Mem, page)
	sort.Sort(m.Mem)
	return page
}

// Prot is unmap, except the carved middle of each split keeps its data and
// gets the new protection.
func (m *MemSim) Prot(addr, size uint64, prot int) {
	tmp := make(Pages, 0, len(m.Mem))
	for _, mm := range m.Mem {
		if oaddr, osize, ok := mm.Intersect(addr, size); ok {
			left, right := mm.Split(oaddr, osize)
			if left != nil {
				tmp = append(tmp, left)
			}
			mm.Prot = prot
			tmp = append(tmp, mm)
			if right != nil {
				tmp = append(tmp, right)
			}
		} else {
			tmp = append(tmp, mm)
		}
	}
	m.Mem = tmp
	sort.Sort(m.Mem)
}

func (m *MemSim) Unmap(addr, size uint64) {
	tmp := make(Pages, 0, len(m.Mem))
	for _, mm := range m.Mem {
		if oaddr, osize, ok := mm.Intersect(addr, size); ok {
			left, right := mm.Split(oaddr, osize)
			if left != nil {
				tmp = append(tmp, left)
			}
			if right != nil {
				tmp = append(tmp, right)
			}
		} else {
			tmp = append(tmp, mm)
		}
	}
	m.Mem = tmp
	sort.Sort(m.Mem)
}

func (m *MemSim) Read(addr uint64, p []byte, prot int) error {
	if mapped, protGood := m.RangeValid(addr, uint64(len(p)), prot); !mapped {
		if prot&PROT_EXEC == PROT_EXEC {
			return &MemError{Addr: addr, Size: len(p), Enum: MEM_FETCH_UNMAPPED}
		}
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_READ_UNMAPPED}
	} else if !protGood {
		if prot&PROT_EXEC == PROT_EXEC {
			return &MemError{Addr: addr, Size: len(p), Enum: MEM_FETCH_PROT}
		}
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_READ_PROT}
	}
	if i := m.Mem.bsearch(addr); i >= 0 {
		for _, mm := range m.Mem[i:] {
			if !mm.Contains(addr) {
				break
			}
			o := addr - mm.Addr
			n := copy(p, mm.Data[o:])
			addr, p = addr+uint64(n), p[n:]
		}
	}
	return nil
}

func (m *MemSim) Write(addr uint64, p []byte, prot int) error {
	if mapped, protGood := m.RangeValid(addr, uint64(len(p)), prot); !mapped {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_UNMAPPED}
	} else if !protGood {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_PROT}
	}
	if i := m.Mem.bsearch(addr); i >= 0 {
		for _, mm := range m.Mem[i:] {
			if !mm.Contains(addr) {
				break
			}
			o := addr - mm.Addr
			n := copy(mm.Data[o:], p)
			addr, p = addr+uint64(n), p[n:]
		}
	}
	return nil
}
