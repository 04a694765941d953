package emu

import (
	"fmt"
	"strings"
)

// Page is one contiguous mapped region in the software memory model.
type Page struct {
	Addr uint64
	Size uint64
	Prot int
	Data []byte

	Desc string
}

func (p *Page) String() string {
	prots := []int{PROT_READ, PROT_WRITE, PROT_EXEC}
	chars := "rwx"
	prot := ""
	for i := range prots {
		if p.Prot&prots[i] != 0 {
			prot += string(chars[i])
		} else {
			prot += "-"
		}
	}
	desc := fmt.Sprintf("%#x-%#x %s", p.Addr, p.Addr+p.Size, prot)
	if p.Desc != "" {
		desc += fmt.Sprintf(" [%s]", p.Desc)
	}
	return desc
}

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.Addr+p.Size
}

// Intersect clamps (addr, size) to the page. ok is false when they are disjoint.
func (p *Page) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start := p.Addr
	end := p.Addr + p.Size
	if e2 := addr + size; end > e2 {
		end = e2
	}
	if start < addr {
		start = addr
	}
	return start, end - start, end > start
}

func (p *Page) slice(addr, size uint64) *Page {
	o := addr - p.Addr
	return &Page{Addr: addr, Size: size, Prot: p.Prot, Data: p.Data[o : o+size], Desc: p.Desc}
}

// Split carves (addr, size) out of the page, shrinking the page to the carved
// range and returning any remaining left/right pieces as new pages.
func (p *Page) Split(addr, size uint64) (left, right *Page) {
	if addr+size < p.Addr+p.Size {
		ra := addr + size
		rs := (p.Addr + p.Size) - ra
		right = p.slice(ra, rs)
		p.Data = p.Data[:ra-p.Addr]
	}
	if addr > p.Addr {
		ls := addr - p.Addr
		left = p.slice(p.Addr, ls)
		p.Data = p.Data[ls:]
	}
	p.Addr, p.Size = addr, size
	return left, right
}

// Pages is kept sorted by address to allow binary search.
type Pages []*Page

func (p Pages) Len() int           { return len(p) }
func (p Pages) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Pages) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Pages) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// bsearch returns the index of the first page containing addr, or -1.
func (p Pages) bsearch(addr uint64) int {
	l, r := 0, len(p)-1
	for l <= r {
		mid := (l + r) / 2
		e := p[mid]
		if addr >= e.Addr {
			if addr < e.Addr+e.Size {
				return mid
			}
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	return -1
}

func (p Pages) Find(addr uint64) *Page {
	if i := p.bsearch(addr); i >= 0 {
		return p[i]
	}
	return nil
}
