//go:build windows

package proc

import (
	"bytes"
	"os"
	"runtime"
	"unsafe"

	pe "github.com/Binject/debug/pe"
	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// WinProcess is a Controller over a live Windows process opened for
// inspection. It never writes to the target.
type WinProcess struct {
	handle   windows.Handle
	pid      uint32
	arch     Arch
	pageSize uint64

	exports map[uint64]Export
}

func OpenWinProcess(pid uint32) (*WinProcess, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, errors.Wrapf(err, "OpenProcess(%d) failed", pid)
	}
	p := &WinProcess{handle: h, pid: pid, pageSize: uint64(os.Getpagesize())}
	if p.arch, err = processArch(h); err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	return p, nil
}

func (p *WinProcess) Close() error {
	return windows.CloseHandle(p.handle)
}

func (p *WinProcess) Arch() Arch {
	return p.arch
}

func (p *WinProcess) PageSize() uint64 {
	return p.pageSize
}

func (p *WinProcess) PointerSize() int {
	if p.arch == X86_64 {
		return 8
	}
	return 4
}

// readableProtect reports whether a committed region's protection lets
// ReadProcessMemory succeed. Protection values are an enum, not a bitmask;
// PAGE_GUARD is a modifier and guarded pages fault on the first touch.
func readableProtect(protect uint32) bool {
	return protect != windows.PAGE_NOACCESS && protect&windows.PAGE_GUARD == 0
}

func (p *WinProcess) ReadMem(addr, length uint64) ([]byte, error) {
	var mbi windows.MemoryBasicInformation
	err := windows.VirtualQueryEx(p.handle, uintptr(addr), &mbi, unsafe.Sizeof(mbi))
	if err != nil || mbi.State != windows.MEM_COMMIT || !readableProtect(mbi.Protect) {
		return nil, errors.Wrapf(ErrOutOfRange, "%#x(%d)", addr, length)
	}
	buf := make([]byte, length)
	var read uintptr
	err = windows.ReadProcessMemory(p.handle, uintptr(addr), &buf[0], uintptr(length), &read)
	if err == windows.ERROR_PARTIAL_COPY {
		return nil, errors.Wrapf(ErrOutOfRange, "%#x(%d)", addr, length)
	} else if err != nil {
		return nil, errors.Wrapf(err, "ReadProcessMemory(%#x, %d) failed", addr, length)
	}
	return buf[:read], nil
}

// Exports enumerates the export directory of every loaded module. The result
// is computed once and reused: module load addresses do not move while the
// target is suspended for dumping.
func (p *WinProcess) Exports() map[uint64]Export {
	if p.exports != nil {
		return p.exports
	}
	p.exports = make(map[uint64]Export)
	mods, err := p.modules()
	if err != nil {
		log.WithError(err).Error("module enumeration failed")
		return p.exports
	}
	for _, m := range mods {
		if err := p.addModuleExports(m); err != nil {
			log.WithError(err).WithField("module", m.name).Debug("skipping module exports")
		}
	}
	return p.exports
}

type winModule struct {
	name string
	base uint64
	size uint32
}

func (p *WinProcess) modules() ([]winModule, error) {
	handles := make([]windows.Handle, 1024)
	var needed uint32
	cb := uint32(len(handles)) * uint32(unsafe.Sizeof(handles[0]))
	err := windows.EnumProcessModulesEx(p.handle, &handles[0], cb, &needed, windows.LIST_MODULES_ALL)
	if err != nil {
		return nil, errors.Wrap(err, "EnumProcessModulesEx failed")
	}
	count := int(needed / uint32(unsafe.Sizeof(handles[0])))
	if count > len(handles) {
		count = len(handles)
	}
	mods := make([]winModule, 0, count)
	for _, h := range handles[:count] {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(p.handle, h, &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}
		var nameBuf [windows.MAX_PATH]uint16
		if err := windows.GetModuleBaseName(p.handle, h, &nameBuf[0], uint32(len(nameBuf))); err != nil {
			continue
		}
		mods = append(mods, winModule{
			name: windows.UTF16ToString(nameBuf[:]),
			base: uint64(info.BaseOfDll),
			size: info.SizeOfImage,
		})
	}
	return mods, nil
}

func (p *WinProcess) addModuleExports(m winModule) error {
	image := p.readImage(m.base, uint64(m.size))
	f, err := pe.NewFileFromMemory(bytes.NewReader(image))
	if err != nil {
		return errors.Wrapf(err, "parsing %s image failed", m.name)
	}
	defer f.Close()
	exports, err := f.Exports()
	if err != nil {
		return errors.Wrapf(err, "reading %s export directory failed", m.name)
	}
	for _, e := range exports {
		if e.Forward != "" {
			continue
		}
		p.exports[m.base+uint64(e.VirtualAddress)] = Export{
			Name:    e.Name,
			Module:  m.name,
			Ordinal: e.Ordinal,
		}
	}
	log.WithFields(log.Fields{"module": m.name, "exports": len(exports)}).Debug("enumerated exports")
	return nil
}

// readImage reads a module image page by page, zero-filling pages the target
// has made unreadable. A loaded image is already based, so export RVAs apply
// directly on top of the module base.
func (p *WinProcess) readImage(base, size uint64) []byte {
	image := make([]byte, size)
	for off := uint64(0); off < size; off += p.pageSize {
		n := p.pageSize
		if off+n > size {
			n = size - off
		}
		data, err := p.ReadMem(base+off, n)
		if err != nil {
			continue
		}
		copy(image[off:], data)
	}
	return image
}

func processArch(h windows.Handle) (Arch, error) {
	if runtime.GOARCH != "amd64" {
		return X86, nil
	}
	var wow64 bool
	if err := windows.IsWow64Process(h, &wow64); err != nil {
		return 0, errors.Wrap(err, "IsWow64Process failed")
	}
	if wow64 {
		return X86, nil
	}
	return X86_64, nil
}
