package vm

import "github.com/GriffinCanCode/GoKernel/internal/mem"

// PTE is a page-table entry: a frame number in the upper bits plus permission
// flags in the low twelve, mirroring the two-level 32-bit layout.
type PTE uint32

const (
	// PtePresent marks the entry as mapped.
	PtePresent PTE = 0x001
	// PteWritable allows user writes through this mapping.
	PteWritable PTE = 0x002
	// PteUser allows user-mode access at all.
	PteUser PTE = 0x004
	// PteCOW marks a copy-on-write mapping. A COW entry is never
	// simultaneously writable.
	PteCOW PTE = 0x800

	// PteSyscall is the set of permission bits user environments may pass to
	// mapping syscalls.
	PteSyscall = PtePresent | PteWritable | PteUser | PteCOW

	permMask PTE = 0xfff
)

// Present reports whether the entry maps a frame.
func (p PTE) Present() bool { return p&PtePresent != 0 }

// Writable reports whether the mapping allows writes.
func (p PTE) Writable() bool { return p&PteWritable != 0 }

// COW reports whether the mapping is copy-on-write.
func (p PTE) COW() bool { return p&PteCOW != 0 }

// Frame returns the mapped frame number.
func (p PTE) Frame() mem.FrameNum { return mem.FrameNum(p >> mem.PageShift) }

// Perm returns just the permission bits.
func (p PTE) Perm() PTE { return p & permMask }

func makePTE(f mem.FrameNum, perm PTE) PTE {
	return PTE(f)<<mem.PageShift | (perm & permMask) | PtePresent
}

func dirIndex(va mem.VAddr) int { return int(va >> 22) }

func tableIndex(va mem.VAddr) int { return int(va>>mem.PageShift) & 0x3ff }
