package mem

// VAddr is a user virtual address. The simulated MMU is 32-bit, two-level,
// matching the page-table geometry the rest of the kernel assumes.
type VAddr uint32

// FrameNum indexes a physical frame in the arena.
type FrameNum uint32

// NoFrame is the sentinel for "no frame".
const NoFrame = ^FrameNum(0)

const (
	// PageSize is the size of one frame and one virtual page.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12
)

// User address-space layout. Everything at or above UTop belongs to the kernel
// and is rejected by every syscall that takes an address argument.
const (
	// UTop is the per-environment address ceiling.
	UTop VAddr = 0xee00_0000

	// UXStackTop bounds the exception stack: the single page below it backs an
	// environment's fault upcall and is never shared or COW-marked.
	UXStackTop VAddr = UTop

	// UStackTop bounds the normal user stack, with one unmapped guard page
	// between it and the exception stack.
	UStackTop VAddr = UTop - 2*PageSize

	// PFTemp is the staging page the user fault handler maps while copying a
	// faulted page's contents.
	PFTemp VAddr = 0x0040_0000
)

// PageAligned reports whether va is page-aligned.
func PageAligned(va VAddr) bool { return va%PageSize == 0 }

// PageRoundDown rounds va down to a page boundary.
func PageRoundDown(va VAddr) VAddr { return va &^ (PageSize - 1) }

// PageRoundUp rounds va up to a page boundary.
func PageRoundUp(va VAddr) VAddr { return (va + PageSize - 1) &^ (PageSize - 1) }
