// Package image loads boot-image descriptors: the entry point and ordered
// segment list consumed by environment creation.
//
// Images come from a YAML manifest. Segment payloads live in separate files
// next to the manifest and may be gzip-compressed.
package image

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/klauspost/compress/gzip"

	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// Segment is one mappable region of a binary image.
type Segment struct {
	VA       mem.VAddr
	Pages    int
	Perm     vm.PTE
	ZeroFill bool
	Data     []byte
}

// Binary is a loaded image: what environment creation maps into a fresh
// address space.
type Binary struct {
	Name     string
	Entry    string
	Kernel   bool
	Segments []Segment
}

// Manifest describes the environments to create at boot.
type Manifest struct {
	Environments []EnvSpec `yaml:"environments"`
}

// EnvSpec is one manifest entry.
type EnvSpec struct {
	Name     string        `yaml:"name"`
	Entry    string        `yaml:"entry"`
	Kernel   bool          `yaml:"kernel"`
	Segments []SegmentSpec `yaml:"segments"`
}

// SegmentSpec is one segment in the manifest.
type SegmentSpec struct {
	VA      uint32 `yaml:"va"`
	Pages   int    `yaml:"pages"`
	Perm    string `yaml:"perm"`
	Zero    bool   `yaml:"zero"`
	Payload string `yaml:"payload"`
}

// Load parses a boot manifest.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Binaries resolves the manifest into loadable images, reading segment
// payloads relative to baseDir.
func (m *Manifest) Binaries(baseDir string) ([]Binary, error) {
	bins := make([]Binary, 0, len(m.Environments))
	for _, es := range m.Environments {
		bin := Binary{Name: es.Name, Entry: es.Entry, Kernel: es.Kernel}
		for _, ss := range es.Segments {
			seg, err := ss.resolve(baseDir)
			if err != nil {
				return nil, fmt.Errorf("environment %q: %w", es.Name, err)
			}
			bin.Segments = append(bin.Segments, seg)
		}
		bins = append(bins, bin)
	}
	return bins, nil
}

func (ss SegmentSpec) resolve(baseDir string) (Segment, error) {
	perm, err := ParsePerm(ss.Perm)
	if err != nil {
		return Segment{}, err
	}
	seg := Segment{
		VA:       mem.VAddr(ss.VA),
		Pages:    ss.Pages,
		Perm:     perm,
		ZeroFill: ss.Zero,
	}
	if !mem.PageAligned(seg.VA) {
		return Segment{}, fmt.Errorf("segment at %#x not page aligned: %w", ss.VA, kerrors.ErrInvalidArgument)
	}
	if ss.Zero && ss.Payload != "" {
		return Segment{}, fmt.Errorf("zero-fill segment at %#x names a payload: %w", ss.VA, kerrors.ErrInvalidArgument)
	}
	if ss.Payload != "" {
		data, err := readPayload(filepath.Join(baseDir, ss.Payload))
		if err != nil {
			return Segment{}, err
		}
		seg.Data = data
	}
	if seg.Pages == 0 {
		seg.Pages = int(mem.PageRoundUp(mem.VAddr(len(seg.Data))) / mem.PageSize)
	}
	if seg.Pages == 0 {
		return Segment{}, fmt.Errorf("segment at %#x has no size: %w", ss.VA, kerrors.ErrInvalidArgument)
	}
	return seg, nil
}

func readPayload(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment payload: %w", err)
	}
	defer f.Close()

	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("segment payload %s: %w", path, err)
		}
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("segment payload %s: %w", path, err)
		}
		return data, nil
	}
	return io.ReadAll(f)
}

// ParsePerm converts a manifest permission string to page permission bits.
func ParsePerm(s string) (vm.PTE, error) {
	switch s {
	case "", "r":
		return vm.PteUser, nil
	case "rw":
		return vm.PteUser | vm.PteWritable, nil
	default:
		return 0, fmt.Errorf("permission %q: %w", s, kerrors.ErrInvalidArgument)
	}
}
