package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
environments:
  - name: init
    entry: initmain
    kernel: true
  - name: demo
    entry: demomain
    segments:
      - va: 0x1000
        pages: 2
        perm: rw
        zero: true
`)

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Environments, 2)
	assert.True(t, m.Environments[0].Kernel)
	assert.Equal(t, "demomain", m.Environments[1].Entry)

	bins, err := m.Binaries(dir)
	require.NoError(t, err)
	require.Len(t, bins, 2)
	assert.Empty(t, bins[0].Segments)

	seg := bins[1].Segments[0]
	assert.Equal(t, mem.VAddr(0x1000), seg.VA)
	assert.Equal(t, 2, seg.Pages)
	assert.True(t, seg.Perm.Writable())
	assert.True(t, seg.ZeroFill)
}

func TestSegmentPayload(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("segment bytes")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), payload, 0o644))
	path := writeManifest(t, dir, `
environments:
  - name: demo
    entry: demo
    segments:
      - va: 0x2000
        perm: r
        payload: data.bin
`)

	m, err := Load(path)
	require.NoError(t, err)
	bins, err := m.Binaries(dir)
	require.NoError(t, err)

	seg := bins[0].Segments[0]
	assert.Equal(t, payload, seg.Data)
	// Page count is derived from the payload when unspecified.
	assert.Equal(t, 1, seg.Pages)
	assert.False(t, seg.Perm.Writable())
}

func TestGzipPayload(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("compressed segment")

	f, err := os.Create(filepath.Join(dir, "data.bin.gz"))
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	path := writeManifest(t, dir, `
environments:
  - name: demo
    entry: demo
    segments:
      - va: 0x2000
        perm: r
        payload: data.bin.gz
`)
	m, err := Load(path)
	require.NoError(t, err)
	bins, err := m.Binaries(dir)
	require.NoError(t, err)
	assert.Equal(t, payload, bins[0].Segments[0].Data)
}

func TestMisalignedSegmentRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
environments:
  - name: demo
    entry: demo
    segments:
      - va: 0x1004
        pages: 1
        perm: r
`)
	m, err := Load(path)
	require.NoError(t, err)
	_, err = m.Binaries(dir)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
}

func TestEmptySegmentRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
environments:
  - name: demo
    entry: demo
    segments:
      - va: 0x1000
        perm: r
`)
	m, err := Load(path)
	require.NoError(t, err)
	_, err = m.Binaries(dir)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
}

func TestZeroFillSegmentRejectsPayload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte("x"), 0o644))
	path := writeManifest(t, dir, `
environments:
  - name: demo
    entry: demo
    segments:
      - va: 0x1000
        pages: 1
        perm: rw
        zero: true
        payload: data.bin
`)
	m, err := Load(path)
	require.NoError(t, err)
	_, err = m.Binaries(dir)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
}

func TestParsePerm(t *testing.T) {
	p, err := ParsePerm("")
	require.NoError(t, err)
	assert.Equal(t, vm.PteUser, p)

	p, err = ParsePerm("rw")
	require.NoError(t, err)
	assert.True(t, p.Writable())

	_, err = ParsePerm("rwx")
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
