package monitor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
)

func TestFatalRecordsAndPrints(t *testing.T) {
	var console bytes.Buffer
	m := New(&console, klock.New("console"), logging.NewNop())
	require.False(t, m.Active())

	snap := Snapshot{
		Env:         42,
		FaultVA:     0x1004,
		FramesFree:  7,
		FramesTotal: 16,
		Envs: []env.Info{
			{ID: 42, Status: "running", CPU: 0, Runs: 3, Name: "victim"},
		},
	}
	r := m.Fatal(0, "page fault in kernel", snap)

	assert.True(t, m.Active())
	assert.NotEmpty(t, r.ID)
	assert.Contains(t, console.String(), "kernel panic on cpu 0: page fault in kernel")
	assert.Contains(t, console.String(), "victim")

	reports := m.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, r.ID, reports[0].ID)
	assert.Equal(t, env.ID(42), reports[0].Snap.Env)
}

func TestReportsAccumulate(t *testing.T) {
	m := New(&bytes.Buffer{}, klock.New("console"), logging.NewNop())
	m.Fatal(0, "first", Snapshot{})
	m.Fatal(1, "second", Snapshot{})

	reports := m.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "first", reports[0].Reason)
	assert.Equal(t, "second", reports[1].Reason)
}
