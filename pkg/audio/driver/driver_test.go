// ABOUTME: Audio driver tests
// ABOUTME: Verifies registry selection and the headless driver's pull pacing
package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendsImplementDriver(t *testing.T) {
	var _ Driver = (*Oto)(nil)
	var _ Driver = (*Pulse)(nil)
	var _ Driver = (*Null)(nil)
	var _ Servicer = (*Null)(nil)
}

func TestRegistryContainsBuiltins(t *testing.T) {
	for _, name := range []string{"oto", "pulse", "null"} {
		assert.True(t, IsRegistered(name), name)
	}
	assert.Equal(t, MalgoAvailable, IsRegistered("malgo"))
}

func TestNewUnknown(t *testing.T) {
	_, err := New("jack")
	assert.True(t, errors.Is(err, ErrUnknownDriver))
}

func TestNewNamed(t *testing.T) {
	drv, err := New("null")
	require.NoError(t, err)
	assert.Equal(t, "null", drv.Name())
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		goos  string
		first string
	}{
		{"linux", "pulse"},
		{"js", "oto"},
		{"plan9", "oto"},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			c := Candidates(tt.goos)
			require.NotEmpty(t, c)
			assert.Equal(t, tt.first, c[0])
			assert.NotContains(t, c, "null")
		})
	}

	darwin := Candidates("darwin")
	if MalgoAvailable {
		assert.Equal(t, []string{"malgo", "oto"}, darwin)
	} else {
		assert.Equal(t, []string{"oto"}, darwin)
	}
	assert.Equal(t, darwin[0], Select("darwin"))
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func TestNullPullsAtSampleRate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	n := NewNull(WithNullClock(clock.now))

	var calls, frames int
	err := n.Open(Spec{Format: audio.Format{SampleRate: 48000, Channels: 2}, BufferFrames: 128}, func(out []float32, f int) {
		assert.Len(t, out, f*2)
		assert.LessOrEqual(t, f, 128)
		calls++
		frames += f
	})
	require.NoError(t, err)

	clock.t = clock.t.Add(10 * time.Millisecond)
	n.Service()
	assert.Equal(t, 480, frames)
	assert.Equal(t, 4, calls)
	assert.Equal(t, uint64(480), n.Pulled())

	// No time passed, nothing owed
	n.Service()
	assert.Equal(t, 480, frames)
}

func TestNullOpenTwice(t *testing.T) {
	n := NewNull()
	spec := Spec{Format: audio.DefaultFormat(), BufferFrames: 64}
	require.NoError(t, n.Open(spec, func([]float32, int) {}))
	assert.ErrorIs(t, n.Open(spec, func([]float32, int) {}), ErrAlreadyOpen)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, uint64(1), n.Closes())
}

func TestNullRejectsBadFormat(t *testing.T) {
	n := NewNull()
	err := n.Open(Spec{Format: audio.Format{SampleRate: 0, Channels: 2}}, func([]float32, int) {})
	assert.ErrorIs(t, err, audio.ErrInvalidFormat)
}

func TestOtoReaderEncodesFloat32LE(t *testing.T) {
	r := newOtoReader(Spec{Format: audio.Format{SampleRate: 48000, Channels: 1}, BufferFrames: 2}, func(out []float32, frames int) {
		for i := range out {
			out[i] = 1
		}
	})

	p := make([]byte, 16)
	n, err := r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	// 1.0f little-endian
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, p[:4])
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, p[12:16])
}
