// ABOUTME: Tests for the SPSC ring buffer
// ABOUTME: Covers partial writes, zero-fill on underrun, wraparound and concurrent use
package audio

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(n, channels int, start float32) []float32 {
	out := make([]float32, n*channels)
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = start + float32(i)
		}
	}
	return out
}

func TestRingBufferPartialWrite(t *testing.T) {
	rb := NewRingBuffer(512, 2)

	require.Equal(t, 300, rb.Write(frames(300, 2, 0)))
	require.Equal(t, 212, rb.Write(frames(300, 2, 300)))
	assert.Equal(t, 0, rb.Free())

	out := rb.ReadFrames(512)
	require.Len(t, out, 1024)
	for i := 0; i < 512; i++ {
		assert.Equal(t, float32(i), out[i*2], "frame %d", i)
	}
	assert.Equal(t, uint64(0), rb.Underruns())
	assert.Equal(t, 0, rb.Available())
}

func TestRingBufferUnderrunZeroFills(t *testing.T) {
	rb := NewRingBuffer(64, 1)
	rb.Write(frames(10, 1, 1))

	out := make([]float32, 32)
	for i := range out {
		out[i] = 9
	}

	n := rb.Read(out)
	require.Equal(t, 10, n)
	for i := 0; i < 10; i++ {
		assert.Equal(t, float32(i+1), out[i])
	}
	for i := 10; i < 32; i++ {
		assert.Zero(t, out[i], "sample %d not silenced", i)
	}
	assert.Equal(t, uint64(1), rb.Underruns())
	assert.Equal(t, uint64(22), rb.MissedFrames())
}

func TestRingBufferReadEmptyNeverBlocks(t *testing.T) {
	rb := NewRingBuffer(16, 2)
	out := make([]float32, 8)
	assert.Equal(t, 0, rb.Read(out))
	assert.Equal(t, make([]float32, 8), out)
}

func TestRingBufferWraparound(t *testing.T) {
	rb := NewRingBuffer(8, 2)
	out := make([]float32, 6*2)

	next := float32(0)
	for round := 0; round < 10; round++ {
		require.Equal(t, 6, rb.Write(frames(6, 2, next)))
		require.Equal(t, 6, rb.Read(out))
		for i := 0; i < 6; i++ {
			assert.Equal(t, next+float32(i), out[i*2])
			assert.Equal(t, next+float32(i), out[i*2+1])
		}
		next += 6
	}
	assert.Equal(t, uint64(60), rb.TotalRead())
}

func TestRingBufferIgnoresPartialFrame(t *testing.T) {
	rb := NewRingBuffer(8, 2)
	assert.Equal(t, 1, rb.Write([]float32{1, 2, 3}))
	assert.Equal(t, 1, rb.Available())
}

func TestRingBufferReset(t *testing.T) {
	rb := NewRingBuffer(8, 1)
	rb.Write(frames(5, 1, 0))
	rb.Read(make([]float32, 8))
	rb.Reset()

	assert.Equal(t, 0, rb.Available())
	assert.Equal(t, 8, rb.Free())
	assert.Equal(t, uint64(0), rb.Underruns())
}

func TestRingBufferConcurrentNeverReadsPastWrites(t *testing.T) {
	rb := NewRingBuffer(128, 2)
	const total = 50000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1))
		next := 0
		for next < total {
			n := 1 + rng.Intn(40)
			if next+n > total {
				n = total - next
			}
			next += rb.Write(frames(n, 2, float32(next)))
		}
	}()

	var got []float32
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(2))
		out := make([]float32, 64*2)
		for len(got) < total {
			n := 1 + rng.Intn(64)
			read := rb.Read(out[:n*2])
			assert.LessOrEqual(t, rb.TotalRead(), rb.TotalWritten())
			for i := 0; i < read; i++ {
				got = append(got, out[i*2])
			}
		}
	}()

	wg.Wait()
	require.Len(t, got, total)
	for i, v := range got {
		if v != float32(i) {
			t.Fatalf("frame %d: expected %d, got %v", i, i, v)
		}
	}
}
