// ABOUTME: Mixing graph for the engine built from beep streamers
// ABOUTME: Tone tracks with per-track gain and enable feed a paused-able master volume
package engine

import (
	"math"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
)

// tone is an endless sine oscillator whose phase follows the play position
type tone struct {
	freq  float64
	rate  float64
	phase float64
}

func (t *tone) Stream(samples [][2]float64) (int, bool) {
	step := t.freq / t.rate
	for i := range samples {
		v := math.Sin(2 * math.Pi * t.phase)
		samples[i][0] = v
		samples[i][1] = v
		t.phase += step
		if t.phase >= 1 {
			t.phase -= math.Floor(t.phase)
		}
	}
	return len(samples), true
}

func (t *tone) Err() error {
	return nil
}

// seek aligns the phase with an absolute frame position
func (t *tone) seek(position int64) {
	cycles := float64(position) * t.freq / t.rate
	t.phase = cycles - math.Floor(cycles)
}

type track struct {
	osc  *tone
	ctrl *beep.Ctrl
	gain *effects.Volume
	g    float64
}

// graph is only touched by the audio thread
type graph struct {
	tracks []*track
	mixer  *beep.Mixer
	pause  *beep.Ctrl
	master *effects.Volume
}

func newGraph(rate int, freqs []float64, gain float64) *graph {
	g := &graph{mixer: &beep.Mixer{}}
	for _, f := range freqs {
		osc := &tone{freq: f, rate: float64(rate)}
		ctrl := &beep.Ctrl{Streamer: osc}
		vol := &effects.Volume{Streamer: ctrl, Base: 2}
		tr := &track{osc: osc, ctrl: ctrl, gain: vol}
		tr.setGain(gain)
		g.tracks = append(g.tracks, tr)
		g.mixer.Add(vol)
	}
	g.pause = &beep.Ctrl{Streamer: g.mixer, Paused: true}
	g.master = &effects.Volume{Streamer: g.pause, Base: 2}
	return g
}

// setVolume maps a linear gain onto beep's log-scale volume
func setVolume(v *effects.Volume, gain float64) {
	if gain <= 0 {
		v.Volume = 0
		v.Silent = true
		return
	}
	v.Volume = math.Log2(gain)
	v.Silent = false
}

func (t *track) setGain(gain float64) {
	t.g = gain
	setVolume(t.gain, gain)
}

func (g *graph) setPlaying(playing bool) {
	g.pause.Paused = !playing
}

func (g *graph) setMaster(volume float64, muted bool) {
	if muted {
		g.master.Silent = true
		return
	}
	setVolume(g.master, volume)
}

func (g *graph) seek(position int64) {
	for _, t := range g.tracks {
		t.osc.seek(position)
	}
}

func (g *graph) stream(samples [][2]float64) {
	n, _ := g.master.Stream(samples)
	// A drained graph renders silence
	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
}
