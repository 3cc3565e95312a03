// Package audio provides device classification and real-time level metering.
package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

const (
	// LevelGain amplifies buffer RMS so typical system audio fills the meter.
	LevelGain = 5.0
	// PeakDecay is the multiplicative decay applied to the peak per quiet update.
	PeakDecay = 0.95
	// MaxSampleValue is the full-scale magnitude of a 16-bit signed sample.
	MaxSampleValue = 32768.0
)

// LevelData holds raw sample accumulator data for level calculation.
type LevelData struct {
	SumSquares  float64
	SampleCount int
}

// ProcessSamples accumulates S16LE PCM data (any channel count, interleaved).
// Samples are normalized to [-1,1] before squaring.
func ProcessSamples(buf []byte, data *LevelData) {
	for i := 0; i+1 < len(buf); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(buf[i:]))) / MaxSampleValue
		data.SumSquares += s * s
		data.SampleCount++
	}
}

// RMS returns the root-mean-square amplitude of the accumulated samples.
func (d *LevelData) RMS() float64 {
	if d.SampleCount == 0 {
		return 0
	}
	return math.Sqrt(d.SumSquares / float64(d.SampleCount))
}

// Reset resets accumulators for the next buffer.
func (d *LevelData) Reset() {
	d.SumSquares = 0
	d.SampleCount = 0
}

// LevelMeter tracks the current level and a decaying peak envelope.
//
// Update must be called from a single goroutine (the audio callback).
// Levels may be called from any goroutine; the pair is published with a
// single atomic store so readers never block the writer.
type LevelMeter struct {
	packed atomic.Uint64
}

// Update processes one S16LE buffer and publishes the new levels.
func (m *LevelMeter) Update(buf []byte) Levels {
	var data LevelData
	ProcessSamples(buf, &data)
	return m.UpdateRMS(data.RMS())
}

// UpdateRMS applies gain, clamping and peak decay for a buffer with the given RMS.
func (m *LevelMeter) UpdateRMS(rms float64) Levels {
	current := clamp01(rms * LevelGain)
	prev := m.Levels()

	peak := prev.Peak * PeakDecay
	if current > prev.Peak {
		peak = current
	}
	peak = clamp01(peak)

	m.packed.Store(pack(current, peak))
	return Levels{Current: float64(float32(current)), Peak: float64(float32(peak))}
}

// Levels returns the most recently published reading.
func (m *LevelMeter) Levels() Levels {
	current, peak := unpack(m.packed.Load())
	return Levels{Current: current, Peak: peak}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return min(v, 1)
}

// pack stores both readings as float32 halves of one word.
func pack(current, peak float64) uint64 {
	return uint64(math.Float32bits(float32(current)))<<32 | uint64(math.Float32bits(float32(peak)))
}

func unpack(v uint64) (current, peak float64) {
	return float64(math.Float32frombits(uint32(v >> 32))), float64(math.Float32frombits(uint32(v)))
}
