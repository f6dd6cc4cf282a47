package core

import "time"

// AvgCount is the number of frames in the rolling frame-time average.
const AvgCount = 30

// FrameMetrics keeps a rolling frame-time average and a frames-per-second estimate.
// It is not safe for concurrent use; the telemetry collector guards it.
type FrameMetrics struct {
	frameAvgCounter    int
	msTimes            [AvgCount]float64
	samples            int
	msAvg              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64
}

func (m *FrameMetrics) Update(frameTime time.Duration) {
	frameMS := float64(frameTime) / float64(time.Millisecond)
	m.msTimes[m.frameAvgCounter] = frameMS
	if m.samples < AvgCount {
		m.samples++
	}
	m.frameAvgCounter = (m.frameAvgCounter + 1) % AvgCount

	var sum float64
	for i := 0; i < m.samples; i++ {
		sum += m.msTimes[i]
	}
	m.msAvg = sum / float64(m.samples)

	m.accumulatedFrameMS += frameMS
	m.frames++
	if m.accumulatedFrameMS > 1000 {
		m.fps = float64(m.frames)
		m.accumulatedFrameMS -= 1000
		m.frames = 0
	}
}

func (m *FrameMetrics) FPS() float64 {
	return m.fps
}

// FrameTime is the rolling average in milliseconds.
func (m *FrameMetrics) FrameTime() float64 {
	return m.msAvg
}

func (m *FrameMetrics) Frame() (float64, float64) {
	return m.fps, m.msAvg
}

func (m *FrameMetrics) Reset() {
	*m = FrameMetrics{}
}
