package tms_robot

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// SensorChannel identifies a monitored sensor.
type SensorChannel string

const (
	ChannelForce    SensorChannel = "force"
	ChannelPressure SensorChannel = "pressure"
)

// SensorReading is one sample from a sensor. Err is set when the sensor reported a fault.
type SensorReading struct {
	Channel   SensorChannel
	Value     float64
	Timestamp time.Time
	Err       error
}

// Envelope bounds the magnitude of a reading. Above Warn motion is attenuated, above
// Limit it is refused. A zero bound is disabled.
type Envelope struct {
	Warn  float64
	Limit float64
}

// EnvelopeLevel grades a sensor against its envelope.
type EnvelopeLevel int

const (
	LevelSafe EnvelopeLevel = iota
	LevelAttenuate
	LevelExceeded
	LevelUnknown
)

func (l EnvelopeLevel) String() string {
	switch l {
	case LevelSafe:
		return "safe"
	case LevelAttenuate:
		return "attenuate"
	case LevelExceeded:
		return "exceeded"
	case LevelUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// EnvelopeStatus is the worst grade across all monitored channels.
type EnvelopeStatus struct {
	Level   EnvelopeLevel
	Channel SensorChannel
	Value   float64
	Reason  error
}

// SensorMonitor keeps the latest reading of each enabled sensor and grades them against
// their envelopes. Readers feed it from their own goroutines.
type SensorMonitor struct {
	clock     clock.Clock
	freshness time.Duration
	envelopes map[SensorChannel]Envelope

	mu     sync.RWMutex
	latest map[SensorChannel]SensorReading
}

// NewSensorMonitor monitors the given channels. With no channels every status is safe.
func NewSensorMonitor(envelopes map[SensorChannel]Envelope, freshness time.Duration, clk clock.Clock) *SensorMonitor {
	return &SensorMonitor{
		clock:     clk,
		freshness: freshness,
		envelopes: envelopes,
		latest:    make(map[SensorChannel]SensorReading),
	}
}

// Enabled reports whether the channel is monitored.
func (m *SensorMonitor) Enabled(ch SensorChannel) bool {
	_, ok := m.envelopes[ch]
	return ok
}

// Record stores a reading. Readings for channels that are not monitored are dropped.
func (m *SensorMonitor) Record(r SensorReading) {
	if !m.Enabled(r.Channel) {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[r.Channel] = r
}

// Latest returns the last reading of a channel, fresh or not.
func (m *SensorMonitor) Latest(ch SensorChannel) (SensorReading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.latest[ch]
	return r, ok
}

// FreshValue returns the last valid reading of a channel if it is within the freshness window.
func (m *SensorMonitor) FreshValue(ch SensorChannel) *float64 {
	r, ok := m.Latest(ch)
	if !ok || r.Err != nil || m.stale(r) {
		return nil
	}
	v := r.Value
	return &v
}

func (m *SensorMonitor) stale(r SensorReading) bool {
	return m.freshness > 0 && m.clock.Since(r.Timestamp) > m.freshness
}

// Status grades every monitored channel and returns the worst one.
func (m *SensorMonitor) Status() EnvelopeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	worst := EnvelopeStatus{Level: LevelSafe}
	for ch, env := range m.envelopes {
		st := m.grade(ch, env)
		if st.Level > worst.Level {
			worst = st
		}
	}
	return worst
}

func (m *SensorMonitor) grade(ch SensorChannel, env Envelope) EnvelopeStatus {
	r, ok := m.latest[ch]
	switch {
	case !ok:
		return EnvelopeStatus{Level: LevelUnknown, Channel: ch, Reason: errors.Wrapf(ErrSensorStale, "no %s reading yet", ch)}
	case r.Err != nil:
		return EnvelopeStatus{Level: LevelUnknown, Channel: ch, Reason: errors.Wrapf(ErrSensorFault, "%s: %v", ch, r.Err)}
	case m.stale(r):
		return EnvelopeStatus{
			Level: LevelUnknown, Channel: ch, Value: r.Value,
			Reason: errors.Wrapf(ErrSensorStale, "%s reading is %v old", ch, m.clock.Since(r.Timestamp)),
		}
	}

	mag := math.Abs(r.Value)
	switch {
	case env.Limit > 0 && mag > env.Limit:
		return EnvelopeStatus{
			Level: LevelExceeded, Channel: ch, Value: r.Value,
			Reason: errors.Wrapf(ErrSafetyEnvelope, "%s %.2f above limit %.2f", ch, r.Value, env.Limit),
		}
	case env.Warn > 0 && mag > env.Warn:
		return EnvelopeStatus{Level: LevelAttenuate, Channel: ch, Value: r.Value}
	default:
		return EnvelopeStatus{Level: LevelSafe, Channel: ch, Value: r.Value}
	}
}
