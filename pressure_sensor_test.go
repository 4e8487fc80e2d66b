package tms_robot

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestParsePressureLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected float64
		wantErr  bool
	}{
		{name: "bare number", line: "12.5", expected: 12.5},
		{name: "csv fields", line: "P,1,12.5", expected: 12.5},
		{name: "key value", line: "pressure=3.2", expected: 3.2},
		{name: "space separated pairs", line: "t=100 p=4", expected: 4},
		{name: "negative", line: "-0.75", expected: -0.75},
		{name: "not a number", line: "abc", wantErr: true},
		{name: "empty", line: "", wantErr: true},
		{name: "separators only", line: ", ;", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parsePressureLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}

	_, err := parsePressureLine("garbage")
	assert.True(t, errors.Is(err, ErrSensorFault))
}

func TestPressureReaderMonitor(t *testing.T) {
	port := newFakePort()
	m := pressureMonitor()
	reader := newPressureReader("/dev/ttyUSB0", port, clock.New(), logging.NewTestLogger(t))
	reader.subscribe(m)

	done := make(chan error, 1)
	go func() { done <- reader.Monitor(context.Background()) }()

	require.NoError(t, port.feed("1.5"))
	waitForPressure(t, m, 1.5)

	require.NoError(t, port.feed("oops"))
	require.Eventually(t, func() bool {
		r, ok := m.Latest(ChannelPressure)
		return ok && r.Err != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, LevelUnknown, m.Status().Level)

	require.NoError(t, port.feed("2"))
	waitForPressure(t, m, 2)

	// end of stream is published as a fault
	port.w.Close()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, io.EOF))
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not return at end of stream")
	}
	r, ok := m.Latest(ChannelPressure)
	require.True(t, ok)
	assert.Error(t, r.Err)
}

func TestPressureReaderMonitorStopsOnCancel(t *testing.T) {
	port := newFakePort()
	reader := newPressureReader("/dev/ttyUSB0", port, clock.New(), logging.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reader.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	require.NoError(t, reader.Close())
}
