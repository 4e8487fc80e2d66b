package tms_robot

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestConfigValidateDefaults(t *testing.T) {
	cfg := &Config{Arm: "arm-1", ForceSensor: "ft"}

	deps, optional, err := cfg.Validate("services.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"arm-1", "ft"}, deps)
	assert.Nil(t, optional)

	assert.Equal(t, string(AlgorithmRadiallyOutward), cfg.MovementAlgorithm)
	require.NotNil(t, cfg.StopRobotIfHeadNotVisible)
	assert.True(t, *cfg.StopRobotIfHeadNotVisible)
	assert.Equal(t, defaultForceReadingKey, cfg.ForceReadingKey)
	assert.Nil(t, cfg.TuningIntervalSec)
	assert.Nil(t, cfg.SafeHeightMM)

	ctrl := cfg.ControllerConfig()
	assert.Equal(t, defaultControlTick, ctrl.ControlTick)
	assert.Equal(t, defaultMoveTimeout, ctrl.MoveTimeout)
	assert.Equal(t, defaultTargetTimeout, ctrl.TargetTimeout)
	assert.Equal(t, time.Duration(0), ctrl.TuningInterval)
	assert.Equal(t, defaultFrozenUpdateCount, ctrl.Filter.FrozenUpdateCount)
	assert.True(t, ctrl.Interlock.StopIfHeadNotVisible)
	assert.Contains(t, ctrl.Envelopes, ChannelForce)
	assert.NotContains(t, ctrl.Envelopes, ChannelPressure)
}

func TestConfigValidateSimulatedArmHasNoDependency(t *testing.T) {
	cfg := &Config{Arm: SimulatedArm}
	deps, _, err := cfg.Validate("services.0")
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing arm", cfg: Config{}},
		{name: "unknown algorithm", cfg: Config{Arm: "a", MovementAlgorithm: "sideways"}},
		{name: "directly_upward without safe height", cfg: Config{Arm: "a", MovementAlgorithm: "directly_upward"}},
		{name: "pid without gains", cfg: Config{Arm: "a", MovementAlgorithm: "directly_PID"}},
		{name: "speed ratio above one", cfg: Config{Arm: "a", DefaultSpeedRatio: 1.5}},
		{name: "negative dwell", cfg: Config{Arm: "a", DwellTimeSec: -1}},
		{name: "negative tuning interval", cfg: Config{Arm: "a", TuningIntervalSec: floatPtr(-1)}},
		{name: "warn above limit", cfg: Config{Arm: "a", ForceWarn: 10, ForceLimit: 5}},
		{name: "frozen count of one", cfg: Config{Arm: "a", FrozenUpdateCount: intPtr(1)}},
		{
			name: "force setpoint without gain",
			cfg: Config{
				Arm: "a", MovementAlgorithm: "directly_PID",
				PID: &PIDConfig{Kp: 1, ForceSetpoint: floatPtr(2)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			_, _, err := cfg.Validate("services.0")
			assert.Error(t, err)
		})
	}
}

func TestConfigValidateConfigurationErrorIsTyped(t *testing.T) {
	cfg := &Config{Arm: "a", MovementAlgorithm: "directly_upward"}
	_, _, err := cfg.Validate("services.0")
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestControllerConfigConversion(t *testing.T) {
	cfg := &Config{
		Arm:                   "a",
		MovementAlgorithm:     "directly_upward",
		SafeHeightMM:          floatPtr(300),
		DwellTimeSec:          0.5,
		TuningIntervalSec:     floatPtr(1),
		ControlRateHz:         10,
		MoveTimeoutSec:        2.5,
		WaitForConfirmation:   true,
		ComPortPressureSensor: "/dev/ttyUSB3",
		PressureWarn:          5,
		PressureLimit:         8,
	}
	_, _, err := cfg.Validate("services.0")
	require.NoError(t, err)

	ctrl := cfg.ControllerConfig()
	assert.Equal(t, AlgorithmDirectlyUpward, ctrl.Algorithm.Algorithm)
	require.NotNil(t, ctrl.Algorithm.SafeHeight)
	assert.Equal(t, 300.0, *ctrl.Algorithm.SafeHeight)
	assert.Equal(t, 500*time.Millisecond, ctrl.DwellTime)
	assert.Equal(t, time.Second, ctrl.TuningInterval)
	assert.Equal(t, 100*time.Millisecond, ctrl.ControlTick)
	assert.Equal(t, 2500*time.Millisecond, ctrl.MoveTimeout)
	assert.True(t, ctrl.Interlock.WaitForConfirmation)
	assert.Equal(t, defaultPressureBaudrate, cfg.PressureBaudrate)
	assert.Equal(t, Envelope{Warn: 5, Limit: 8}, ctrl.Envelopes[ChannelPressure])
}

func TestConfigHeadVisibilityPolicyCanBeDisabled(t *testing.T) {
	stop := false
	cfg := &Config{Arm: "a", StopRobotIfHeadNotVisible: &stop}
	_, _, err := cfg.Validate("services.0")
	require.NoError(t, err)
	assert.False(t, cfg.ControllerConfig().Interlock.StopIfHeadNotVisible)
}
