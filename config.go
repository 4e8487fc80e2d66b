package tms_robot

import (
	"fmt"
	"math"
	"time"
)

const (
	defaultControlTick            = 50 * time.Millisecond
	defaultMoveTimeout            = 10 * time.Second
	defaultTargetTimeout          = 300 * time.Millisecond
	defaultMaxConsecutiveTimeouts = 3
	defaultFrozenUpdateCount      = 20
	defaultPressureBaudrate       = 115200
	defaultForceReadingKey        = "force"

	// SimulatedArm selects the in-memory robot instead of an arm dependency.
	SimulatedArm = "simulated"
	// AutoPort asks the module to find the pressure sensor's serial port.
	AutoPort = "auto"
)

// PIDConfig is the JSON form of PIDGains.
type PIDConfig struct {
	Kp                   float64  `json:"kp"`
	Ki                   float64  `json:"ki,omitempty"`
	Kd                   float64  `json:"kd,omitempty"`
	MaxTranslationStepMM float64  `json:"max_translation_step_mm,omitempty"`
	MaxRotationStepDeg   float64  `json:"max_rotation_step_deg,omitempty"`
	DeadbandMM           float64  `json:"deadband_mm,omitempty"`
	DeadbandDeg          float64  `json:"deadband_deg,omitempty"`
	IntegralLimit        float64  `json:"integral_limit,omitempty"`
	ForceSetpoint        *float64 `json:"force_setpoint,omitempty"`
	ForceGain            float64  `json:"force_gain,omitempty"`
}

// Config is the attribute block of the coil controller service.
type Config struct {
	Arm             string `json:"arm"`
	ForceSensor     string `json:"force_sensor,omitempty"`
	ForceReadingKey string `json:"force_reading_key,omitempty"`

	ComPortPressureSensor string `json:"com_port_pressure_sensor,omitempty"` // device path or "auto"
	PressureBaudrate      int    `json:"pressure_baudrate,omitempty"`

	NavigationURL string `json:"navigation_url,omitempty"` // ws:// endpoint of the neuronavigation relay

	MovementAlgorithm string `json:"movement_algorithm,omitempty"`

	TranslationThresholdMM float64  `json:"translation_threshold_mm,omitempty"`
	RotationThresholdDeg   float64  `json:"rotation_threshold_deg,omitempty"`
	DwellTimeSec           float64  `json:"dwell_time_sec,omitempty"`
	TuningIntervalSec      *float64 `json:"tuning_interval_sec,omitempty"`
	SafeHeightMM           *float64 `json:"safe_height_mm,omitempty"`

	StopRobotIfHeadNotVisible *bool `json:"stop_robot_if_head_not_visible,omitempty"`
	WaitForConfirmation       bool  `json:"wait_for_confirmation,omitempty"`

	DefaultSpeedRatio float64 `json:"default_speed_ratio,omitempty"`
	TuningSpeedRatio  float64 `json:"tuning_speed_ratio,omitempty"`
	RetreatSpeedRatio float64 `json:"retreat_speed_ratio,omitempty"`

	RetractDistanceMM    float64 `json:"retract_distance_mm,omitempty"`
	RetreatDistanceMM    float64 `json:"retreat_distance_mm,omitempty"`
	WorkingSpaceRadiusMM float64 `json:"working_space_radius_mm,omitempty"`

	ControlRateHz          float64  `json:"control_rate_hz,omitempty"`
	MoveTimeoutSec         float64  `json:"move_timeout_sec,omitempty"`
	TargetTimeoutSec       *float64 `json:"target_timeout_sec,omitempty"`
	MaxConsecutiveTimeouts int      `json:"max_consecutive_timeouts,omitempty"`

	SmoothingFactor   float64 `json:"smoothing_factor,omitempty"`
	FrozenUpdateCount *int    `json:"frozen_update_count,omitempty"`

	SensorFreshnessSec float64 `json:"sensor_freshness_sec,omitempty"`
	ForceWarn          float64 `json:"force_warn,omitempty"`
	ForceLimit         float64 `json:"force_limit,omitempty"`
	PressureWarn       float64 `json:"pressure_warn,omitempty"`
	PressureLimit      float64 `json:"pressure_limit,omitempty"`
	AttenuationFactor  float64 `json:"attenuation_factor,omitempty"`

	PID *PIDConfig `json:"pid,omitempty"`

	Verbose bool `json:"verbose,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults. It returns the
// arm and force sensor as required dependencies.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Arm == "" {
		return nil, nil, fmt.Errorf("%s: must specify arm (or %q)", path, SimulatedArm)
	}

	// Set defaults
	if cfg.MovementAlgorithm == "" {
		cfg.MovementAlgorithm = string(AlgorithmRadiallyOutward)
	}
	if cfg.TranslationThresholdMM == 0 {
		cfg.TranslationThresholdMM = 2
	}
	if cfg.RotationThresholdDeg == 0 {
		cfg.RotationThresholdDeg = 2
	}
	if cfg.StopRobotIfHeadNotVisible == nil {
		stop := true
		cfg.StopRobotIfHeadNotVisible = &stop
	}
	if cfg.DefaultSpeedRatio == 0 {
		cfg.DefaultSpeedRatio = 0.1
	}
	if cfg.TuningSpeedRatio == 0 {
		cfg.TuningSpeedRatio = cfg.DefaultSpeedRatio
	}
	if cfg.RetreatSpeedRatio == 0 {
		cfg.RetreatSpeedRatio = cfg.DefaultSpeedRatio
	}
	if cfg.RetreatDistanceMM == 0 {
		cfg.RetreatDistanceMM = 50
	}
	if cfg.ControlRateHz == 0 {
		cfg.ControlRateHz = float64(time.Second / defaultControlTick)
	}
	if cfg.MoveTimeoutSec == 0 {
		cfg.MoveTimeoutSec = defaultMoveTimeout.Seconds()
	}
	if cfg.TargetTimeoutSec == nil {
		t := defaultTargetTimeout.Seconds()
		cfg.TargetTimeoutSec = &t
	}
	if cfg.MaxConsecutiveTimeouts == 0 {
		cfg.MaxConsecutiveTimeouts = defaultMaxConsecutiveTimeouts
	}
	if cfg.SmoothingFactor == 0 {
		cfg.SmoothingFactor = 1
	}
	if cfg.FrozenUpdateCount == nil {
		n := defaultFrozenUpdateCount
		cfg.FrozenUpdateCount = &n
	}
	if cfg.SensorFreshnessSec == 0 {
		cfg.SensorFreshnessSec = 0.5
	}
	if cfg.AttenuationFactor == 0 {
		cfg.AttenuationFactor = 0.5
	}
	if cfg.ComPortPressureSensor != "" && cfg.PressureBaudrate == 0 {
		cfg.PressureBaudrate = defaultPressureBaudrate
	}
	if cfg.ForceSensor != "" && cfg.ForceReadingKey == "" {
		cfg.ForceReadingKey = defaultForceReadingKey
	}

	// Validate ranges
	switch Algorithm(cfg.MovementAlgorithm) {
	case AlgorithmRadiallyOutward, AlgorithmDirectlyUpward:
	case AlgorithmDirectlyPID:
		if cfg.PID == nil || cfg.PID.Kp <= 0 {
			return nil, nil, configErrorf("%s: movement_algorithm %s requires a pid block with positive kp", path, cfg.MovementAlgorithm)
		}
		if cfg.PID.MaxTranslationStepMM == 0 {
			cfg.PID.MaxTranslationStepMM = 2
		}
		if cfg.PID.MaxRotationStepDeg == 0 {
			cfg.PID.MaxRotationStepDeg = 1
		}
		if cfg.PID.ForceSetpoint != nil && cfg.PID.ForceGain == 0 {
			return nil, nil, configErrorf("%s: pid.force_setpoint requires pid.force_gain", path)
		}
	default:
		return nil, nil, configErrorf("%s: unknown movement_algorithm %q", path, cfg.MovementAlgorithm)
	}
	if Algorithm(cfg.MovementAlgorithm) == AlgorithmDirectlyUpward && cfg.SafeHeightMM == nil {
		return nil, nil, configErrorf("%s: movement_algorithm %s requires safe_height_mm", path, cfg.MovementAlgorithm)
	}
	for name, r := range map[string]float64{
		"default_speed_ratio": cfg.DefaultSpeedRatio,
		"tuning_speed_ratio":  cfg.TuningSpeedRatio,
		"retreat_speed_ratio": cfg.RetreatSpeedRatio,
		"attenuation_factor":  cfg.AttenuationFactor,
		"smoothing_factor":    cfg.SmoothingFactor,
	} {
		if r <= 0 || r > 1 {
			return nil, nil, configErrorf("%s: %s must be in (0, 1], got %v", path, name, r)
		}
	}
	for name, v := range map[string]float64{
		"translation_threshold_mm": cfg.TranslationThresholdMM,
		"rotation_threshold_deg":   cfg.RotationThresholdDeg,
		"dwell_time_sec":           cfg.DwellTimeSec,
		"retract_distance_mm":      cfg.RetractDistanceMM,
		"retreat_distance_mm":      cfg.RetreatDistanceMM,
		"working_space_radius_mm":  cfg.WorkingSpaceRadiusMM,
		"control_rate_hz":          cfg.ControlRateHz,
		"move_timeout_sec":         cfg.MoveTimeoutSec,
		"target_timeout_sec":       *cfg.TargetTimeoutSec,
		"sensor_freshness_sec":     cfg.SensorFreshnessSec,
	} {
		if v < 0 {
			return nil, nil, configErrorf("%s: %s must not be negative, got %v", path, name, v)
		}
	}
	if cfg.TuningIntervalSec != nil && *cfg.TuningIntervalSec < 0 {
		return nil, nil, configErrorf("%s: tuning_interval_sec must not be negative", path)
	}
	if n := *cfg.FrozenUpdateCount; n < 0 || n == 1 {
		return nil, nil, configErrorf("%s: frozen_update_count must be 0 (disabled) or at least 2, got %d", path, n)
	}
	if cfg.ControlRateHz == 0 || cfg.MoveTimeoutSec == 0 {
		return nil, nil, configErrorf("%s: control_rate_hz and move_timeout_sec must be positive", path)
	}
	if cfg.ForceWarn > 0 && cfg.ForceLimit > 0 && cfg.ForceWarn > cfg.ForceLimit {
		return nil, nil, configErrorf("%s: force_warn must not exceed force_limit", path)
	}
	if cfg.PressureWarn > 0 && cfg.PressureLimit > 0 && cfg.PressureWarn > cfg.PressureLimit {
		return nil, nil, configErrorf("%s: pressure_warn must not exceed pressure_limit", path)
	}

	var deps []string
	if cfg.Arm != SimulatedArm {
		deps = append(deps, cfg.Arm)
	}
	if cfg.ForceSensor != "" {
		deps = append(deps, cfg.ForceSensor)
	}
	return deps, nil, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// ControllerConfig is the validated configuration in the form the control loop uses.
type ControllerConfig struct {
	Algorithm  AlgorithmConfig
	Thresholds Thresholds
	Filter     FilterConfig
	Interlock  InterlockConfig

	DwellTime      time.Duration
	TuningInterval time.Duration // 0 disables tuning
	ControlTick    time.Duration
	MoveTimeout    time.Duration
	TargetTimeout  time.Duration // 0 disables the age check

	MaxConsecutiveTimeouts int

	SensorFreshness time.Duration
	Envelopes       map[SensorChannel]Envelope

	Verbose bool
}

// ControllerConfig converts a validated Config. Call Validate first.
func (cfg *Config) ControllerConfig() ControllerConfig {
	out := ControllerConfig{
		Algorithm: AlgorithmConfig{
			Algorithm:          Algorithm(cfg.MovementAlgorithm),
			DefaultSpeedRatio:  cfg.DefaultSpeedRatio,
			TuningSpeedRatio:   cfg.TuningSpeedRatio,
			RetreatSpeedRatio:  cfg.RetreatSpeedRatio,
			SafeHeight:         cfg.SafeHeightMM,
			RetractDistance:    cfg.RetractDistanceMM,
			RetreatDistance:    cfg.RetreatDistanceMM,
			WorkingSpaceRadius: cfg.WorkingSpaceRadiusMM,
		},
		Thresholds: Thresholds{TranslationMM: cfg.TranslationThresholdMM, RotationDeg: cfg.RotationThresholdDeg},
		Filter:     FilterConfig{SmoothingFactor: cfg.SmoothingFactor},
		Interlock: InterlockConfig{
			WaitForConfirmation: cfg.WaitForConfirmation,
			AttenuationFactor:   cfg.AttenuationFactor,
		},
		DwellTime:              seconds(cfg.DwellTimeSec),
		ControlTick:            seconds(1 / cfg.ControlRateHz),
		MoveTimeout:            seconds(cfg.MoveTimeoutSec),
		MaxConsecutiveTimeouts: cfg.MaxConsecutiveTimeouts,
		SensorFreshness:        seconds(cfg.SensorFreshnessSec),
		Envelopes:              map[SensorChannel]Envelope{},
		Verbose:                cfg.Verbose,
	}
	if cfg.StopRobotIfHeadNotVisible != nil {
		out.Interlock.StopIfHeadNotVisible = *cfg.StopRobotIfHeadNotVisible
	}
	if cfg.TuningIntervalSec != nil {
		out.TuningInterval = seconds(*cfg.TuningIntervalSec)
	}
	if cfg.TargetTimeoutSec != nil {
		out.TargetTimeout = seconds(*cfg.TargetTimeoutSec)
	}
	if cfg.FrozenUpdateCount != nil {
		out.Filter.FrozenUpdateCount = *cfg.FrozenUpdateCount
	}
	if cfg.PID != nil {
		out.Algorithm.PID = PIDGains{
			Kp:                   cfg.PID.Kp,
			Ki:                   cfg.PID.Ki,
			Kd:                   cfg.PID.Kd,
			MaxTranslationStepMM: cfg.PID.MaxTranslationStepMM,
			MaxRotationStepDeg:   cfg.PID.MaxRotationStepDeg,
			DeadbandMM:           cfg.PID.DeadbandMM,
			DeadbandDeg:          cfg.PID.DeadbandDeg,
			IntegralLimit:        cfg.PID.IntegralLimit,
			ForceSetpoint:        cfg.PID.ForceSetpoint,
			ForceGain:            cfg.PID.ForceGain,
		}
	}
	if cfg.ForceSensor != "" {
		out.Envelopes[ChannelForce] = Envelope{Warn: cfg.ForceWarn, Limit: cfg.ForceLimit}
	}
	if cfg.ComPortPressureSensor != "" {
		out.Envelopes[ChannelPressure] = Envelope{Warn: cfg.PressureWarn, Limit: cfg.PressureLimit}
	}
	return out
}
