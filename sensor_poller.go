package tms_robot

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

// sensorPoller samples a Viam sensor component and records one reading key into a monitor.
type sensorPoller struct {
	sensor   sensor.Sensor
	key      string
	channel  SensorChannel
	interval time.Duration
	monitor  *SensorMonitor
	clock    clock.Clock
	logger   logging.Logger
}

func newSensorPoller(deps resource.Dependencies, name, key string, interval time.Duration, monitor *SensorMonitor, clk clock.Clock, logger logging.Logger) (*sensorPoller, error) {
	res, err := deps.Lookup(resource.NewName(sensor.API, name))
	if err != nil {
		return nil, errors.Wrapf(err, "force sensor %q not found in dependencies", name)
	}
	s, ok := res.(sensor.Sensor)
	if !ok {
		return nil, errors.Errorf("resource %q is not a sensor", name)
	}
	return &sensorPoller{
		sensor:   s,
		key:      key,
		channel:  ChannelForce,
		interval: interval,
		monitor:  monitor,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Run polls until ctx is done.
func (p *sensorPoller) Run(ctx context.Context) {
	for {
		p.poll(ctx)
		if !utils.SelectContextOrWait(ctx, p.interval) {
			return
		}
	}
}

func (p *sensorPoller) poll(ctx context.Context) {
	reading := SensorReading{Channel: p.channel}
	readings, err := p.sensor.Readings(ctx, nil)
	reading.Timestamp = p.clock.Now()
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		reading.Err = err
	default:
		v, ok := readingValue(readings[p.key])
		if !ok {
			reading.Err = errors.Errorf("reading %q missing or not numeric", p.key)
		}
		reading.Value = v
	}
	if reading.Err != nil {
		p.logger.Debugf("force sensor poll failed: %v", reading.Err)
	}
	p.monitor.Record(reading)
}

func readingValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}
