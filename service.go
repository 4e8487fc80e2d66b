package tms_robot

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
)

var CoilControllerModel = resource.NewModel("neuronavigation", "tms-robot", "coil-controller")

func init() {
	resource.RegisterService(
		generic.API,
		CoilControllerModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newCoilController,
		})
}

// coilController is the generic service that owns one control loop session at a time.
type coilController struct {
	resource.Named
	resource.AlwaysRebuild

	cfg    *Config
	ctrl   ControllerConfig
	clock  clock.Clock
	logger logging.Logger

	driver   RobotDriver
	filter   *PoseFilter
	monitor  *SensorMonitor
	poller   *sensorPoller
	nav      *NavigationLink
	registry *PressureReaderRegistry
	pressure string // resolved pressure sensor port, empty when disabled

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	workers    sync.WaitGroup

	mu         sync.Mutex
	seq        *Sequencer
	sessionErr error
}

func newCoilController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	var driver RobotDriver
	if conf.Arm == SimulatedArm {
		driver = NewSimulatedDriver(spatialmath.NewZeroPose(), clock.New(), 0)
	} else {
		driver, err = newArmDriver(deps, conf.Arm, logger)
		if err != nil {
			return nil, err
		}
	}

	svc, err := newCoilControllerWithDriver(ctx, rawConf.ResourceName(), conf, driver, clock.New(), logger)
	if err != nil {
		return nil, err
	}

	if conf.ForceSensor != "" {
		svc.poller, err = newSensorPoller(deps, conf.ForceSensor, conf.ForceReadingKey, svc.ctrl.ControlTick, svc.monitor, svc.clock, logger)
		if err != nil {
			return nil, multierr.Combine(err, svc.Close(ctx))
		}
		svc.goWorker(func() { svc.poller.Run(svc.cancelCtx) })
	}

	if conf.ComPortPressureSensor != "" {
		port, err := resolvePressurePort(ctx, conf.ComPortPressureSensor, conf.PressureBaudrate, openSerialPort, enumerateSerialPorts)
		if err != nil {
			return nil, multierr.Combine(err, svc.Close(ctx))
		}
		if _, err := svc.registry.Acquire(port, conf.PressureBaudrate, svc.monitor, logger); err != nil {
			return nil, multierr.Combine(err, svc.Close(ctx))
		}
		svc.pressure = port
	}

	if conf.NavigationURL != "" {
		svc.attachNavigation(conf.NavigationURL)
	}

	return svc, nil
}

// attachNavigation connects to the navigation relay and starts sending it feedback.
func (c *coilController) attachNavigation(url string) {
	nav := NewNavigationLink(url, c, c.clock, c.logger)
	c.mu.Lock()
	c.nav = nav
	c.mu.Unlock()
	c.goWorker(func() { nav.Run(c.cancelCtx) })

	ticker := c.clock.Ticker(c.ctrl.ControlTick)
	c.goWorker(func() {
		defer ticker.Stop()
		c.forwardForce(ticker.C)
	})
}

func (c *coilController) navigation() *NavigationLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nav
}

// publish sends to the navigation relay when one is configured.
func (c *coilController) publish(topic string, data map[string]interface{}) {
	nav := c.navigation()
	if nav == nil {
		return
	}
	if err := nav.Publish(topic, data); err != nil {
		c.logger.Debugf("could not send %s to navigation: %v", topic, err)
	}
}

// forwardNotices relays what seq reports until the session ends.
func (c *coilController) forwardNotices(seq *Sequencer) {
	for {
		select {
		case n := <-seq.Notices():
			c.forwardNotice(n)
		case <-seq.Done():
			for {
				select {
				case n := <-seq.Notices():
					c.forwardNotice(n)
				default:
					return
				}
			}
		}
	}
}

func (c *coilController) forwardNotice(n Notice) {
	switch n.Kind {
	case NoticeObjective:
		c.publish(TopicObjective, map[string]interface{}{"objective": n.Objective.String()})
	case NoticeWarning:
		c.publish(TopicRobotWarning, map[string]interface{}{"robot_warning": n.Message})
	}
}

// forwardForce sends the negated contact force on every tick when it has changed.
func (c *coilController) forwardForce(ticks <-chan time.Time) {
	last := math.NaN()
	for {
		select {
		case <-c.cancelCtx.Done():
			return
		case <-ticks:
		}
		v := c.contactForce()
		if v == nil {
			continue
		}
		rounded := math.Round(*v*100) / 100
		if rounded == last {
			continue
		}
		last = rounded
		c.publish(TopicForceFeedback, map[string]interface{}{"force_feedback": -rounded})
	}
}

func (c *coilController) contactForce() *float64 {
	if v := c.monitor.FreshValue(ChannelForce); v != nil {
		return v
	}
	return c.monitor.FreshValue(ChannelPressure)
}

// newCoilControllerWithDriver builds the service around an already constructed driver and
// starts the first control loop session.
func newCoilControllerWithDriver(
	ctx context.Context,
	name resource.Name,
	conf *Config,
	driver RobotDriver,
	clk clock.Clock,
	logger logging.Logger,
) (*coilController, error) {
	ctrl := conf.ControllerConfig()
	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	svc := &coilController{
		Named:      name.AsNamed(),
		cfg:        conf,
		ctrl:       ctrl,
		clock:      clk,
		logger:     logger,
		driver:     driver,
		filter:     NewPoseFilter(ctrl.Filter, clk, logger),
		monitor:    NewSensorMonitor(ctrl.Envelopes, ctrl.SensorFreshness, clk),
		registry:   globalPressureRegistry,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	if err := svc.startSession(); err != nil {
		cancelFunc()
		return nil, err
	}
	return svc, nil
}

// startSession starts a fresh sequencer. Any previous session must have ended.
func (c *coilController) startSession() error {
	seq, err := NewSequencer(c.ctrl, c.driver, c.filter, c.monitor, c.clock, c.logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.seq = seq
	c.sessionErr = nil
	c.mu.Unlock()

	c.goWorker(func() { c.forwardNotices(seq) })
	c.goWorker(func() {
		err := seq.Run(c.cancelCtx)
		if err != nil {
			c.logger.Errorf("control loop ended: %v", err)
		}
		c.mu.Lock()
		c.sessionErr = err
		c.mu.Unlock()
	})
	return nil
}

func (c *coilController) goWorker(f func()) {
	c.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer c.workers.Done()
		f()
	})
}

func (c *coilController) sequencer() *Sequencer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// PushTarget feeds a tracker update into the pose filter and wakes the control loop.
func (c *coilController) PushTarget(u TargetUpdate) bool {
	accepted := c.filter.Push(u)
	if accepted {
		if c.ctrl.Verbose {
			c.logger.Infof("target update accepted (visible=%v, ts=%v)", u.Visible, u.Timestamp)
		}
		c.sequencer().Notify()
	}
	return accepted
}

func (c *coilController) SetObjective(o Objective) {
	c.sequencer().SetObjective(o)
}

func (c *coilController) Confirm() {
	c.sequencer().Confirm()
}

func (c *coilController) Halt() {
	c.sequencer().Halt()
}

// restart begins a new session once the current one has stopped.
func (c *coilController) restart() error {
	seq := c.sequencer()
	select {
	case <-seq.Done():
	default:
		return errors.New("control loop is still running; stop it first")
	}
	c.filter.Reset()
	return c.startSession()
}

func (c *coilController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("command must be a string")
	}

	switch command {
	case "update_target":
		u, err := targetFromCommand(cmd, c.clock.Now())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"accepted": c.PushTarget(u)}, nil

	case "set_objective":
		o, err := objectiveFromValue(cmd["objective"])
		if err != nil {
			return nil, err
		}
		c.SetObjective(o)
		return map[string]interface{}{"objective": o.String()}, nil

	case "confirm":
		c.Confirm()
		return map[string]interface{}{"success": true}, nil

	case "stop":
		seq := c.sequencer()
		seq.Halt()
		select {
		case <-seq.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]interface{}{"success": true, "state": seq.Status().State.String()}, nil

	case "restart":
		if err := c.restart(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil

	case "status":
		return c.statusMap(), nil

	case "reopen_pressure_sensor":
		if err := c.reopenPressureSensor(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil

	case "list_sensor_ports":
		ports := filterCandidatePorts(enumerateSerialPorts())
		out := make([]interface{}, 0, len(ports))
		for _, p := range ports {
			out = append(out, p)
		}
		return map[string]interface{}{"ports": out}, nil

	default:
		return nil, errors.Errorf("unknown command: %s", command)
	}
}

// reopenPressureSensor closes the pressure port for every user and opens it again for this
// service. Other services sharing the port reattach when they are rebuilt.
func (c *coilController) reopenPressureSensor() error {
	if c.pressure == "" {
		return errors.New("no pressure sensor configured")
	}
	if err := c.registry.ForceClose(c.pressure); err != nil {
		c.logger.Warnf("closing pressure sensor on %s: %v", c.pressure, err)
	}
	_, err := c.registry.Acquire(c.pressure, c.cfg.PressureBaudrate, c.monitor, c.logger)
	return err
}

func (c *coilController) statusMap() map[string]interface{} {
	seq := c.sequencer()
	st := seq.Status()
	out := map[string]interface{}{
		"state":                st.State.String(),
		"objective":            st.Objective.String(),
		"algorithm":            string(st.Algorithm),
		"moving":               st.Robot.Moving,
		"consecutive_timeouts": st.ConsecutiveTimeouts,
		"moves_issued":         st.MovesIssued,
		"pending_command":      st.PendingCommand,
		"last_denial":          st.LastDenial,
		"last_error":           st.LastError,
		"sensor_level":         c.monitor.Status().Level.String(),
	}
	if st.Robot.CommandedPose != nil {
		out["commanded_pose"] = NewWirePose(st.Robot.CommandedPose).Map()
	}
	if st.Robot.MeasuredPose != nil {
		out["measured_pose"] = NewWirePose(st.Robot.MeasuredPose).Map()
	}
	if target, ok := c.filter.Latest(); ok {
		out["target_visible"] = target.Visible
		out["target_frozen"] = target.Frozen
	}
	c.mu.Lock()
	if c.sessionErr != nil {
		out["session_error"] = c.sessionErr.Error()
	}
	c.mu.Unlock()
	if c.pressure != "" {
		refs, open, summary := c.registry.Status(c.pressure)
		out["pressure_port"] = map[string]interface{}{"refs": refs, "open": open, "summary": summary}
	}
	return out
}

// targetFromCommand decodes {"pose": {...}, "visible": bool, "timestamp": seconds}.
func targetFromCommand(cmd map[string]interface{}, now time.Time) (TargetUpdate, error) {
	raw, ok := cmd["pose"].(map[string]interface{})
	if !ok {
		return TargetUpdate{}, errors.New("update_target requires a pose object")
	}
	var wp WirePose
	fields := map[string]*float64{
		"x": &wp.X, "y": &wp.Y, "z": &wp.Z,
		"o_x": &wp.OX, "o_y": &wp.OY, "o_z": &wp.OZ,
		"theta": &wp.Theta,
	}
	for key, dst := range fields {
		v, present := raw[key]
		if !present {
			continue
		}
		f, ok := readingValue(v)
		if !ok {
			return TargetUpdate{}, errors.Errorf("pose field %q must be a number", key)
		}
		*dst = f
	}
	msg := TargetMessage{Pose: wp}
	if v, ok := cmd["visible"].(bool); ok {
		msg.Visible = &v
	}
	if ts, ok := readingValue(cmd["timestamp"]); ok {
		msg.Timestamp = ts
	}
	return msg.Update(now), nil
}

func (c *coilController) Close(ctx context.Context) error {
	c.cancelFunc()
	c.workers.Wait()

	var err error
	if c.pressure != "" {
		err = multierr.Append(err, c.registry.Release(c.pressure, c.monitor))
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	err = multierr.Append(err, c.driver.Stop(sctx))
	return err
}
