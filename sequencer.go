package tms_robot

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
)

// SequencerState is the state of the motion sequencer.
type SequencerState int

const (
	StateIdle SequencerState = iota
	StateAwaitingConfirmation
	StateMoving
	StateDwelling
	StateTuningWait
	StateStopped
)

func (s SequencerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateMoving:
		return "moving"
	case StateDwelling:
		return "dwelling"
	case StateTuningWait:
		return "tuning_wait"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Objective is what the operator has asked the robot to do.
type Objective int

const (
	ObjectiveNone Objective = iota
	ObjectiveTrackTarget
	ObjectiveMoveAwayFromHead
)

func (o Objective) String() string {
	switch o {
	case ObjectiveNone:
		return "none"
	case ObjectiveTrackTarget:
		return "track_target"
	case ObjectiveMoveAwayFromHead:
		return "move_away_from_head"
	default:
		return "unknown"
	}
}

// ParseObjective accepts the objective names returned by Objective.String.
func ParseObjective(name string) (Objective, error) {
	for _, o := range []Objective{ObjectiveNone, ObjectiveTrackTarget, ObjectiveMoveAwayFromHead} {
		if o.String() == name {
			return o, nil
		}
	}
	return ObjectiveNone, errors.Errorf("unknown objective %q", name)
}

// RobotState is the sequencer's view of the robot.
type RobotState struct {
	// CommandedPose is the target of the last command the interlock authorized.
	CommandedPose spatialmath.Pose
	// MeasuredPose is the last pose read from, or reached by, the robot.
	MeasuredPose spatialmath.Pose
	Moving       bool
	LastMovement time.Time
}

// SequencerStatus is a point-in-time snapshot for status reporting.
type SequencerStatus struct {
	State               SequencerState
	Objective           Objective
	Algorithm           Algorithm
	Robot               RobotState
	ConsecutiveTimeouts int
	MovesIssued         int
	PendingCommand      string
	LastDenial          string
	LastError           string
}

type eventKind int

const (
	eventConfirm eventKind = iota
	eventHalt
	eventObjective
)

type sequencerEvent struct {
	kind      eventKind
	objective Objective
}

// NoticeKind says what a Notice reports.
type NoticeKind int

const (
	NoticeObjective NoticeKind = iota
	NoticeWarning
)

// Notice is something the loop reports back to the navigation side.
type Notice struct {
	Kind      NoticeKind
	Objective Objective
	Message   string
}

type moveResult struct {
	id  uuid.UUID
	err error
}

type inFlight struct {
	cmd    *MotionCommand
	cancel context.CancelFunc
}

const stopTimeout = 2 * time.Second

// Sequencer is the motion control loop. All decisions happen on the goroutine running Run;
// other goroutines talk to it through Confirm, Halt, SetObjective and Notify, and observe
// it through Status.
type Sequencer struct {
	cfg    ControllerConfig
	clock  clock.Clock
	logger logging.Logger

	driver    RobotDriver
	filter    *PoseFilter
	monitor   *SensorMonitor
	strategy  MovementStrategy
	evaluator *ThresholdEvaluator
	interlock *SafetyInterlock

	events  chan sequencerEvent
	wake    chan struct{}
	results chan moveResult
	notices chan Notice
	done    chan struct{}
	workers sync.WaitGroup

	statusMu sync.RWMutex
	status   SequencerStatus

	// owned by the loop goroutine
	state        SequencerState
	objective    Objective
	robot        RobotState
	flight       *inFlight
	pending      *MotionCommand
	confirmed    bool
	dwellStart   time.Time
	lastMoveAt   time.Time
	lastTuningAt time.Time
	rebaseline   bool
	timeouts     int
	moves        int
	lastDenial   string
	lastError    string
}

// NewSequencer builds a sequencer and its strategy, evaluator and interlock. monitor may
// be nil when no sensors are enabled.
func NewSequencer(
	cfg ControllerConfig,
	driver RobotDriver,
	filter *PoseFilter,
	monitor *SensorMonitor,
	clk clock.Clock,
	logger logging.Logger,
) (*Sequencer, error) {
	if cfg.ControlTick <= 0 {
		cfg.ControlTick = defaultControlTick
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = defaultMoveTimeout
	}
	if cfg.MaxConsecutiveTimeouts <= 0 {
		cfg.MaxConsecutiveTimeouts = defaultMaxConsecutiveTimeouts
	}
	strategy, err := NewMovementStrategy(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if pid, ok := strategy.(*directlyPID); ok {
		pid.setTick(cfg.ControlTick)
	}
	s := &Sequencer{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		driver:    driver,
		filter:    filter,
		monitor:   monitor,
		strategy:  strategy,
		evaluator: NewThresholdEvaluator(cfg.Thresholds, cfg.TuningInterval),
		interlock: NewSafetyInterlock(cfg.Interlock, monitor),
		events:    make(chan sequencerEvent, 32),
		wake:      make(chan struct{}, 1),
		results:   make(chan moveResult, 16),
		notices:   make(chan Notice, 32),
		done:      make(chan struct{}),
		state:     StateIdle,
		objective: ObjectiveTrackTarget,
	}
	s.publish()
	return s, nil
}

// Run drives the loop at the control rate until ctx is done, Halt is called, or the driver
// disconnects. It returns the disconnect error in the last case.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	if err := s.initialize(ctx); err != nil {
		return err
	}

	ticker := s.clock.Ticker(s.cfg.ControlTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return nil
		case r := <-s.results:
			if err := s.handleResult(ctx, r); err != nil {
				s.shutdown(ctx)
				return err
			}
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
			s.step(ctx)
		case <-ticker.C:
			s.step(ctx)
		case <-s.wake:
			s.step(ctx)
		}
		if s.state == StateStopped {
			s.shutdown(ctx)
			return nil
		}
	}
}

// Done is closed when Run returns.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Confirm approves the command awaiting operator confirmation. It has no effect in any
// other state.
func (s *Sequencer) Confirm() {
	s.send(sequencerEvent{kind: eventConfirm})
}

// Halt aborts any motion and stops the loop for good.
func (s *Sequencer) Halt() {
	s.send(sequencerEvent{kind: eventHalt})
}

// SetObjective changes what the loop is working towards.
func (s *Sequencer) SetObjective(o Objective) {
	s.send(sequencerEvent{kind: eventObjective, objective: o})
}

// Notify tells the loop a new target is available so it can evaluate before the next tick.
func (s *Sequencer) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sequencer) send(ev sequencerEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Notices delivers objective changes the loop makes on its own and operator warnings.
// Notices are dropped when nobody keeps up with the channel.
func (s *Sequencer) Notices() <-chan Notice {
	return s.notices
}

func (s *Sequencer) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.logger.Debugf("dropping notice %+v", n)
	}
}

// Status returns the latest published snapshot.
func (s *Sequencer) Status() SequencerStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Sequencer) publish() {
	st := SequencerStatus{
		State:               s.state,
		Objective:           s.objective,
		Algorithm:           s.strategy.Algorithm(),
		Robot:               s.robot,
		ConsecutiveTimeouts: s.timeouts,
		MovesIssued:         s.moves,
		LastDenial:          s.lastDenial,
		LastError:           s.lastError,
	}
	if s.pending != nil {
		st.PendingCommand = s.pending.ID.String()
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func (s *Sequencer) initialize(ctx context.Context) error {
	pose, err := s.driver.CurrentPose(ctx)
	if err != nil {
		return errors.Wrap(err, "read initial robot pose")
	}
	s.robot = RobotState{CommandedPose: pose, MeasuredPose: pose}
	s.lastMoveAt = s.clock.Now()
	s.publish()
	s.logger.Infof("motion sequencer started with %s, objective %s", s.strategy.Algorithm(), s.objective)
	return nil
}

func (s *Sequencer) transition(to SequencerState, why string) {
	if s.state == to {
		return
	}
	s.logger.Infof("state %s -> %s (%s)", s.state, to, why)
	s.state = to
}

func (s *Sequencer) setObjective(o Objective) {
	if o == s.objective {
		return
	}
	s.logger.Infof("objective %s -> %s", s.objective, o)
	s.objective = o
	s.strategy.Reset()
	s.evaluator.Reset()
	s.filter.Reset()
}

// clearObjective drops the objective without being asked to and tells the navigation side.
func (s *Sequencer) clearObjective(why string) {
	if s.objective == ObjectiveNone {
		return
	}
	s.setObjective(ObjectiveNone)
	s.notify(Notice{Kind: NoticeObjective, Objective: ObjectiveNone, Message: why})
}

func (s *Sequencer) warn(msg string) {
	s.notify(Notice{Kind: NoticeWarning, Message: msg})
}

func (s *Sequencer) deny(reason error) {
	msg := reason.Error()
	if msg != s.lastDenial {
		s.logger.Infof("movement not authorized: %s", msg)
		s.warn(msg)
	} else {
		s.logger.Debugf("movement not authorized: %s", msg)
	}
	s.lastDenial = msg
}

func (s *Sequencer) drainEvents(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (s *Sequencer) handleEvent(ctx context.Context, ev sequencerEvent) {
	defer s.publish()
	switch ev.kind {
	case eventConfirm:
		if s.state != StateAwaitingConfirmation {
			s.logger.Debugf("ignoring confirmation in state %s", s.state)
			return
		}
		s.confirmed = true
	case eventHalt:
		if s.flight == nil {
			s.stopDriver(ctx)
		}
		s.abort(ctx, "halt requested")
		s.transition(StateStopped, "halt requested")
	case eventObjective:
		s.setObjective(ev.objective)
	}
}

// step runs one control tick. It is only called from the loop goroutine.
func (s *Sequencer) step(ctx context.Context) {
	s.drainEvents(ctx)
	defer s.publish()
	if s.state == StateStopped {
		return
	}

	now := s.clock.Now()
	target, ok := s.filter.Latest()
	if ok && target.Frozen && s.objective != ObjectiveNone {
		s.logger.Warnf("tracker is reporting identical poses; stopping the robot")
		s.abort(ctx, "tracker frozen")
		s.warn("tracker is reporting identical poses")
		s.clearObjective("tracker frozen")
		return
	}

	switch s.objective {
	case ObjectiveNone:
		s.stepIdleObjective(ctx, now)
	case ObjectiveMoveAwayFromHead:
		s.stepRetreat(ctx, now)
	default:
		s.stepTrack(ctx, target, ok, now)
	}
}

func (s *Sequencer) stepIdleObjective(ctx context.Context, now time.Time) {
	switch s.state {
	case StateMoving, StateAwaitingConfirmation, StateTuningWait:
		s.abort(ctx, "no objective")
	case StateDwelling:
		if now.Sub(s.dwellStart) >= s.cfg.DwellTime {
			s.transition(StateIdle, "dwell complete")
		}
	}
}

func (s *Sequencer) stepRetreat(ctx context.Context, now time.Time) {
	if s.flight != nil {
		if s.flight.cmd.Reason == TriggerRetreat {
			return
		}
		s.abort(ctx, "moving away from head")
	}
	s.pending = nil
	s.confirmed = false

	cmd, err := s.strategy.Retreat(s.robot.MeasuredPose)
	if err != nil {
		s.logger.Errorf("cannot move away from head: %v", err)
		s.lastError = err.Error()
		s.warn(err.Error())
		s.clearObjective("cannot plan retreat")
		return
	}
	auth := s.interlock.AuthorizeRetreat(cmd)
	if !auth.Authorized {
		s.deny(auth.Reason)
		s.clearObjective("retreat not authorized")
		return
	}
	cmd.SpeedRatio = auth.SpeedRatio
	s.launch(ctx, cmd, now)
}

func (s *Sequencer) stepTrack(ctx context.Context, target FilteredTarget, ok bool, now time.Time) {
	available := ok && target.Pose != nil && s.fresh(target, now)
	visible := available && target.Visible
	headLost := ok && !target.Visible

	// stop conditions
	if headLost && s.cfg.Interlock.StopIfHeadNotVisible {
		switch s.state {
		case StateMoving, StateAwaitingConfirmation, StateTuningWait:
			s.abort(ctx, "head not visible")
		}
	}
	if s.state == StateAwaitingConfirmation && !visible {
		s.abort(ctx, "target lost while awaiting confirmation")
	}
	if s.state == StateMoving && s.flight != nil {
		if st := s.sensorStatus(); st.Level == LevelExceeded || st.Level == LevelUnknown {
			s.deny(st.Reason)
			s.abort(ctx, "sensor envelope")
		}
	}

	switch s.state {
	case StateMoving:
		if !s.strategy.HasDiscreteCompletion() && s.flight == nil {
			s.pidTick(ctx, target, available, now)
		}
		return
	case StateAwaitingConfirmation:
		if s.confirmed {
			s.launchPending(ctx, visible, now)
		}
		return
	case StateDwelling:
		if now.Sub(s.dwellStart) < s.cfg.DwellTime {
			if visible && s.evaluator.TuningDue(now.Sub(s.tuningBase())) {
				if exceeded, _, _ := s.evaluator.Exceeds(s.reference(), target.Pose); !exceeded {
					s.transition(StateTuningWait, "tuning due")
				}
			}
			return
		}
		s.transition(StateIdle, "dwell complete")
	case StateTuningWait:
		if now.Sub(s.dwellStart) < s.cfg.DwellTime {
			return
		}
		s.transition(StateIdle, "dwell complete")
	}

	if s.state == StateIdle && available && !s.withinDwell(now) {
		s.evaluate(ctx, target, now)
	}
}

func (s *Sequencer) evaluate(ctx context.Context, target FilteredTarget, now time.Time) {
	if !target.Visible && s.cfg.Interlock.StopIfHeadNotVisible {
		s.deny(errors.Wrap(ErrTargetUnavailable, "head not visible"))
		return
	}

	ev := s.evaluator.Evaluate(s.reference(), target, now.Sub(s.tuningBase()))
	if s.cfg.Verbose {
		s.logger.Infof("target error %.2fmm %.2fdeg -> %s", ev.TranslationError, ev.RotationError, ev.Trigger)
	}
	switch ev.Trigger {
	case TriggerNone:
		return
	case TriggerTuning:
		s.lastTuningAt = now
		if !target.Visible {
			return
		}
	}

	cmd, err := s.strategy.Plan(PlanRequest{
		Current: s.robot.MeasuredPose,
		Target:  target.Pose,
		Reason:  ev.Trigger,
		Force:   s.force(),
	})
	if err != nil {
		s.deny(err)
		return
	}
	if cmd == nil {
		return
	}

	auth := s.interlock.Authorize(cmd, target.Visible)
	if !auth.Authorized {
		s.deny(auth.Reason)
		return
	}
	cmd.SpeedRatio = auth.SpeedRatio
	s.lastDenial = ""

	if s.interlock.RequiresConfirmation() {
		s.pending = cmd
		s.confirmed = false
		s.transition(StateAwaitingConfirmation, ev.Trigger.String()+" move planned")
		return
	}
	s.launch(ctx, cmd, now)
}

func (s *Sequencer) launchPending(ctx context.Context, visible bool, now time.Time) {
	cmd := s.pending
	s.pending = nil
	s.confirmed = false
	if cmd == nil {
		s.transition(StateIdle, "nothing to confirm")
		return
	}
	auth := s.interlock.Authorize(cmd, visible)
	if !auth.Authorized {
		s.deny(auth.Reason)
		s.transition(StateIdle, "confirmed command no longer authorized")
		return
	}
	cmd.SpeedRatio = auth.SpeedRatio
	s.launch(ctx, cmd, now)
}

func (s *Sequencer) pidTick(ctx context.Context, target FilteredTarget, available bool, now time.Time) {
	if !available || now.Sub(s.lastMoveAt) < s.cfg.ControlTick {
		return
	}
	cmd, err := s.strategy.Plan(PlanRequest{
		Current: s.robot.MeasuredPose,
		Target:  target.Pose,
		Reason:  TriggerThreshold,
		Force:   s.force(),
	})
	if err != nil {
		s.deny(err)
		s.abort(ctx, "cannot plan increment")
		return
	}
	if cmd == nil {
		return
	}
	auth := s.interlock.Authorize(cmd, target.Visible)
	if !auth.Authorized {
		s.deny(auth.Reason)
		return
	}
	cmd.SpeedRatio = auth.SpeedRatio
	s.launch(ctx, cmd, now)
}

// launch hands an authorized command to a worker. Only one command is ever in flight.
func (s *Sequencer) launch(ctx context.Context, cmd *MotionCommand, now time.Time) {
	if s.flight != nil {
		s.logger.Errorf("refusing to launch %s while %s is in flight", cmd.ID, s.flight.cmd.ID)
		return
	}
	s.robot.CommandedPose = cmd.Target
	s.robot.Moving = true
	s.robot.LastMovement = now
	s.lastMoveAt = now
	s.rebaseline = false
	s.moves++

	fctx, cancel := s.clock.WithTimeout(ctx, s.cfg.MoveTimeout)
	s.flight = &inFlight{cmd: cmd, cancel: cancel}
	s.transition(StateMoving, cmd.Reason.String())
	s.logger.Debugf("launching %s move %s with %d segment(s) at speed %.2f", cmd.Reason, cmd.ID, len(cmd.Segments), cmd.SpeedRatio)

	s.workers.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.workers.Done()
		err := s.execute(fctx, cmd)
		select {
		case s.results <- moveResult{id: cmd.ID, err: err}:
		case <-ctx.Done():
		}
	})
}

func (s *Sequencer) execute(ctx context.Context, cmd *MotionCommand) error {
	for i, seg := range cmd.Segments {
		if err := s.driver.MoveTo(ctx, seg, cmd.SpeedRatio); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Wrapf(ErrMotionTimeout, "segment %d/%d not completed within %v", i+1, len(cmd.Segments), s.cfg.MoveTimeout)
			}
			return errors.Wrapf(err, "segment %d/%d", i+1, len(cmd.Segments))
		}
	}
	return nil
}

// handleResult processes a finished command. It returns an error only when the loop must end.
func (s *Sequencer) handleResult(ctx context.Context, r moveResult) error {
	if s.flight == nil || s.flight.cmd.ID != r.id {
		s.logger.Debugf("ignoring result of superseded command %s", r.id)
		return nil
	}
	defer s.publish()

	cmd := s.flight.cmd
	s.flight.cancel()
	s.flight = nil
	s.robot.Moving = false
	now := s.clock.Now()

	if r.err == nil {
		s.timeouts = 0
		s.robot.MeasuredPose = cmd.Segments[len(cmd.Segments)-1]
		if !cmd.Discrete {
			return nil
		}
		if cmd.Reason == TriggerRetreat && s.objective == ObjectiveMoveAwayFromHead {
			s.clearObjective("moved away from head")
		}
		if s.cfg.DwellTime > 0 {
			s.dwellStart = now
			s.transition(StateDwelling, "move complete")
		} else {
			s.transition(StateIdle, "move complete")
		}
		return nil
	}

	s.lastError = r.err.Error()
	s.warn(r.err.Error())
	if errors.Is(r.err, ErrDriverDisconnected) {
		s.logger.Errorf("move %s failed: %v", cmd.ID, r.err)
		s.transition(StateStopped, "driver disconnected")
		return r.err
	}

	if errors.Is(r.err, ErrMotionTimeout) {
		s.timeouts++
		if s.timeouts >= s.cfg.MaxConsecutiveTimeouts {
			s.logger.Errorf("robot has not completed %d consecutive moves, check the robot: %v", s.timeouts, r.err)
		} else {
			s.logger.Warnf("move %s timed out (%d in a row): %v", cmd.ID, s.timeouts, r.err)
		}
		s.stopDriver(ctx)
	} else {
		s.logger.Warnf("move %s failed: %v", cmd.ID, r.err)
	}

	s.refreshMeasured(ctx)
	s.rebaseline = true
	s.strategy.Reset()
	s.evaluator.Reset()
	if cmd.Reason == TriggerRetreat && s.objective == ObjectiveMoveAwayFromHead {
		s.clearObjective("retreat failed")
	}
	s.transition(StateIdle, "move failed")
	return nil
}

// abort cancels any in-flight or pending command and returns to Idle, or to Dwelling when
// the last discrete move completed less than DwellTime ago.
func (s *Sequencer) abort(ctx context.Context, why string) {
	if s.flight != nil {
		s.flight.cancel()
		s.flight = nil
		s.stopDriver(ctx)
		s.refreshMeasured(ctx)
		s.rebaseline = true
	}
	s.pending = nil
	s.confirmed = false
	s.robot.Moving = false
	s.strategy.Reset()
	if s.state == StateIdle || s.state == StateStopped {
		return
	}
	if s.withinDwell(s.clock.Now()) {
		s.transition(StateDwelling, why)
		return
	}
	s.transition(StateIdle, why)
}

func (s *Sequencer) withinDwell(now time.Time) bool {
	return s.cfg.DwellTime > 0 && !s.dwellStart.IsZero() && now.Sub(s.dwellStart) < s.cfg.DwellTime
}

func (s *Sequencer) shutdown(ctx context.Context) {
	s.abort(ctx, "shutting down")
	s.workers.Wait()
	s.publish()
}

func (s *Sequencer) stopDriver(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := s.driver.Stop(sctx); err != nil {
		s.logger.Warnf("failed to stop robot: %v", err)
	}
}

func (s *Sequencer) refreshMeasured(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	pose, err := s.driver.CurrentPose(rctx)
	if err != nil {
		s.logger.Warnf("failed to read robot pose: %v", err)
		return
	}
	s.robot.MeasuredPose = pose
}

// reference is the pose targets are compared against: the commanded pose, or the measured
// pose after a move did not complete.
func (s *Sequencer) reference() spatialmath.Pose {
	if s.rebaseline {
		return s.robot.MeasuredPose
	}
	return s.robot.CommandedPose
}

func (s *Sequencer) tuningBase() time.Time {
	if s.lastTuningAt.After(s.lastMoveAt) {
		return s.lastTuningAt
	}
	return s.lastMoveAt
}

func (s *Sequencer) fresh(target FilteredTarget, now time.Time) bool {
	return s.cfg.TargetTimeout <= 0 || now.Sub(target.ReceivedAt) <= s.cfg.TargetTimeout
}

func (s *Sequencer) sensorStatus() EnvelopeStatus {
	if s.monitor == nil {
		return EnvelopeStatus{Level: LevelSafe}
	}
	return s.monitor.Status()
}

func (s *Sequencer) force() *float64 {
	if s.monitor == nil {
		return nil
	}
	if v := s.monitor.FreshValue(ChannelForce); v != nil {
		return v
	}
	return s.monitor.FreshValue(ChannelPressure)
}
