package main

import (
	"context"
	"flag"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	tmsRobot "tms_robot"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

// realMain drives the control loop against the simulated arm with a scripted head motion:
// a slow sway along X with a stretch where the head is hidden from the tracker.
func realMain() error {
	algorithm := flag.String("algorithm", "radially_outward", "movement algorithm")
	safeHeight := flag.Float64("safe-height", 500, "transit height in mm for directly_upward")
	duration := flag.Duration("duration", 20*time.Second, "how long to run")
	rate := flag.Float64("rate", 20, "tracker update rate in Hz")
	latency := flag.Duration("latency", 200*time.Millisecond, "simulated time per robot move")
	dwell := flag.Float64("dwell", 0.5, "dwell time after each move in seconds")
	verbose := flag.Bool("verbose", false, "log every evaluation")
	flag.Parse()

	ctx := context.Background()
	logger := logging.NewLogger("tms-robot-sim")

	cfg := &tmsRobot.Config{
		Arm:               tmsRobot.SimulatedArm,
		MovementAlgorithm: *algorithm,
		SafeHeightMM:      safeHeight,
		DwellTimeSec:      *dwell,
		Verbose:           *verbose,
	}
	if *algorithm == "directly_PID" {
		cfg.PID = &tmsRobot.PIDConfig{Kp: 0.6, Ki: 0.05, Kd: 0.01, DeadbandMM: 0.5, DeadbandDeg: 0.5}
	}
	if _, _, err := cfg.Validate("cli"); err != nil {
		return err
	}
	ctrl := cfg.ControllerConfig()

	clk := clock.New()
	home := spatialmath.NewPoseFromPoint(r3.Vector{X: 400, Y: 0, Z: 280})
	driver := tmsRobot.NewSimulatedDriver(home, clk, *latency)
	filter := tmsRobot.NewPoseFilter(ctrl.Filter, clk, logger)

	seq, err := tmsRobot.NewSequencer(ctrl, driver, filter, nil, clk, logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- seq.Run(runCtx) }()

	logger.Infof("Simulating %v of tracking with %s", *duration, *algorithm)
	period := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	for elapsed := time.Duration(0); elapsed < *duration; elapsed = time.Since(start) {
		<-ticker.C
		frac := float64(elapsed) / float64(*duration)
		sway := 25 * math.Sin(2*math.Pi*0.2*elapsed.Seconds())
		update := tmsRobot.TargetUpdate{
			Pose:      spatialmath.NewPoseFromPoint(r3.Vector{X: 400 + sway, Y: 0, Z: 300}),
			Visible:   frac < 0.4 || frac > 0.5,
			Timestamp: time.Now(),
		}
		if filter.Push(update) {
			seq.Notify()
		}
	}

	seq.Halt()
	select {
	case err := <-runErr:
		if err != nil {
			return err
		}
	case <-time.After(5 * time.Second):
		logger.Warn("Control loop did not stop in time")
	}

	st := seq.Status()
	moves := driver.Moves()
	failed := 0
	for _, m := range moves {
		if m.Err != nil {
			failed++
		}
	}
	logger.Infof("Issued %d commands, %d robot moves (%d failed), final state %s", st.MovesIssued, len(moves), failed, st.State)
	if st.Robot.MeasuredPose != nil {
		logger.Infof("Final coil position %v", st.Robot.MeasuredPose.Point())
	}
	return nil
}
