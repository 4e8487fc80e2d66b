package tms_robot

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RobotDriver is the narrow interface the sequencer needs from the robot.
type RobotDriver interface {
	// MoveTo blocks until the robot has reached pose, ctx is done, or the move fails.
	MoveTo(ctx context.Context, pose spatialmath.Pose, speedRatio float64) error
	CurrentPose(ctx context.Context) (spatialmath.Pose, error)
	Stop(ctx context.Context) error
}

const armSettlePollInterval = 20 * time.Millisecond

// armDriver drives any Viam arm component.
type armDriver struct {
	arm    arm.Arm
	logger logging.Logger
}

// newArmDriver looks the arm up in deps.
func newArmDriver(deps resource.Dependencies, name string, logger logging.Logger) (*armDriver, error) {
	res, err := deps.Lookup(resource.NewName(arm.API, name))
	if err != nil {
		return nil, errors.Wrapf(err, "arm %q not found in dependencies", name)
	}
	a, ok := res.(arm.Arm)
	if !ok {
		return nil, errors.Errorf("resource %q is not an arm", name)
	}
	return &armDriver{arm: a, logger: logger}, nil
}

func (d *armDriver) MoveTo(ctx context.Context, pose spatialmath.Pose, speedRatio float64) error {
	extra := map[string]interface{}{"speed_ratio": speedRatio}
	if err := d.arm.MoveToPosition(ctx, pose, extra); err != nil {
		return d.classify(ctx, err)
	}
	// some arms return once the move is queued; wait until they report standstill
	for {
		moving, err := d.arm.IsMoving(ctx)
		if err != nil {
			return d.classify(ctx, err)
		}
		if !moving {
			return nil
		}
		if !utils.SelectContextOrWait(ctx, armSettlePollInterval) {
			return ctx.Err()
		}
	}
}

func (d *armDriver) CurrentPose(ctx context.Context) (spatialmath.Pose, error) {
	pose, err := d.arm.EndPosition(ctx, nil)
	if err != nil {
		return nil, d.classify(ctx, err)
	}
	return pose, nil
}

func (d *armDriver) Stop(ctx context.Context) error {
	return d.classify(ctx, d.arm.Stop(ctx, nil))
}

// classify maps transport failures to ErrDriverDisconnected and leaves everything else as is.
func (d *armDriver) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Unavailable {
		d.logger.Errorf("lost connection to arm %s: %v", d.arm.Name(), err)
		return errors.Wrap(ErrDriverDisconnected, err.Error())
	}
	return err
}
