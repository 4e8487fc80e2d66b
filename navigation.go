package tms_robot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Topics exchanged with the neuronavigation relay.
const (
	TopicUpdateTarget = "update_target"
	TopicSetObjective = "set_objective"
	TopicObjective    = "objective"
	TopicUnsetTarget  = "unset_target"
	TopicConfirm      = "confirm"
	TopicStop         = "stop"

	TopicRobotWarning  = "robot_warning"
	TopicForceFeedback = "force_sensor_data"
)

const (
	navigationReconnectDelay = 2 * time.Second
	navigationWriteTimeout   = 5 * time.Second
)

// NavigationHandler receives what the navigation link decodes.
type NavigationHandler interface {
	PushTarget(u TargetUpdate) bool
	SetObjective(o Objective)
	Confirm()
	Halt()
}

// NavigationMessage is the envelope of every message on the link.
type NavigationMessage struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TargetMessage is the payload of update_target. Timestamp is in seconds since the epoch;
// zero means "now". Visible defaults to true.
type TargetMessage struct {
	Pose      WirePose `json:"pose"`
	Visible   *bool    `json:"visible,omitempty"`
	Timestamp float64  `json:"timestamp,omitempty"`
}

type objectiveMessage struct {
	Objective interface{} `json:"objective"`
}

// NavigationLink keeps a websocket connection to the navigation relay and feeds the
// controller from it. It reconnects until its context ends.
type NavigationLink struct {
	url     string
	handler NavigationHandler
	clock   clock.Clock
	logger  logging.Logger
	dialer  websocket.Dialer
	backoff time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewNavigationLink creates a link to url (ws:// or wss://).
func NewNavigationLink(url string, handler NavigationHandler, clk clock.Clock, logger logging.Logger) *NavigationLink {
	return &NavigationLink{
		url:     url,
		handler: handler,
		clock:   clk,
		logger:  logger,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: navigationReconnectDelay,
	}
}

// Run connects and reads until ctx is done, reconnecting after failures.
func (l *NavigationLink) Run(ctx context.Context) {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warnf("navigation link to %s lost: %v; reconnecting in %v", l.url, err, l.backoff)
		if !utils.SelectContextOrWait(ctx, l.backoff) {
			return
		}
	}
}

func (l *NavigationLink) session(ctx context.Context) error {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "websocket dial failed (status %d)", resp.StatusCode)
		}
		return errors.Wrap(err, "websocket dial failed")
	}
	l.setConn(conn)
	defer l.setConn(nil)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	l.logger.Infof("navigation link connected to %s", l.url)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := l.dispatch(data); err != nil {
			l.logger.Warnf("dropping navigation message: %v", err)
		}
	}
}

func (l *NavigationLink) setConn(c *websocket.Conn) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.conn = c
}

func (l *NavigationLink) dispatch(data []byte) error {
	var msg NavigationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.Wrap(err, "decode envelope")
	}

	switch msg.Topic {
	case TopicUpdateTarget:
		var tm TargetMessage
		if err := json.Unmarshal(msg.Data, &tm); err != nil {
			return errors.Wrap(err, "decode target")
		}
		l.handler.PushTarget(tm.Update(l.clock.Now()))
	case TopicSetObjective:
		var om objectiveMessage
		if err := json.Unmarshal(msg.Data, &om); err != nil {
			return errors.Wrap(err, "decode objective")
		}
		o, err := objectiveFromValue(om.Objective)
		if err != nil {
			return err
		}
		l.handler.SetObjective(o)
		if err := l.Publish(TopicObjective, map[string]interface{}{"objective": o.String()}); err != nil {
			l.logger.Warnf("failed to acknowledge objective: %v", err)
		}
	case TopicUnsetTarget:
		l.handler.SetObjective(ObjectiveNone)
		if err := l.Publish(TopicObjective, map[string]interface{}{"objective": ObjectiveNone.String()}); err != nil {
			l.logger.Warnf("failed to acknowledge objective: %v", err)
		}
	case TopicConfirm:
		l.handler.Confirm()
	case TopicStop:
		l.handler.Halt()
	default:
		l.logger.Debugf("ignoring navigation topic %q", msg.Topic)
	}
	return nil
}

// Publish sends a message to the relay. It fails when not connected.
func (l *NavigationLink) Publish(topic string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return errors.New("navigation link not connected")
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(navigationWriteTimeout)); err != nil {
		return err
	}
	return l.conn.WriteJSON(NavigationMessage{Topic: topic, Data: raw})
}

// Update converts the message into a TargetUpdate, stamping it with now when it carries
// no timestamp.
func (m TargetMessage) Update(now time.Time) TargetUpdate {
	u := TargetUpdate{Pose: m.Pose.Pose(), Visible: true, Timestamp: now}
	if m.Visible != nil {
		u.Visible = *m.Visible
	}
	if m.Timestamp > 0 {
		u.Timestamp = time.Unix(0, int64(m.Timestamp*float64(time.Second)))
	}
	return u
}

// objectiveFromValue accepts an objective name or its numeric code.
func objectiveFromValue(v interface{}) (Objective, error) {
	switch t := v.(type) {
	case string:
		return ParseObjective(t)
	case int:
		return objectiveFromValue(float64(t))
	case float64:
		o := Objective(int(t))
		if o < ObjectiveNone || o > ObjectiveMoveAwayFromHead || float64(int(t)) != t {
			return ObjectiveNone, errors.Errorf("unknown objective %v", t)
		}
		return o, nil
	default:
		return ObjectiveNone, errors.Errorf("objective must be a name or number, got %T", v)
	}
}
