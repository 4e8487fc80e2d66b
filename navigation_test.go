package tms_robot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

type recordingHandler struct {
	mu         sync.Mutex
	targets    []TargetUpdate
	objectives []Objective
	confirms   int
	halts      int
}

func (h *recordingHandler) PushTarget(u TargetUpdate) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets = append(h.targets, u)
	return true
}

func (h *recordingHandler) SetObjective(o Objective) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objectives = append(h.objectives, o)
}

func (h *recordingHandler) Confirm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirms++
}

func (h *recordingHandler) Halt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halts++
}

type handlerCalls struct {
	targets    []TargetUpdate
	objectives []Objective
	confirms   int
	halts      int
}

func (h *recordingHandler) snapshot() handlerCalls {
	h.mu.Lock()
	defer h.mu.Unlock()
	return handlerCalls{
		targets:    append([]TargetUpdate(nil), h.targets...),
		objectives: append([]Objective(nil), h.objectives...),
		confirms:   h.confirms,
		halts:      h.halts,
	}
}

func TestNavigationDispatch(t *testing.T) {
	h := &recordingHandler{}
	clk := clock.NewMock()
	clk.Set(ts(1000))
	link := NewNavigationLink("ws://unused", h, clk, logging.NewTestLogger(t))

	require.NoError(t, link.dispatch([]byte(`{"topic":"update_target","data":{"pose":{"x":1,"y":2,"z":3,"o_z":1,"theta":90},"timestamp":12.5}}`)))
	require.NoError(t, link.dispatch([]byte(`{"topic":"update_target","data":{"pose":{},"visible":false}}`)))
	require.NoError(t, link.dispatch([]byte(`{"topic":"set_objective","data":{"objective":"move_away_from_head"}}`)))
	require.NoError(t, link.dispatch([]byte(`{"topic":"set_objective","data":{"objective":1}}`)))
	require.NoError(t, link.dispatch([]byte(`{"topic":"unset_target"}`)))
	require.NoError(t, link.dispatch([]byte(`{"topic":"confirm"}`)))
	require.NoError(t, link.dispatch([]byte(`{"topic":"stop"}`)))
	require.NoError(t, link.dispatch([]byte(`{"topic":"something_else"}`)))

	assert.Error(t, link.dispatch([]byte(`not json`)))
	assert.Error(t, link.dispatch([]byte(`{"topic":"set_objective","data":{"objective":"fly"}}`)))
	assert.Error(t, link.dispatch([]byte(`{"topic":"update_target","data":"oops"}`)))

	got := h.snapshot()
	require.Len(t, got.targets, 2)
	assert.True(t, got.targets[0].Visible)
	assert.Equal(t, ts(12.5), got.targets[0].Timestamp)
	assert.InDelta(t, 2.0, got.targets[0].Pose.Point().Y, 1e-9)
	assert.False(t, got.targets[1].Visible)
	assert.Equal(t, ts(1000), got.targets[1].Timestamp, "missing timestamps are stamped on arrival")

	assert.Equal(t, []Objective{ObjectiveMoveAwayFromHead, ObjectiveTrackTarget, ObjectiveNone}, got.objectives)
	assert.Equal(t, 1, got.confirms)
	assert.Equal(t, 1, got.halts)
}

func TestObjectiveFromValue(t *testing.T) {
	tests := []struct {
		value    interface{}
		expected Objective
		wantErr  bool
	}{
		{value: "track_target", expected: ObjectiveTrackTarget},
		{value: "none", expected: ObjectiveNone},
		{value: 2.0, expected: ObjectiveMoveAwayFromHead},
		{value: 1, expected: ObjectiveTrackTarget},
		{value: 1.5, wantErr: true},
		{value: 7.0, wantErr: true},
		{value: true, wantErr: true},
	}
	for _, tt := range tests {
		o, err := objectiveFromValue(tt.value)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.value)
			continue
		}
		require.NoError(t, err, "%v", tt.value)
		assert.Equal(t, tt.expected, o)
	}
}

func TestNavigationLinkOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	defer srv.Close()

	h := &recordingHandler{}
	link := NewNavigationLink("ws"+strings.TrimPrefix(srv.URL, "http"), h, clock.New(), logging.NewTestLogger(t))
	link.backoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		link.Run(ctx)
	}()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("navigation link never connected")
	}

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"topic": "update_target",
		"data":  map[string]interface{}{"pose": map[string]interface{}{"x": 5}, "timestamp": 3},
	}))
	require.Eventually(t, func() bool { return len(h.snapshot().targets) == 1 }, 2*time.Second, 5*time.Millisecond)

	// objectives are acknowledged back to the relay
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"topic": "set_objective",
		"data":  map[string]interface{}{"objective": "track_target"},
	}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack NavigationMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, TopicObjective, ack.Topic)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(ack.Data, &payload))
	assert.Equal(t, "track_target", payload["objective"])

	// the link comes back after the relay drops it
	conn.Close()
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("navigation link did not reconnect")
	}
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"topic": "confirm"}))
	require.Eventually(t, func() bool { return h.snapshot().confirms == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("navigation link did not stop")
	}
	conn.Close()
	assert.Error(t, link.Publish(TopicObjective, map[string]interface{}{}), "publish after shutdown")
}

// readUntil returns the first message from conn that match accepts.
func readUntil(t *testing.T, conn *websocket.Conn, match func(NavigationMessage, map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg NavigationMessage
		require.NoError(t, conn.ReadJSON(&msg))
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		if match(msg, payload) {
			return payload
		}
	}
}

func TestCoilControllerSendsFeedbackToNavigation(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	defer srv.Close()

	svc, _ := newTestCoilController(t, &Config{Arm: SimulatedArm, ForceSensor: "force"})
	clk := svc.clock.(*clock.Mock)
	svc.attachNavigation("ws" + strings.TrimPrefix(srv.URL, "http"))

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("navigation link never connected")
	}
	defer conn.Close()

	// without a force reading the move is denied and the operator is warned
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"topic": "update_target",
		"data":  map[string]interface{}{"pose": map[string]interface{}{"x": 50}, "timestamp": 1},
	}))
	warning := readUntil(t, conn, func(msg NavigationMessage, _ map[string]interface{}) bool {
		return msg.Topic == TopicRobotWarning
	})
	assert.Contains(t, warning["robot_warning"], "no force reading yet")

	// a finished retreat clears the objective and the relay hears about it
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"topic": "set_objective",
		"data":  map[string]interface{}{"objective": "move_away_from_head"},
	}))
	readUntil(t, conn, func(msg NavigationMessage, payload map[string]interface{}) bool {
		return msg.Topic == TopicObjective && payload["objective"] == "none"
	})

	svc.monitor.Record(SensorReading{Channel: ChannelForce, Value: 3.456})
	clk.Add(svc.ctrl.ControlTick)
	force := readUntil(t, conn, func(msg NavigationMessage, _ map[string]interface{}) bool {
		return msg.Topic == TopicForceFeedback
	})
	assert.InDelta(t, -3.46, force["force_feedback"], 1e-9)
}
