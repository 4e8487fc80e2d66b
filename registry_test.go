package tms_robot

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// fakePort is an in-memory serial port. Lines written with feed come out of Read.
type fakePort struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed atomic.Bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.closed.Store(true)
	p.w.Close()
	return p.r.Close()
}

func (p *fakePort) feed(line string) error {
	_, err := p.w.Write([]byte(line + "\n"))
	return err
}

// fakeOpener hands out fake ports and remembers them by path.
type fakeOpener struct {
	mu    sync.Mutex
	ports map[string]*fakePort
	opens int
	fail  map[string]error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{ports: make(map[string]*fakePort), fail: make(map[string]error)}
}

func (o *fakeOpener) open(path string, baudrate int) (SerialPorter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[path]; err != nil {
		return nil, err
	}
	p := newFakePort()
	o.ports[path] = p
	o.opens++
	return p, nil
}

func (o *fakeOpener) port(path string) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[path]
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func pressureMonitor() *SensorMonitor {
	return NewSensorMonitor(map[SensorChannel]Envelope{ChannelPressure: {Limit: 100}}, time.Second, clock.New())
}

func waitForPressure(t *testing.T, m *SensorMonitor, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := m.Latest(ChannelPressure); ok && r.Err == nil && r.Value == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitor never saw pressure %v", want)
}

// TestRegistrySharedAccess tests that two users of one port share a single reader
func TestRegistrySharedAccess(t *testing.T) {
	opener := newFakeOpener()
	registry := NewPressureReaderRegistry(opener.open, clock.New())
	logger := logging.NewTestLogger(t)
	m1, m2 := pressureMonitor(), pressureMonitor()

	r1, err := registry.Acquire("/dev/ttyUSB0", 115200, m1, logger)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	r2, err := registry.Acquire("/dev/ttyUSB0", 115200, m2, logger)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	defer registry.ForceClose("/dev/ttyUSB0")

	if r1 != r2 {
		t.Fatal("expected both users to share one reader")
	}
	if opener.openCount() != 1 {
		t.Fatalf("expected 1 open, got %d", opener.openCount())
	}

	refs, open, summary := registry.Status("/dev/ttyUSB0")
	if refs != 2 || !open {
		t.Fatalf("expected 2 refs on an open reader, got %d (open=%v)", refs, open)
	}
	if summary != "Serial: /dev/ttyUSB0@115200" {
		t.Fatalf("unexpected summary %q", summary)
	}

	if err := opener.port("/dev/ttyUSB0").feed("3.25"); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	waitForPressure(t, m1, 3.25)
	waitForPressure(t, m2, 3.25)
}

// TestRegistryBaudrateConflict tests that a port cannot be shared at two baud rates
func TestRegistryBaudrateConflict(t *testing.T) {
	opener := newFakeOpener()
	registry := NewPressureReaderRegistry(opener.open, clock.New())
	logger := logging.NewTestLogger(t)

	if _, err := registry.Acquire("/dev/ttyUSB0", 115200, pressureMonitor(), logger); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer registry.ForceClose("/dev/ttyUSB0")

	if _, err := registry.Acquire("/dev/ttyUSB0", 9600, pressureMonitor(), logger); err == nil {
		t.Fatal("expected a baudrate conflict")
	}
	if refs, _, _ := registry.Status("/dev/ttyUSB0"); refs != 1 {
		t.Fatalf("conflicting acquire must not take a reference, got %d refs", refs)
	}
}

// TestRegistryReleaseClosesOnLastReference tests reference counting on release
func TestRegistryReleaseClosesOnLastReference(t *testing.T) {
	opener := newFakeOpener()
	registry := NewPressureReaderRegistry(opener.open, clock.New())
	logger := logging.NewTestLogger(t)
	m1, m2 := pressureMonitor(), pressureMonitor()

	for _, m := range []*SensorMonitor{m1, m2} {
		if _, err := registry.Acquire("/dev/ttyACM0", 115200, m, logger); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
	}
	port := opener.port("/dev/ttyACM0")

	if err := registry.Release("/dev/ttyACM0", m1); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if port.closed.Load() {
		t.Fatal("port closed while still in use")
	}
	if refs, _, _ := registry.Status("/dev/ttyACM0"); refs != 1 {
		t.Fatalf("expected 1 ref, got %d", refs)
	}

	// m1 no longer receives samples
	if err := port.feed("7"); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	waitForPressure(t, m2, 7)
	if r, ok := m1.Latest(ChannelPressure); ok && r.Value == 7 {
		t.Fatal("released monitor still receives samples")
	}

	if err := registry.Release("/dev/ttyACM0", m2); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !port.closed.Load() {
		t.Fatal("port should be closed after the last release")
	}
	if _, open, _ := registry.Status("/dev/ttyACM0"); open {
		t.Fatal("registry entry should be gone")
	}

	// releasing an unknown port is a no-op
	if err := registry.Release("/dev/ttyACM0", m2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestRegistryReacquireAfterClose tests that a closed port is reopened on the next acquire
func TestRegistryReacquireAfterClose(t *testing.T) {
	opener := newFakeOpener()
	registry := NewPressureReaderRegistry(opener.open, clock.New())
	logger := logging.NewTestLogger(t)
	m := pressureMonitor()

	if _, err := registry.Acquire("COM3", 115200, m, logger); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := registry.ForceClose("COM3"); err != nil {
		t.Fatalf("force close failed: %v", err)
	}
	if _, err := registry.Acquire("COM3", 115200, m, logger); err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	defer registry.ForceClose("COM3")

	if opener.openCount() != 2 {
		t.Fatalf("expected the port to be opened twice, got %d", opener.openCount())
	}
}

// TestRegistryReopensFailedPort tests that a port whose reader died is opened again
func TestRegistryReopensFailedPort(t *testing.T) {
	opener := newFakeOpener()
	registry := NewPressureReaderRegistry(opener.open, clock.New())
	logger := logging.NewTestLogger(t)
	m1, m2 := pressureMonitor(), pressureMonitor()
	const path = "/dev/ttyUSB1"

	if _, err := registry.Acquire(path, 115200, m1, logger); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	failed := opener.port(path)
	failed.w.CloseWithError(errors.New("device unplugged"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		registry.mu.RLock()
		entry := registry.entries[path]
		registry.mu.RUnlock()
		if entry != nil && entry.stopped() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reader never stopped after the port failed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r, ok := m1.Latest(ChannelPressure); !ok || r.Err == nil {
		t.Fatal("expected the port failure to be reported as a sensor fault")
	}

	if _, err := registry.Acquire(path, 115200, m2, logger); err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	defer registry.ForceClose(path)
	if opener.openCount() != 2 {
		t.Fatalf("expected the port to be opened twice, got %d", opener.openCount())
	}
	if !failed.closed.Load() {
		t.Fatal("failed port should be closed")
	}

	// the user of the dead reader holds no reference on the new one
	if err := registry.Release(path, m1); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if refs, open, _ := registry.Status(path); refs != 1 || !open {
		t.Fatalf("expected 1 ref on an open reader, got %d (open=%v)", refs, open)
	}

	if err := opener.port(path).feed("4.5"); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	waitForPressure(t, m2, 4.5)
}

// TestRegistryOpenError tests that a failed open leaves no entry behind
func TestRegistryOpenError(t *testing.T) {
	opener := newFakeOpener()
	opener.fail["/dev/ttyUSB9"] = errors.New("no such device")
	registry := NewPressureReaderRegistry(opener.open, clock.New())

	if _, err := registry.Acquire("/dev/ttyUSB9", 115200, pressureMonitor(), logging.NewTestLogger(t)); err == nil {
		t.Fatal("expected open error")
	}
	if refs, open, _ := registry.Status("/dev/ttyUSB9"); refs != 0 || open {
		t.Fatalf("expected no entry, got %d refs (open=%v)", refs, open)
	}
}

// TestConcurrentRegistryAccess tests concurrent acquire and release across ports
func TestConcurrentRegistryAccess(t *testing.T) {
	opener := newFakeOpener()
	registry := NewPressureReaderRegistry(opener.open, clock.New())
	logger := logging.NewTestLogger(t)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			port := fmt.Sprintf("/dev/ttyUSB%d", id%3)
			m := pressureMonitor()
			if _, err := registry.Acquire(port, 115200, m, logger); err != nil {
				errs <- err
				return
			}
			time.Sleep(time.Millisecond)
			if err := registry.Release(port, m); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("worker failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		port := fmt.Sprintf("/dev/ttyUSB%d", i)
		if refs, open, _ := registry.Status(port); refs != 0 || open {
			t.Errorf("%s still has %d refs (open=%v)", port, refs, open)
		}
	}
}
