package tms_robot

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// SerialPorter is the part of a serial port the pressure reader uses.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens a serial port at path.
type SerialPortOpener func(path string, baudrate int) (SerialPorter, error)

// openSerialPort opens a real serial port, 8N1.
func openSerialPort(path string, baudrate int) (SerialPorter, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open pressure sensor port %s", path)
	}
	return port, nil
}

// PressureReader parses newline-delimited pressure samples from a serial port and fans
// them out to every subscribed sensor monitor. A line is either a bare number or
// comma/space separated fields whose last field is the value.
type PressureReader struct {
	path   string
	port   SerialPorter
	clock  clock.Clock
	logger logging.Logger

	mu          sync.Mutex
	subscribers map[*SensorMonitor]struct{}
}

func newPressureReader(path string, port SerialPorter, clk clock.Clock, logger logging.Logger) *PressureReader {
	return &PressureReader{
		path:        path,
		port:        port,
		clock:       clk,
		logger:      logger,
		subscribers: make(map[*SensorMonitor]struct{}),
	}
}

func (r *PressureReader) subscribe(m *SensorMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[m] = struct{}{}
}

// unsubscribe reports whether m was subscribed.
func (r *PressureReader) unsubscribe(m *SensorMonitor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[m]; !ok {
		return false
	}
	delete(r.subscribers, m)
	return true
}

func (r *PressureReader) publish(reading SensorReading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for m := range r.subscribers {
		m.Record(reading)
	}
}

// Monitor reads until ctx is done or the port fails. A port failure is published as a
// sensor fault before Monitor returns.
func (r *PressureReader) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(r.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		} else {
			scanErr <- io.EOF
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := errors.Wrapf(<-scanErr, "pressure sensor %s", r.path)
				r.publish(SensorReading{Channel: ChannelPressure, Timestamp: r.clock.Now(), Err: err})
				return err
			}
			r.handleLine(line)
		}
	}
}

func (r *PressureReader) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	v, err := parsePressureLine(line)
	if err != nil {
		r.logger.Debugf("unparseable pressure line %q: %v", line, err)
		r.publish(SensorReading{Channel: ChannelPressure, Timestamp: r.clock.Now(), Err: err})
		return
	}
	r.publish(SensorReading{Channel: ChannelPressure, Value: v, Timestamp: r.clock.Now()})
}

func parsePressureLine(line string) (float64, error) {
	fields := strings.FieldsFunc(line, func(c rune) bool { return c == ',' || c == ' ' || c == '\t' || c == ';' })
	if len(fields) == 0 {
		return 0, errors.New("empty line")
	}
	last := fields[len(fields)-1]
	if i := strings.IndexByte(last, '='); i >= 0 {
		last = last[i+1:]
	}
	v, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrSensorFault, "bad pressure value %q", last)
	}
	return v, nil
}

// Close closes the serial port, which also ends Monitor.
func (r *PressureReader) Close() error {
	return r.port.Close()
}
