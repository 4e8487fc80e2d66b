package tms_robot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

var errReaderClosed = errors.New("pressure reader is closed")

type readerEntry struct {
	reader   *PressureReader
	baudrate int
	refCount int64 // Atomic reference counter
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.RWMutex
}

// PressureReaderRegistry shares one pressure reader per serial port between every service
// that uses it, so a rebuilt service does not fight its predecessor for the port.
type PressureReaderRegistry struct {
	entries map[string]*readerEntry // port path -> entry
	mu      sync.RWMutex

	open  SerialPortOpener
	clock clock.Clock
}

func NewPressureReaderRegistry(open SerialPortOpener, clk clock.Clock) *PressureReaderRegistry {
	return &PressureReaderRegistry{
		entries: make(map[string]*readerEntry),
		open:    open,
		clock:   clk,
	}
}

var globalPressureRegistry = NewPressureReaderRegistry(openSerialPort, clock.New())

// Acquire subscribes monitor to the reader on portPath, opening the port on first use.
func (r *PressureReaderRegistry) Acquire(portPath string, baudrate int, monitor *SensorMonitor, logger logging.Logger) (*PressureReader, error) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if exists && entry.stopped() {
		// the port failed; start over with a fresh reader
		logger.Warnf("pressure sensor on %s had stopped, reopening", portPath)
		if err := r.closeEntry(portPath, entry); err != nil {
			logger.Debugf("closing failed pressure sensor on %s: %v", portPath, err)
		}
		exists = false
	}
	if exists {
		reader, err := r.attach(entry, baudrate, monitor)
		if !errors.Is(err, errReaderClosed) {
			return reader, err
		}
	}
	return r.create(portPath, baudrate, monitor, logger)
}

// stopped reports whether the reader's monitor loop has ended.
func (e *readerEntry) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (r *PressureReaderRegistry) attach(entry *readerEntry, baudrate int, monitor *SensorMonitor) (*PressureReader, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.reader == nil {
		return nil, errReaderClosed
	}
	if entry.baudrate != baudrate {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, fmt.Errorf("conflict: port %s already open at %d baud (refCount: %d)", entry.reader.path, entry.baudrate, currentRefCount)
	}
	atomic.AddInt64(&entry.refCount, 1)
	entry.reader.subscribe(monitor)
	return entry.reader, nil
}

func (r *PressureReaderRegistry) create(portPath string, baudrate int, monitor *SensorMonitor, logger logging.Logger) (*PressureReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[portPath]; exists {
		return r.attach(entry, baudrate, monitor)
	}

	port, err := r.open(portPath, baudrate)
	if err != nil {
		return nil, err
	}

	reader := newPressureReader(portPath, port, r.clock, logger)
	reader.subscribe(monitor)

	ctx, cancel := context.WithCancel(context.Background())
	entry := &readerEntry{
		reader:   reader,
		baudrate: baudrate,
		refCount: 1,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	utils.PanicCapturingGo(func() {
		defer close(entry.done)
		if err := reader.Monitor(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("pressure sensor on %s stopped: %v", portPath, err)
		}
	})
	r.entries[portPath] = entry

	logger.Infof("Opened pressure sensor on %s at %d baud", portPath, baudrate)
	return reader, nil
}

// Release unsubscribes monitor and closes the port when the last user is gone.
func (r *PressureReaderRegistry) Release(portPath string, monitor *SensorMonitor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[portPath]
	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// monitors left over from a reader that was force closed hold no reference
	if entry.reader == nil || !entry.reader.unsubscribe(monitor) {
		return nil
	}
	if currentRefCount := atomic.AddInt64(&entry.refCount, -1); currentRefCount > 0 {
		return nil
	}

	delete(r.entries, portPath)
	return r.shutdown(entry)
}

// ForceClose closes the port regardless of how many users remain. Their monitors stop
// receiving readings until they acquire the port again.
func (r *PressureReaderRegistry) ForceClose(portPath string) error {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if !exists {
		return nil
	}
	return r.closeEntry(portPath, entry)
}

// closeEntry shuts entry down and removes it, unless it was already replaced.
func (r *PressureReaderRegistry) closeEntry(portPath string, entry *readerEntry) error {
	r.mu.Lock()
	if r.entries[portPath] == entry {
		delete(r.entries, portPath)
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.shutdown(entry)
}

// shutdown must be called with entry.mu held.
func (r *PressureReaderRegistry) shutdown(entry *readerEntry) error {
	if entry.reader == nil {
		return nil
	}
	entry.cancel()
	err := entry.reader.Close()
	<-entry.done
	entry.reader = nil
	atomic.StoreInt64(&entry.refCount, 0)
	return err
}

// Status returns the reference count, whether a reader is open, and a summary.
func (r *PressureReaderRegistry) Status(portPath string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	return atomic.LoadInt64(&entry.refCount), entry.reader != nil, fmt.Sprintf("Serial: %s@%d", portPath, entry.baudrate)
}
