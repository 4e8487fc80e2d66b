// discovery.go
package tms_robot

import (
	"bufio"
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

var PressureDiscoveryModel = resource.NewModel("neuronavigation", "tms-robot", "discovery")

const pressureDetectTimeout = 1500 * time.Millisecond

func init() {
	resource.RegisterService(
		discovery.API,
		PressureDiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newPressureDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	Baudrate int `json:"baudrate,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultPressureBaudrate
	}
	return nil, nil, nil
}

// pressureDiscovery finds serial ports that stream pressure readings and proposes a coil
// controller configured for each of them.
type pressureDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger   logging.Logger
	baudrate int
	open     SerialPortOpener
	ports    func() []string
}

func newPressureDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &pressureDiscovery{
		Named:    conf.ResourceName().AsNamed(),
		logger:   logger,
		baudrate: cfg.Baudrate,
		open:     openSerialPort,
		ports:    enumerateSerialPorts,
	}, nil
}

// DiscoverResources checks candidate serial ports and returns coil controller configurations
func (dis *pressureDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	candidates := filterCandidatePorts(dis.ports())
	dis.logger.Debugf("Probing %d candidate ports for a pressure sensor", len(candidates))

	var configs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}

		if err := detectPressureSensor(ctx, dis.open, portPath, dis.baudrate); err != nil {
			dis.logger.Debugf("No pressure sensor on %s: %v", portPath, err)
			continue
		}
		dis.logger.Infof("Discovered pressure sensor on %s", portPath)
		configs = append(configs, resource.Config{
			Name:  "coil-controller-" + extractPortSuffix(portPath),
			API:   generic.API,
			Model: CoilControllerModel,
			Attributes: map[string]interface{}{
				"arm":                      "arm",
				"com_port_pressure_sensor": portPath,
				"pressure_baudrate":        dis.baudrate,
			},
		})
	}

	if len(configs) == 0 {
		dis.logger.Info("No pressure sensors discovered")
	}
	return configs, nil
}

// resolvePressurePort turns the configured port into a device path. "auto" picks the first
// candidate port that streams pressure readings.
func resolvePressurePort(ctx context.Context, configured string, baudrate int, open SerialPortOpener, ports func() []string) (string, error) {
	if configured != AutoPort {
		return configured, nil
	}
	candidates := filterCandidatePorts(ports())
	for _, p := range candidates {
		if err := detectPressureSensor(ctx, open, p, baudrate); err == nil {
			return p, nil
		}
	}
	return "", errors.Errorf("no pressure sensor found among %d candidate ports", len(candidates))
}

// detectPressureSensor opens the port and waits for one parseable pressure line.
func detectPressureSensor(ctx context.Context, open SerialPortOpener, portPath string, baudrate int) error {
	port, err := open(portPath, baudrate)
	if err != nil {
		return err
	}
	defer port.Close()

	found := make(chan error, 1)
	go func() {
		scan := bufio.NewScanner(port)
		for scan.Scan() {
			if _, err := parsePressureLine(strings.TrimSpace(scan.Text())); err == nil {
				found <- nil
				return
			}
		}
		found <- errors.New("no pressure reading before end of stream")
	}()

	select {
	case err := <-found:
		return err
	case <-time.After(pressureDetectTimeout):
		return errors.New("timed out waiting for a pressure reading")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
