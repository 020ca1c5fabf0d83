package sensors

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/missilemap/missilemap-go/internal/heading"
)

// ErrNotConnected is returned by Read before Connect succeeds.
var ErrNotConnected = errors.New("imu: not connected")

// SerialIMU reads line-oriented samples from a microcontroller bridge:
//
//	ACC,<x>,<y>,<z>   accelerometer, m/s²
//	MAG,<x>,<y>,<z>   magnetometer, µT
type SerialIMU struct {
	portPath string
	baudRate int
	port     serial.Port
	scanner  *bufio.Scanner
	mu       sync.Mutex
	now      func() time.Time
}

// SerialConfig holds connection configuration for SerialIMU.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewSerialIMU creates a serial IMU provider.
func NewSerialIMU(cfg SerialConfig) *SerialIMU {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	return &SerialIMU{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		now:      time.Now,
	}
}

func (s *SerialIMU) Name() string { return "Serial IMU" }

func (s *SerialIMU) Connect() error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("imu: failed to open %s: %w", s.portPath, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return fmt.Errorf("imu: failed to flush input: %w", err)
	}
	s.attach(port)
	log.Printf("[imu] connected to %s at %d baud", s.portPath, s.baudRate)
	return nil
}

func (s *SerialIMU) attach(port serial.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = port
	s.scanner = bufio.NewScanner(port)
}

func (s *SerialIMU) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.scanner = nil
	return err
}

// Read returns the next well-formed sample, skipping noise lines.
func (s *SerialIMU) Read() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanner == nil {
		return Sample{}, ErrNotConnected
	}
	return readSample(s.scanner, s.now)
}

func readSample(sc *bufio.Scanner, now func() time.Time) (Sample, error) {
	for sc.Scan() {
		kind, v, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		return Sample{Kind: kind, Vector: v, Stamp: now()}, nil
	}
	if err := sc.Err(); err != nil {
		return Sample{}, fmt.Errorf("imu: read: %w", err)
	}
	return Sample{}, io.EOF
}

// ParseLine decodes one "ACC,x,y,z" or "MAG,x,y,z" line. NaN and infinite
// components are rejected like any other malformed field.
func ParseLine(line string) (Kind, heading.Vector3, bool) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 4 {
		return 0, heading.Vector3{}, false
	}

	var kind Kind
	switch strings.ToUpper(strings.TrimSpace(parts[0])) {
	case "ACC":
		kind = Accelerometer
	case "MAG":
		kind = Magnetic
	default:
		return 0, heading.Vector3{}, false
	}

	var xyz [3]float64
	for i := range xyz {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i+1]), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, heading.Vector3{}, false
		}
		xyz[i] = f
	}
	return kind, heading.Vector3{X: xyz[0], Y: xyz[1], Z: xyz[2]}, true
}
