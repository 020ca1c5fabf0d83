package gps

import (
	"bufio"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// NMEAProvider reads NMEA 0183 sentences from a UART receiver.
type NMEAProvider struct {
	portPath string
	baudRate int
	port     serial.Port
	scanner  *bufio.Scanner
	mu       sync.Mutex
	last     Data
}

// NMEAConfig holds configuration for the NMEA provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("gps: failed to set timeout: %w", err)
	}
	n.mu.Lock()
	n.port = port
	n.scanner = bufio.NewScanner(port)
	n.mu.Unlock()
	log.Printf("[gps] connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.port != nil {
		err := n.port.Close()
		n.port = nil
		n.scanner = nil
		return err
	}
	return nil
}

// Read consumes sentences until both RMC and GGA have been seen or the
// line budget runs out, and returns a copy of the accumulated fix.
func (n *NMEAProvider) Read() (*Data, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanner == nil {
		return nil, fmt.Errorf("gps: not connected")
	}

	var gotRMC, gotGGA bool
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		if !n.scanner.Scan() {
			break
		}
		switch ApplySentence(&n.last, n.scanner.Text()) {
		case "RMC":
			gotRMC = true
		case "GGA":
			gotGGA = true
		}
	}

	fix := n.last
	return &fix, nil
}

// ApplySentence folds one NMEA sentence into d. It returns the sentence
// type it consumed ("RMC" or "GGA"), or "" for anything ignored, including
// lines with a bad checksum.
func ApplySentence(d *Data, line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") || !validChecksum(line) {
		return ""
	}
	fields := splitFields(line)
	if len(fields[0]) != 5 {
		return ""
	}
	// Talker ID (GP, GN, GL, ...) is ignored.
	switch fields[0][2:] {
	case "RMC":
		if applyRMC(d, fields) {
			return "RMC"
		}
	case "GGA":
		if applyGGA(d, fields) {
			return "GGA"
		}
	}
	return ""
}

// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
func applyRMC(d *Data, f []string) bool {
	if len(f) < 10 {
		return false
	}
	d.Timestamp = f[1]
	d.Valid = f[2] == "A"
	if !d.Valid {
		return true
	}
	d.Latitude = parseCoord(f[3], f[4])
	d.Longitude = parseCoord(f[5], f[6])
	if knots, err := strconv.ParseFloat(f[7], 64); err == nil {
		d.Speed = knots * 1.852
	}
	if course, err := strconv.ParseFloat(f[8], 64); err == nil {
		d.Heading = course
	}
	return true
}

// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
func applyGGA(d *Data, f []string) bool {
	if len(f) < 11 {
		return false
	}
	if fix, err := strconv.Atoi(f[6]); err == nil {
		d.FixQuality = fix
	}
	if sats, err := strconv.Atoi(f[7]); err == nil {
		d.Satellites = sats
	}
	if hdop, err := strconv.ParseFloat(f[8], 64); err == nil {
		d.HDOP = hdop
	}
	if alt, err := strconv.ParseFloat(f[9], 64); err == nil {
		d.Altitude = alt
	}
	return true
}

// splitFields strips "$" and the "*hh" checksum and splits on commas.
func splitFields(line string) []string {
	if idx := strings.IndexByte(line, '*'); idx >= 0 {
		line = line[:idx]
	}
	return strings.Split(strings.TrimPrefix(line, "$"), ",")
}

// parseCoord converts NMEA ddmm.mmmm to signed decimal degrees.
func parseCoord(raw, hemi string) float64 {
	if raw == "" || hemi == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	result := deg + (val-deg*100)/60
	if hemi == "S" || hemi == "W" {
		result = -result
	}
	return result
}

// validChecksum checks the XOR of the bytes between "$" and "*".
func validChecksum(line string) bool {
	idx := strings.IndexByte(line, '*')
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	var sum byte
	for i := 1; i < idx; i++ {
		sum ^= line[i]
	}
	want, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(want) == sum
}
