package sensors

import (
	"bufio"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missilemap/missilemap-go/internal/heading"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		kind Kind
		vec  heading.Vector3
		ok   bool
	}{
		{"ACC,0.1,-0.2,9.81", Accelerometer, heading.Vector3{X: 0.1, Y: -0.2, Z: 9.81}, true},
		{" mag, 20, 5 ,-40 \r", Magnetic, heading.Vector3{X: 20, Y: 5, Z: -40}, true},
		{"GYR,1,2,3", 0, heading.Vector3{}, false},
		{"ACC,1,2", 0, heading.Vector3{}, false},
		{"ACC,1,x,3", 0, heading.Vector3{}, false},
		{"MAG,inf,20,-40", 0, heading.Vector3{}, false},
		{"MAG,20,-Inf,-40", 0, heading.Vector3{}, false},
		{"ACC,NaN,0,9.8", 0, heading.Vector3{}, false},
		{"", 0, heading.Vector3{}, false},
	}
	for _, tt := range tests {
		kind, vec, ok := ParseLine(tt.line)
		assert.Equal(t, tt.ok, ok, "line %q", tt.line)
		assert.Equal(t, tt.kind, kind, "line %q", tt.line)
		assert.Equal(t, tt.vec, vec, "line %q", tt.line)
	}
}

func TestReadSample_SkipsNoise(t *testing.T) {
	input := "boot v1.2\nACC,0,0,9.8\n\n# comment\nMAG,1,2,3\n"
	sc := bufio.NewScanner(strings.NewReader(input))
	stamp := time.Unix(42, 0)
	now := func() time.Time { return stamp }

	s, err := readSample(sc, now)
	require.NoError(t, err)
	assert.Equal(t, Accelerometer, s.Kind)
	assert.Equal(t, stamp, s.Stamp)

	s, err = readSample(sc, now)
	require.NoError(t, err)
	assert.Equal(t, Magnetic, s.Kind)
	assert.Equal(t, heading.Vector3{X: 1, Y: 2, Z: 3}, s.Vector)

	_, err = readSample(sc, now)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSerialIMU_ReadBeforeConnect(t *testing.T) {
	imu := NewSerialIMU(SerialConfig{PortPath: "/dev/null"})
	_, err := imu.Read()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, imu.Close())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "accelerometer", Accelerometer.String())
	assert.Equal(t, "magnetic", Magnetic.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}

func TestDemoIMU_AlternatesAndTracksHeading(t *testing.T) {
	d := NewDemoIMU(10*time.Second, 0, 1)
	f := heading.NewFilter(heading.DefaultAlpha)

	var grav, mag heading.Vector3
	for i := 0; i < 200; i++ {
		s, err := d.Read()
		require.NoError(t, err)
		want := Accelerometer
		if i%2 == 1 {
			want = Magnetic
		}
		require.Equal(t, want, s.Kind)
		if s.Kind == Accelerometer {
			grav = s.Vector
		} else {
			mag = s.Vector
		}
		if !grav.IsZero() && !mag.IsZero() {
			f.Observe(grav, mag)
		}
	}

	// The filter lags a turning device by a bounded amount.
	diff := heading.Normalize(f.Current().Radians() - d.TrueHeading().Radians())
	assert.Less(t, math.Abs(diff.Radians()), 0.3)
}
