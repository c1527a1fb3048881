package encode

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ayusman/spotwise/testdata"
	"gocv.io/x/gocv"
)

func TestNew_Quality(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: 80, want: 80},
		{in: 1, want: 1},
		{in: 100, want: 100},
		{in: 0, want: DefaultQuality},
		{in: 101, want: DefaultQuality},
		{in: -5, want: DefaultQuality},
	}

	for _, tt := range tests {
		if got := New(tt.in).Quality(); got != tt.want {
			t.Errorf("New(%d).Quality() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEncode_JPEG(t *testing.T) {
	frame := testdata.SolidFrame(testdata.FrameWidth, testdata.FrameHeight, 120)
	defer frame.Close()

	data, err := New(80).Encode(frame)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
		t.Errorf("output does not start with a JPEG SOI marker: % x", data[:2])
	}

	decoded, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		t.Fatalf("IMDecode() error = %v", err)
	}
	defer decoded.Close()

	if decoded.Cols() != testdata.FrameWidth || decoded.Rows() != testdata.FrameHeight {
		t.Errorf("decoded size = %dx%d, want %dx%d", decoded.Cols(), decoded.Rows(), testdata.FrameWidth, testdata.FrameHeight)
	}

	// Lossy, but a flat frame survives almost exactly.
	if level := testdata.Level(decoded); level < 115 || level > 125 {
		t.Errorf("decoded level = %d, want ~120", level)
	}
}

func TestEncode_LowerQualityIsSmaller(t *testing.T) {
	frame := gocv.NewMatWithSize(testdata.FrameHeight, testdata.FrameWidth, gocv.MatTypeCV8UC3)
	defer frame.Close()
	gocv.RandU(&frame, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(255, 255, 255, 0))

	high, err := New(95).Encode(frame)
	if err != nil {
		t.Fatalf("Encode(95) error = %v", err)
	}
	low, err := New(10).Encode(frame)
	if err != nil {
		t.Fatalf("Encode(10) error = %v", err)
	}

	if len(low) >= len(high) {
		t.Errorf("quality 10 produced %d bytes, quality 95 produced %d", len(low), len(high))
	}
}

func TestEncode_EmptyFrame(t *testing.T) {
	frame := gocv.NewMat()
	defer frame.Close()

	_, err := New(80).Encode(frame)
	if !errors.Is(err, ErrEncodingFailed) {
		t.Errorf("Encode() error = %v, want ErrEncodingFailed", err)
	}
}
