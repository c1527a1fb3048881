package capture

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenVideo_NotFound(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "empty reference", path: ""},
		{name: "missing file", path: filepath.Join(t.TempDir(), "missing.mp4")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenVideo(tt.path)
			if !errors.Is(err, ErrSourceNotFound) {
				t.Errorf("OpenVideo(%q) error = %v, want ErrSourceNotFound", tt.path, err)
			}
		})
	}
}

func TestOpenVideo_Unreadable(t *testing.T) {
	t.Run("directory", func(t *testing.T) {
		_, err := OpenVideo(t.TempDir())
		if !errors.Is(err, ErrSourceUnreadable) {
			t.Errorf("OpenVideo(dir) error = %v, want ErrSourceUnreadable", err)
		}
	})

	t.Run("not a video", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping test that requires OpenCV video backends")
		}

		path := filepath.Join(t.TempDir(), "notes.mp4")
		if err := os.WriteFile(path, []byte("this is not a video"), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}

		_, err := OpenVideo(path)
		if !errors.Is(err, ErrSourceUnreadable) {
			t.Errorf("OpenVideo(text file) error = %v, want ErrSourceUnreadable", err)
		}
	})
}
