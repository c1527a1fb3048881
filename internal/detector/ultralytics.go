package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// maxResponseSize bounds a single msgpack response from the helper process.
const maxResponseSize = 16 << 20

// UltralyticsConfig holds options for the subprocess backend.
type UltralyticsConfig struct {
	// Python is the interpreter used to run Script (default: python3).
	Python string
	// Script is the helper service that loads the model.
	Script string
	// ModelPath is passed to the helper as --model.
	ModelPath string
	// IdleTimeout shuts the helper down after a period without frames (default: 30s).
	IdleTimeout time.Duration
}

// UltralyticsModel implements Model using a long-lived Python helper process.
//
// Protocol: each frame is written to the helper's stdin as a 4-byte
// big-endian length followed by JPEG bytes. The helper answers on stdout with
// a 4-byte big-endian length followed by a msgpack map
// {"detections": [{"class_id", "confidence", "box": [x1, y1, x2, y2]}], "error": ""}.
type UltralyticsModel struct {
	config    UltralyticsConfig
	logger    *zap.SugaredLogger
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	idleTimer *time.Timer
}

// NewUltralyticsModel creates a new subprocess model.
// The Python process is started lazily on first inference.
func NewUltralyticsModel(config UltralyticsConfig, logger *zap.SugaredLogger) (*UltralyticsModel, error) {
	if config.Python == "" {
		config.Python = "python3"
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if _, err := os.Stat(config.Script); err != nil {
		return nil, errors.Wrapf(err, "helper script %s", config.Script)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &UltralyticsModel{
		config: config,
		logger: logger,
	}, nil
}

type helperResponse struct {
	Detections []helperDetection `msgpack:"detections"`
	Error      string            `msgpack:"error"`
}

type helperDetection struct {
	ClassID    int       `msgpack:"class_id"`
	Confidence float64   `msgpack:"confidence"`
	Box        []float64 `msgpack:"box"`
}

// Infer sends frame to the helper and returns its detections.
func (m *UltralyticsModel) Infer(ctx context.Context, frame gocv.Mat) ([]RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	defer buf.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureStarted(); err != nil {
		return nil, err
	}

	// A cancelled frame kills the helper so the pipe reads below return.
	proc := m.cmd.Process
	stop := context.AfterFunc(ctx, func() { proc.Kill() })

	payload, err := m.roundTrip(buf.GetBytes())
	if !stop() {
		err = errors.Wrap(ctx.Err(), "inference cancelled")
	}
	if err != nil {
		// The pipe is in an unknown state; restart on the next frame.
		m.shutdown()
		return nil, err
	}

	m.resetIdleTimer()
	return decodeHelperResponse(payload)
}

func (m *UltralyticsModel) roundTrip(data []byte) ([]byte, error) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	if _, err := m.stdin.Write(header); err != nil {
		return nil, errors.Wrap(err, "write length")
	}
	if _, err := m.stdin.Write(data); err != nil {
		return nil, errors.Wrap(err, "write data")
	}

	if _, err := io.ReadFull(m.stdout, header); err != nil {
		return nil, errors.Wrap(err, "read response length")
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxResponseSize {
		return nil, errors.Errorf("response of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(m.stdout, payload); err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return payload, nil
}

// decodeHelperResponse parses one msgpack response into raw detections.
func decodeHelperResponse(payload []byte) ([]RawDetection, error) {
	var resp helperResponse
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, "parse response")
	}
	if resp.Error != "" {
		return nil, errors.Errorf("helper: %s", resp.Error)
	}

	out := make([]RawDetection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		if len(d.Box) != 4 {
			return nil, errors.Errorf("malformed box with %d coordinates", len(d.Box))
		}
		out = append(out, RawDetection{
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			X1:         d.Box[0],
			Y1:         d.Box[1],
			X2:         d.Box[2],
			Y2:         d.Box[3],
		})
	}
	return out, nil
}

// Close shuts down the Python process.
func (m *UltralyticsModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown()
}

func (m *UltralyticsModel) ensureStarted() error {
	if m.started {
		return nil
	}

	args := []string{m.config.Script}
	if m.config.ModelPath != "" {
		args = append(args, "--model", m.config.ModelPath)
	}
	m.cmd = exec.Command(m.config.Python, args...)

	stdin, err := m.cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "create stdin pipe")
	}

	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "create stdout pipe")
	}

	// Capture stderr for debugging
	m.cmd.Stderr = os.Stderr

	if err := m.cmd.Start(); err != nil {
		return errors.Wrap(err, "start ultralytics helper")
	}

	m.stdin = stdin
	m.stdout = bufio.NewReader(stdout)
	m.started = true
	m.logger.Infow("ultralytics helper started", "script", m.config.Script, "pid", m.cmd.Process.Pid)

	return nil
}

func (m *UltralyticsModel) shutdown() error {
	if !m.started {
		return nil
	}

	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}

	if m.stdin != nil {
		m.stdin.Close()
	}

	err := m.cmd.Wait()
	m.started = false
	m.cmd = nil
	m.stdin = nil
	m.stdout = nil
	m.logger.Infow("ultralytics helper stopped", "error", err)

	return err
}

func (m *UltralyticsModel) resetIdleTimer() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.config.IdleTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.shutdown()
	})
}
