package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/model"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

// RenderSpec is what a worker needs to know to render one job.
type RenderSpec struct {
	JobID     model.JobID `json:"-"`
	Name      string      `json:"name"`
	Map       string      `json:"map"`
	Sequence  string      `json:"sequence"`
	Config    string      `json:"config"`
	OutputDir string      `json:"output_dir"`
}

// ParseRenderSpec decodes the payload of a job.
func ParseRenderSpec(rec *model.JobRecord) (*RenderSpec, error) {
	spec := &RenderSpec{}
	if err := json.Unmarshal(rec.Payload, spec); err != nil {
		return nil, cerrors.ErrInvalidPayload.Wrap(err).GenWithStackByArgs("payload is not a render job")
	}
	spec.JobID = rec.ID
	if spec.Sequence == "" {
		return nil, cerrors.ErrInvalidPayload.GenWithStackByArgs("sequence is required")
	}
	return spec, nil
}

// ProgressFunc receives engine progress in [0, 1].
type ProgressFunc func(progress float64, message string)

// Engine renders jobs. Render blocks until the job finishes or ctx is done,
// and returns where the output was written.
type Engine interface {
	Render(ctx context.Context, spec *RenderSpec, progress ProgressFunc) (output string, err error)
}

var (
	progressPattern = regexp.MustCompile(`Progress:\s*([0-9]+(?:\.[0-9]+)?)%`)
	warmUpPattern   = regexp.MustCompile(`Engine Warm Up Frame (\d+)/(\d+)`)
)

// parseProgressLine extracts the progress of one engine log line.
func parseProgressLine(line string) (float64, string, bool) {
	if m := progressPattern.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, "", false
		}
		return clampProgress(pct / 100), strings.TrimSpace(line), true
	}
	if m := warmUpPattern.FindStringSubmatch(line); m != nil {
		return 0, strings.TrimSpace(m[0]), true
	}
	return 0, "", false
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// CommandEngine runs the render engine as a subprocess.
type CommandEngine struct {
	cfg EngineConfig
}

// NewCommandEngine creates an Engine that runs cfg.Executable once per job.
func NewCommandEngine(cfg EngineConfig) *CommandEngine {
	return &CommandEngine{cfg: cfg}
}

func (e *CommandEngine) outputDir(spec *RenderSpec) string {
	if spec.OutputDir != "" {
		return spec.OutputDir
	}
	if e.cfg.OutputRoot != "" {
		return filepath.Join(e.cfg.OutputRoot, spec.JobID)
	}
	return ""
}

func (e *CommandEngine) args(spec *RenderSpec) []string {
	var args []string
	if e.cfg.Project != "" {
		args = append(args, e.cfg.Project)
	}
	if spec.Map != "" {
		args = append(args, spec.Map)
	}
	args = append(args,
		"-JobId="+spec.JobID,
		"-LevelSequence="+spec.Sequence,
	)
	if spec.Config != "" {
		args = append(args, "-MoviePipelineConfig="+spec.Config)
	}
	if dir := e.outputDir(spec); dir != "" {
		args = append(args, "-OutputDirectory="+dir)
	}
	return append(args, e.cfg.Args...)
}

// Render implements Engine. Cancelling ctx interrupts the engine, which is
// killed if it does not exit within the kill grace period.
func (e *CommandEngine) Render(ctx context.Context, spec *RenderSpec, progress ProgressFunc) (string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Executable, e.args(spec)...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.cfg.KillGracePeriod.Duration()
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", cerrors.Trace(err)
	}
	tail := &tailBuffer{limit: 4096}
	cmd.Stderr = tail

	log.L().Info("start render engine",
		zap.String("job-id", spec.JobID),
		zap.String("executable", e.cfg.Executable),
		zap.Strings("args", cmd.Args[1:]))
	if err := cmd.Start(); err != nil {
		return "", cerrors.ErrEngineFailed.Wrap(err).GenWithStackByArgs(err.Error())
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.L().Debug("engine output", zap.String("job-id", spec.JobID), zap.String("line", line))
		if p, msg, ok := parseProgressLine(line); ok && progress != nil {
			progress(p, msg)
		}
	}
	// drain the rest so that the engine never blocks on a full pipe
	_, _ = io.Copy(io.Discard, stdout)

	err = cmd.Wait()
	if ctx.Err() != nil {
		return "", cerrors.Trace(ctx.Err())
	}
	if err != nil {
		detail := err.Error()
		if s := strings.TrimSpace(tail.String()); s != "" {
			detail += ": " + s
		}
		return "", cerrors.ErrEngineFailed.Wrap(err).GenWithStackByArgs(detail)
	}
	return e.outputDir(spec), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
