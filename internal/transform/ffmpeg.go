package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maauso/content-vault/internal/apperr"
	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/staging"
)

// FFmpegTransformer verifies the source with ffprobe and renders the style
// profile with an ffmpeg filter chain. Work files live under a per-call
// directory in tempDir and are removed when Transform returns.
type FFmpegTransformer struct {
	ws          Workspace
	ffmpegPath  string
	ffprobePath string
	tempDir     string
	logger      *slog.Logger
}

// FFmpegOption configures an FFmpegTransformer.
type FFmpegOption func(*FFmpegTransformer)

// WithBinaries sets the ffmpeg and ffprobe paths. Empty values keep the defaults.
func WithBinaries(ffmpegPath, ffprobePath string) FFmpegOption {
	return func(t *FFmpegTransformer) {
		if ffmpegPath != "" {
			t.ffmpegPath = ffmpegPath
		}
		if ffprobePath != "" {
			t.ffprobePath = ffprobePath
		}
	}
}

// WithTempDir sets the directory for work files.
func WithTempDir(dir string) FFmpegOption {
	return func(t *FFmpegTransformer) {
		if dir != "" {
			t.tempDir = dir
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FFmpegOption {
	return func(t *FFmpegTransformer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewFFmpegTransformer creates an FFmpegTransformer. Binaries default to
// "ffmpeg" and "ffprobe" found via PATH.
func NewFFmpegTransformer(ws Workspace, opts ...FFmpegOption) *FFmpegTransformer {
	t := &FFmpegTransformer{
		ws:          ws,
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		tempDir:     os.TempDir(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform downloads source, verifies it, renders profile and uploads the
// result as a derived Temp object.
func (t *FFmpegTransformer) Transform(ctx context.Context, source staging.StagedObject, profile preference.Profile) (staging.StagedObject, error) {
	const op = "transform.ffmpeg"

	if err := os.MkdirAll(t.tempDir, 0o750); err != nil {
		return staging.StagedObject{}, apperr.Wrap(apperr.KindTransient, op, err, "prepare work directory")
	}
	workDir, err := os.MkdirTemp(t.tempDir, "transform-*")
	if err != nil {
		return staging.StagedObject{}, apperr.Wrap(apperr.KindTransient, op, err, "prepare work directory")
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	ext := filepath.Ext(source.Filename)
	input := filepath.Join(workDir, "input"+ext)
	output := filepath.Join(workDir, "output"+ext)

	if err := t.download(ctx, source, input); err != nil {
		return staging.StagedObject{}, asProcessing(op, err)
	}

	hasVideo, err := t.probe(ctx, input)
	if err != nil {
		return staging.StagedObject{}, err
	}
	if !hasVideo {
		return staging.StagedObject{}, apperr.New(apperr.KindUnsupported, op, "source has no video stream")
	}

	args := []string{
		"-y",
		"-i", input,
		"-vf", BuildFilter(profile),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		output,
	}
	if err := t.runFFmpeg(ctx, args); err != nil {
		if ctx.Err() != nil {
			return staging.StagedObject{}, apperr.Wrap(apperr.KindCancelled, op, ctx.Err(), "transform cancelled")
		}
		return staging.StagedObject{}, apperr.Wrap(apperr.KindTransient, op, err, "render failed")
	}

	f, err := os.Open(output) // #nosec G304 - output is inside our work directory
	if err != nil {
		return staging.StagedObject{}, apperr.Wrap(apperr.KindTransient, op, err, "open rendered output")
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return staging.StagedObject{}, apperr.Wrap(apperr.KindTransient, op, err, "stat rendered output")
	}

	derived, err := t.ws.WriteDerived(ctx, source, f, fi.Size())
	if err != nil {
		// The upload may have left a partial object behind.
		return staging.DerivedOf(source), asProcessing(op, err)
	}

	t.logger.Debug("transform rendered",
		slog.String("source", source.Key),
		slog.String("derived", derived.Key),
		slog.Int64("size", derived.Size),
	)
	return derived, nil
}

func (t *FFmpegTransformer) download(ctx context.Context, obj staging.StagedObject, dst string) error {
	rc, err := t.ws.Open(ctx, obj)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	f, err := os.Create(dst) // #nosec G304 - dst is inside our work directory
	if err != nil {
		return fmt.Errorf("create work file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("download source: %w", err)
	}
	return f.Close()
}

type probeResult struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// probe reports whether path contains a video stream. Files ffprobe cannot
// parse are corrupt.
func (t *FFmpegTransformer) probe(ctx context.Context, path string) (bool, error) {
	const op = "transform.probe"

	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "stream=codec_type",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return false, apperr.Wrap(apperr.KindCancelled, op, ctx.Err(), "probe cancelled")
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return false, apperr.Wrap(apperr.KindTransient, op, err, "ffprobe unavailable")
		}
		return false, apperr.Wrap(apperr.KindCorrupt, op,
			fmt.Errorf("%w, stderr: %s", err, strings.TrimSpace(stderr.String())), "source could not be read")
	}

	var res probeResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return false, apperr.Wrap(apperr.KindCorrupt, op, err, "source could not be read")
	}
	for _, s := range res.Streams {
		if s.CodecType == "video" {
			return true, nil
		}
	}
	return false, nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (t *FFmpegTransformer) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// BuildFilter renders a style profile as an ffmpeg -vf chain. Missing
// parameters take neutral values. transition_speed applies to multi-clip
// edits and has no single-clip filter.
func BuildFilter(profile preference.Profile) string {
	get := func(name string, neutral float64) float64 {
		v, ok := profile[name]
		if !ok {
			return neutral
		}
		if r, ok := preference.RangeOf(name); ok {
			v = r.Clamp(v)
		}
		return v
	}

	contrast := get(preference.ParamContrast, 1)
	brightness := get(preference.ParamBrightness, 0)
	saturation := get(preference.ParamSaturation, 1)
	warmth := get(preference.ParamWarmth, 0)
	grain := get(preference.ParamGrain, 0)

	filters := []string{
		fmt.Sprintf("eq=contrast=%s:brightness=%s:saturation=%s", num(contrast), num(brightness), num(saturation)),
	}
	if warmth != 0 {
		shift := warmth * 0.3
		filters = append(filters, fmt.Sprintf("colorbalance=rm=%s:bm=%s", num(shift), num(-shift)))
	}
	if grain > 0 {
		filters = append(filters, fmt.Sprintf("noise=alls=%d:allf=t", int(grain*30+0.5)))
	}
	filters = append(filters, "format=yuv420p")
	return strings.Join(filters, ",")
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
