package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/content-vault/internal/apperr"
	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/staging"
	"github.com/maauso/content-vault/internal/storage"
)

func newTestStager(t *testing.T) *staging.Stager {
	t.Helper()
	gw, err := storage.NewLocalGateway(t.TempDir(), "http://localhost/files")
	require.NoError(t, err)
	return staging.NewStager(gw, []string{"video/mp4"})
}

func stageTemp(t *testing.T, s *staging.Stager, data []byte) staging.StagedObject {
	t.Helper()
	ctx := context.Background()
	raw, err := s.UploadRaw(ctx, bytes.NewReader(data), int64(len(data)), "u1", "clip.mp4", "video/mp4")
	require.NoError(t, err)
	temp, err := s.CopyToTemp(ctx, raw)
	require.NoError(t, err)
	return temp
}

func readAll(t *testing.T, s *staging.Stager, obj staging.StagedObject) []byte {
	t.Helper()
	rc, err := s.Open(context.Background(), obj)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestPassthrough_CopiesToDerivedKey(t *testing.T) {
	s := newTestStager(t)
	temp := stageTemp(t, s, []byte("frames"))

	out, err := NewPassthrough(s).Transform(context.Background(), temp, preference.DefaultProfile(preference.Daily))
	require.NoError(t, err)

	assert.NotEqual(t, temp.Key, out.Key)
	assert.Equal(t, staging.StageTemp, out.Stage)
	assert.True(t, strings.HasPrefix(out.Filename, staging.DerivedPrefix))
	assert.Equal(t, []byte("frames"), readAll(t, s, out))
	assert.Equal(t, []byte("frames"), readAll(t, s, temp), "source must be left in place")
}

func TestPassthrough_MissingSourceIsNotFound(t *testing.T) {
	s := newTestStager(t)
	temp := stageTemp(t, s, []byte("frames"))
	require.NoError(t, s.DiscardTemp(context.Background(), temp))

	out, err := NewPassthrough(s).Transform(context.Background(), temp, nil)
	require.Error(t, err)
	assert.True(t, out.IsZero())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAsProcessing(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want apperr.Kind
	}{
		{"storage becomes transient", apperr.New(apperr.KindStorage, "s", "boom"), apperr.KindTransient},
		{"plain error becomes transient", fmt.Errorf("io failure"), apperr.KindTransient},
		{"cancelled passes through", apperr.New(apperr.KindCancelled, "s", "stop"), apperr.KindCancelled},
		{"corrupt passes through", apperr.New(apperr.KindCorrupt, "s", "bad"), apperr.KindCorrupt},
		{"not found passes through", apperr.New(apperr.KindNotFound, "s", "gone"), apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.KindOf(asProcessing("op", tt.in)))
		})
	}
	assert.NoError(t, asProcessing("op", nil))
}

func TestBuildFilter(t *testing.T) {
	t.Run("neutral profile", func(t *testing.T) {
		got := BuildFilter(preference.Profile{})
		assert.Equal(t, "eq=contrast=1:brightness=0:saturation=1,format=yuv420p", got)
	})

	t.Run("warmth and grain", func(t *testing.T) {
		got := BuildFilter(preference.Profile{
			preference.ParamContrast:   1.2,
			preference.ParamBrightness: 0.05,
			preference.ParamSaturation: 1.1,
			preference.ParamWarmth:     0.5,
			preference.ParamGrain:      0.2,
		})
		assert.Equal(t,
			"eq=contrast=1.2:brightness=0.05:saturation=1.1,colorbalance=rm=0.15:bm=-0.15,noise=alls=6:allf=t,format=yuv420p",
			got)
	})

	t.Run("out of range values are clamped", func(t *testing.T) {
		r, ok := preference.RangeOf(preference.ParamContrast)
		require.True(t, ok)
		got := BuildFilter(preference.Profile{preference.ParamContrast: r.Max + 100})
		assert.Contains(t, got, "contrast="+num(r.Max)+":")
	})
}

func TestNewFFmpegTransformer_Options(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		tr := NewFFmpegTransformer(nil)
		assert.Equal(t, "ffmpeg", tr.ffmpegPath)
		assert.Equal(t, "ffprobe", tr.ffprobePath)
	})

	t.Run("custom", func(t *testing.T) {
		tr := NewFFmpegTransformer(nil, WithBinaries("/opt/ffmpeg", ""), WithTempDir("/work"))
		assert.Equal(t, "/opt/ffmpeg", tr.ffmpegPath)
		assert.Equal(t, "ffprobe", tr.ffprobePath)
		assert.Equal(t, "/work", tr.tempDir)
	})
}

func TestFFmpegError(t *testing.T) {
	inner := fmt.Errorf("exit status 1")
	err := &FFmpegError{Args: []string{"-i", "x"}, Stderr: "invalid data", Err: inner}
	assert.Contains(t, err.Error(), "invalid data")
	assert.ErrorIs(t, err, inner)
}

// skipIfNoFFmpeg skips the test if ffmpeg or ffprobe is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not found in PATH, skipping test", bin)
		}
	}
}

func createTestVideo(t *testing.T, path string) {
	t.Helper()
	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", "color=c=blue:s=64x64:d=0.5",
		"-f", "lavfi",
		"-i", "anullsrc=r=44100:cl=mono:d=0.5",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-c:a", "aac",
		"-shortest",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test video: %v\noutput: %s", err, output)
	}
}

func createTestAudio(t *testing.T, path string) {
	t.Helper()
	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", "sine=frequency=440:duration=0.5",
		"-c:a", "aac",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test audio: %v\noutput: %s", err, output)
	}
}

func TestFFmpegTransformer_RendersVideo(t *testing.T) {
	skipIfNoFFmpeg(t)

	src := filepath.Join(t.TempDir(), "src.mp4")
	createTestVideo(t, src)
	data, err := os.ReadFile(src)
	require.NoError(t, err)

	s := newTestStager(t)
	temp := stageTemp(t, s, data)
	work := t.TempDir()

	tr := NewFFmpegTransformer(s, WithTempDir(work))
	out, err := tr.Transform(context.Background(), temp, preference.DefaultProfile(preference.Studio))
	require.NoError(t, err)

	assert.Equal(t, staging.DerivedOf(temp).Key, out.Key)
	assert.NotEmpty(t, readAll(t, s, out))

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directory should be cleaned up")
}

func TestFFmpegTransformer_CorruptSource(t *testing.T) {
	skipIfNoFFmpeg(t)

	s := newTestStager(t)
	temp := stageTemp(t, s, []byte("this is not a video"))

	out, err := NewFFmpegTransformer(s, WithTempDir(t.TempDir())).
		Transform(context.Background(), temp, preference.Profile{})
	require.Error(t, err)
	assert.True(t, out.IsZero())
	assert.Equal(t, apperr.KindCorrupt, apperr.KindOf(err))
}

func TestFFmpegTransformer_AudioOnlyIsUnsupported(t *testing.T) {
	skipIfNoFFmpeg(t)

	src := filepath.Join(t.TempDir(), "tone.mp4")
	createTestAudio(t, src)
	data, err := os.ReadFile(src)
	require.NoError(t, err)

	s := newTestStager(t)
	temp := stageTemp(t, s, data)

	_, err = NewFFmpegTransformer(s, WithTempDir(t.TempDir())).
		Transform(context.Background(), temp, preference.Profile{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsupported, apperr.KindOf(err))
}

func TestFFmpegTransformer_MissingProbeBinaryIsTransient(t *testing.T) {
	s := newTestStager(t)
	temp := stageTemp(t, s, []byte("frames"))

	tr := NewFFmpegTransformer(s,
		WithTempDir(t.TempDir()),
		WithBinaries("/nonexistent/ffmpeg", "/nonexistent/ffprobe"),
	)
	_, err := tr.Transform(context.Background(), temp, preference.Profile{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
}
