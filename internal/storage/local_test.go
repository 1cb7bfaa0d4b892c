package storage

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/content-vault/internal/apperr"
)

func setupLocalGateway(t *testing.T, opts ...LocalOption) *LocalGateway {
	t.Helper()
	g, err := NewLocalGateway(t.TempDir(), "http://localhost:8080/files", opts...)
	require.NoError(t, err)
	return g
}

func readObject(t *testing.T, g Gateway, key string) []byte {
	t.Helper()
	rc, err := g.Open(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestNewLocalGateway_CreatesDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "objects")

	g, err := NewLocalGateway(root, "http://example.test/files/")
	require.NoError(t, err)

	assert.Equal(t, root, g.Root())
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLocalGateway_PutOpenStat(t *testing.T) {
	g := setupLocalGateway(t)
	ctx := context.Background()

	err := g.Put(ctx, "raw-uploads/u1/original-videos/a.mp4", strings.NewReader("video bytes"), 11, "video/mp4")
	require.NoError(t, err)

	assert.Equal(t, []byte("video bytes"), readObject(t, g, "raw-uploads/u1/original-videos/a.mp4"))

	info, err := g.Stat(ctx, "raw-uploads/u1/original-videos/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "video/mp4", info.ContentType)
}

func TestLocalGateway_PutOverwrites(t *testing.T) {
	g := setupLocalGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Put(ctx, "k/v.bin", strings.NewReader("first"), -1, ""))
	require.NoError(t, g.Put(ctx, "k/v.bin", strings.NewReader("second"), -1, ""))

	assert.Equal(t, []byte("second"), readObject(t, g, "k/v.bin"))
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.n--
	p[0] = 'x'
	return 1, nil
}

func TestLocalGateway_PutFailureLeavesNoObject(t *testing.T) {
	g := setupLocalGateway(t)
	ctx := context.Background()

	err := g.Put(ctx, "k/partial.bin", &failingReader{n: 3}, -1, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))

	_, err = g.Stat(ctx, "k/partial.bin")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	entries, err := os.ReadDir(filepath.Join(g.Root(), "k"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary upload file should be removed")
}

func TestLocalGateway_Copy(t *testing.T) {
	g := setupLocalGateway(t)
	ctx := context.Background()
	require.NoError(t, g.Put(ctx, "a/src.mp4", strings.NewReader("payload"), 7, "video/mp4"))

	t.Run("copies existing object", func(t *testing.T) {
		require.NoError(t, g.Copy(ctx, "a/src.mp4", "b/dst.mp4"))
		assert.Equal(t, []byte("payload"), readObject(t, g, "b/dst.mp4"))
		assert.Equal(t, []byte("payload"), readObject(t, g, "a/src.mp4"), "source must be untouched")
	})

	t.Run("missing source is not found and creates nothing", func(t *testing.T) {
		err := g.Copy(ctx, "a/missing.mp4", "c/dst.mp4")
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

		_, statErr := os.Stat(filepath.Join(g.Root(), "c", "dst.mp4"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestLocalGateway_DeleteIsIdempotent(t *testing.T) {
	g := setupLocalGateway(t)
	ctx := context.Background()
	require.NoError(t, g.Put(ctx, "d/x.bin", strings.NewReader("x"), 1, ""))

	require.NoError(t, g.Delete(ctx, "d/x.bin"))
	require.NoError(t, g.Delete(ctx, "d/x.bin"))
	require.NoError(t, g.Delete(ctx, "never/existed.bin"))
}

func TestLocalGateway_RejectsEscapingKeys(t *testing.T) {
	g := setupLocalGateway(t)
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "../outside", "a/../../b", "a//b", `a\b`} {
		t.Run(key, func(t *testing.T) {
			err := g.Put(ctx, key, strings.NewReader("x"), 1, "")
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestLocalGateway_ContextCancellation(t *testing.T) {
	g := setupLocalGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Put(ctx, "k/x.bin", strings.NewReader("x"), 1, "")
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))

	err = g.Copy(ctx, "k/x.bin", "k/y.bin")
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
}

func TestLocalGateway_GenerateLink(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	g := setupLocalGateway(t, WithLinkSecret("s3cr3t"), WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	key := "processed-content/u1/final-videos/processed_clip one.mp4"
	require.NoError(t, g.Put(ctx, key, bytes.NewReader([]byte("final")), 5, "video/mp4"))

	link, err := g.GenerateLink(ctx, key, time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", u.Host)
	assert.Equal(t, "/files/"+key, u.Path)

	expires := u.Query().Get("expires")
	sig := u.Query().Get("signature")
	assert.Equal(t, "1772370000", expires, "expiry is now + ttl")

	t.Run("valid link verifies", func(t *testing.T) {
		assert.NoError(t, g.VerifyLink(key, expires, sig))
	})

	t.Run("tampered key fails", func(t *testing.T) {
		assert.ErrorIs(t, g.VerifyLink("processed-content/u2/final-videos/x.mp4", expires, sig), ErrLinkSignature)
	})

	t.Run("tampered expiry fails", func(t *testing.T) {
		assert.ErrorIs(t, g.VerifyLink(key, "9999999999", sig), ErrLinkSignature)
	})

	t.Run("expired link fails", func(t *testing.T) {
		clock = now.Add(time.Hour + time.Second)
		defer func() { clock = now }()
		assert.ErrorIs(t, g.VerifyLink(key, expires, sig), ErrLinkExpired)
	})

	t.Run("link survives object deletion", func(t *testing.T) {
		require.NoError(t, g.Delete(ctx, key))
		assert.NoError(t, g.VerifyLink(key, expires, sig))
	})
}

func TestLocalGateway_GenerateLinkMissingObject(t *testing.T) {
	g := setupLocalGateway(t)

	_, err := g.GenerateLink(context.Background(), "processed-content/u1/final-videos/none.mp4", time.Hour)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestLocalGateway_ConcurrentPuts(t *testing.T) {
	g := setupLocalGateway(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Put(ctx, "same/key.bin", strings.NewReader("contents"), 8, ""))
		}()
	}
	wg.Wait()

	assert.Equal(t, []byte("contents"), readObject(t, g, "same/key.bin"))
}
