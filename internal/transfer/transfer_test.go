package transfer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/toolmeister/internal/poll"
	"github.com/danmuck/toolmeister/internal/testutil/testlog"
)

func writeTree(t *testing.T, parent string) {
	t.Helper()
	for name, body := range map[string]string{
		"h1/iostat/iostat.pid":  "123\n",
		"h1/iostat/data.txt":    "collected\n",
		"h1/tm-iostat-stop.out": "",
		"h1/mpstat/data.txt":    "cpu\n",
	} {
		p := filepath.Join(parent, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestArchiveExtractRoundTrip(t *testing.T) {
	testlog.Start(t)
	src := t.TempDir()
	writeTree(t, src)
	archive := filepath.Join(t.TempDir(), "h1"+ArchiveExt)

	sum, size, err := Archive(src, "h1", archive)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
	raw, err := os.ReadFile(archive)
	require.NoError(t, err)
	fileSum := md5.Sum(raw)
	assert.Equal(t, hex.EncodeToString(fileSum[:]), sum)

	dst := t.TempDir()
	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, Extract(f, dst, "h1"))

	got, err := os.ReadFile(filepath.Join(dst, "h1", "iostat", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "collected\n", string(got))
	_, err = os.Stat(filepath.Join(dst, "h1", "tm-iostat-stop.out"))
	assert.NoError(t, err)
}

func TestExtractRejectsForeignPaths(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"h2/data.txt", "../escape", "/etc/passwd", "h1/../../escape"} {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		tw := tar.NewWriter(enc)
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
		_, err = tw.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, tw.Close())
		require.NoError(t, enc.Close())

		err = Extract(&buf, t.TempDir(), "h1")
		assert.ErrorIs(t, err, ErrUnsafePath, "entry %q", name)
	}
}

func TestSinkURLUsesDirectoryHash(t *testing.T) {
	testlog.Start(t)
	got := SinkURL("controller", 8080, "/var/lib/run/iter1", "h1")
	assert.Equal(t, "http://controller:8080/tool-data/"+DirectoryHash("/var/lib/run/iter1")+"/h1", got)
	assert.Len(t, DirectoryHash("x"), 32)
}

// flakyDialer refuses the first n dials with ECONNREFUSED.
func flakyDialer(n int32, dials *int32) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if atomic.AddInt32(dials, 1) <= n {
			return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
		}
		return d.DialContext(ctx, network, addr)
	}
}

func TestDeliverRetriesConnectionErrors(t *testing.T) {
	testlog.Start(t)
	src := t.TempDir()
	writeTree(t, src)
	archive := filepath.Join(t.TempDir(), "h1"+ArchiveExt)
	sum, _, err := Archive(src, "h1", archive)
	require.NoError(t, err)

	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, sum, r.Header.Get(ChecksumHeader))
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var dials int32
	client := &http.Client{Transport: &http.Transport{DialContext: flakyDialer(3, &dials)}}
	err = Deliver(context.Background(), DeliverConfig{
		Client: client,
		Retry:  poll.Config{Backoff: poll.Fixed(time.Millisecond), Attempts: 10},
	}, srv.URL+"/tool-data/x/h1", archive, sum)
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&dials))

	want, err := os.ReadFile(archive)
	require.NoError(t, err)
	assert.Equal(t, want, received)
}

func TestDeliverExhaustsRetries(t *testing.T) {
	testlog.Start(t)
	archive := filepath.Join(t.TempDir(), "h1"+ArchiveExt)
	require.NoError(t, os.WriteFile(archive, []byte("x"), 0o644))

	var dials int32
	client := &http.Client{Transport: &http.Transport{DialContext: flakyDialer(100, &dials)}}
	err := Deliver(context.Background(), DeliverConfig{
		Client: client,
		Retry:  poll.Config{Backoff: poll.Fixed(time.Millisecond), Attempts: 5},
	}, "http://sink.invalid:8080/tool-data/x/h1", archive, "abc")
	require.Error(t, err)
	assert.True(t, IsConnectionError(err), "got %v", err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&dials))
}

func TestDeliverDoesNotRetryRejection(t *testing.T) {
	testlog.Start(t)
	archive := filepath.Join(t.TempDir(), "h1"+ArchiveExt)
	require.NoError(t, os.WriteFile(archive, []byte("x"), 0o644))

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Deliver(context.Background(), DeliverConfig{
		Retry: poll.Config{Backoff: poll.Fixed(time.Millisecond), Attempts: 5},
	}, srv.URL+"/tool-data/x/h1", archive, "abc")
	assert.True(t, errors.Is(err, ErrRejected), "got %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
