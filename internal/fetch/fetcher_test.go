package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
)

// buildTarGz produces a gzipped tarball with the given path->content entries.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFetchArchiveStripsWrapperDir(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"acme-boards-abc123/led.circuit.tsx":       "export default () => null",
		"acme-boards-abc123/lib/helpers.ts":        "export const x = 1",
		"acme-boards-abc123/nested/power.board.tsx": "export default () => null",
	})

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	dest := t.TempDir()
	f := New(srv.URL, srv.URL, 1<<20, WithHTTPClient(srv.Client()))
	err := f.Fetch(context.Background(), Spec{
		Owner: "acme", Repo: "boards", Ref: "main", Token: "tok-1", Dest: dest,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.FileExists(t, filepath.Join(dest, "led.circuit.tsx"))
	assert.FileExists(t, filepath.Join(dest, "lib", "helpers.ts"))
	assert.FileExists(t, filepath.Join(dest, "nested", "power.board.tsx"))
	// Wrapper directory itself must be gone.
	assert.NoDirExists(t, filepath.Join(dest, "acme-boards-abc123"))
}

func TestFetchArchiveExplicitURLOverridesDerived(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"wrapper/main.circuit.ts": "x"})

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	f := New("http://unused.invalid", "http://unused.invalid", 1<<20, WithHTTPClient(srv.Client()))
	err := f.Fetch(context.Background(), Spec{
		Owner: "acme", Repo: "boards", Ref: "main",
		ArchiveURL: srv.URL + "/custom/archive.tar.gz",
		Dest:       t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, "/custom/archive.tar.gz", gotPath)
}

func TestFetchArchiveNotFoundIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL, 1<<20, WithHTTPClient(srv.Client()))
	err := f.Fetch(context.Background(), Spec{Owner: "a", Repo: "b", Ref: "main", Dest: t.TempDir()})
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
}

func TestFetchArchiveServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL, 1<<20, WithHTTPClient(srv.Client()))
	err := f.Fetch(context.Background(), Spec{Owner: "a", Repo: "b", Ref: "main", Dest: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestFetchArchiveRejectsOversizeBody(t *testing.T) {
	// Body larger than the cap, served without Content-Length so the limit
	// reader has to catch it.
	big := buildTarGz(t, map[string]string{"wrapper/big.txt": string(bytes.Repeat([]byte("a"), 4096))})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Transfer-Encoding", "chunked")
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL, 64, WithHTTPClient(srv.Client()))
	err := f.Fetch(context.Background(), Spec{Owner: "a", Repo: "b", Ref: "main", Dest: t.TempDir()})
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "too large")
}

func TestFetchArchiveRejectsOversizeContentLength(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"wrapper/a.txt": "hello"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL, 4, WithHTTPClient(srv.Client()))
	err := f.Fetch(context.Background(), Spec{Owner: "a", Repo: "b", Ref: "main", Dest: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestFetchArchiveRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../../escape.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4,
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	dest := t.TempDir()
	f := New(srv.URL, srv.URL, 1<<20, WithHTTPClient(srv.Client()))
	err = f.Fetch(context.Background(), Spec{Owner: "a", Repo: "b", Ref: "main", Dest: dest})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
}

func TestFetchArchiveNoWrapperDirIsKeptAsIs(t *testing.T) {
	// Two top-level entries: nothing to strip.
	archive := buildTarGz(t, map[string]string{
		"a.circuit.tsx": "x",
		"b.circuit.tsx": "y",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	dest := t.TempDir()
	f := New(srv.URL, srv.URL, 1<<20, WithHTTPClient(srv.Client()))
	require.NoError(t, f.Fetch(context.Background(), Spec{Owner: "a", Repo: "b", Ref: "main", Dest: dest}))
	assert.FileExists(t, filepath.Join(dest, "a.circuit.tsx"))
	assert.FileExists(t, filepath.Join(dest, "b.circuit.tsx"))
}

func TestIsCommitSHA(t *testing.T) {
	assert.True(t, isCommitSHA("0123456789abcdef0123456789abcdef01234567"))
	assert.True(t, isCommitSHA("abc1234"))
	assert.False(t, isCommitSHA("main"))
	assert.False(t, isCommitSHA("feature/xyz"))
	assert.False(t, isCommitSHA("abc"))
}

func TestFetchRequiresDestination(t *testing.T) {
	f := New("http://api.invalid", "http://web.invalid", 1<<20)
	err := f.Fetch(context.Background(), Spec{Owner: "a", Repo: "b", Ref: "main"})
	require.Error(t, err)
}
