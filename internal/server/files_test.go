package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, size int, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(p, mod, mod))
}

func TestFiles_ListNewestFirst(t *testing.T) {
	f := setupRouter(t, "/api")
	now := time.Now()
	writeFile(t, f.dir, "alice_20260101_100000.mp4", 2048, now.Add(-time.Hour))
	writeFile(t, f.dir, "alice_20260101_100000_comment.csv", 10, now)
	writeFile(t, f.dir, "notes.txt", 1, now)
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "sub.mp4"), 0o755))

	rec := doReq(t, f.h, http.MethodGet, "/api/files")
	require.Equal(t, http.StatusOK, rec.Code)
	var files []fileInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 2)
	assert.Equal(t, "alice_20260101_100000_comment.csv", files[0].Name)
	assert.Equal(t, "alice_20260101_100000.mp4", files[1].Name)
	assert.Equal(t, int64(2048), files[1].Bytes)
	assert.Equal(t, "2.00KiB", files[1].Size)
}

func TestFiles_EmptyWhenDirMissing(t *testing.T) {
	f := setupRouter(t, "/api")
	f.dir = filepath.Join(f.dir, "not-yet")
	rec := doReq(t, f.h, http.MethodGet, "/api/files")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestFiles_Download(t *testing.T) {
	f := setupRouter(t, "/api")
	writeFile(t, f.dir, "bob_20260101_100000.mp4", 300, time.Now())
	writeFile(t, f.dir, "secret.txt", 3, time.Now())

	rec := doReq(t, f.h, http.MethodGet, "/api/files/bob_20260101_100000.mp4")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 300, rec.Body.Len())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "bob_20260101_100000.mp4")

	assert.Equal(t, http.StatusNotFound, doReq(t, f.h, http.MethodGet, "/api/files/secret.txt").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, f.h, http.MethodGet, "/api/files/missing.mp4").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodGet, "/api/files/..mp4").Code)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512B", humanSize(512))
	assert.Equal(t, "1.50KiB", humanSize(1536))
	assert.Equal(t, "3.00MiB", humanSize(3<<20))
	assert.Equal(t, "2.00GiB", humanSize(2<<30))
}
