package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// fileExts are the recording outputs offered for download.
var fileExts = map[string]bool{".mp4": true, ".csv": true}

type fileInfo struct {
	Name     string    `json:"name"`
	Bytes    int64     `json:"size_bytes"`
	Size     string    `json:"size"`
	Modified time.Time `json:"modified"`
}

func humanSize(n int64) string {
	switch {
	case n < 1<<10:
		return fmt.Sprintf("%dB", n)
	case n < 1<<20:
		return fmt.Sprintf("%.2fKiB", float64(n)/(1<<10))
	case n < 1<<30:
		return fmt.Sprintf("%.2fMiB", float64(n)/(1<<20))
	default:
		return fmt.Sprintf("%.2fGiB", float64(n)/(1<<30))
	}
}

func servable(name string) bool {
	return isSafeName(name) && fileExts[strings.ToLower(filepath.Ext(name))]
}

func (r *Router) handleFiles(c *gin.Context) {
	dir := r.deps.Files()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "cannot list recordings"})
		return
	}
	out := []fileInfo{}
	for _, e := range entries {
		if !e.Type().IsRegular() || !servable(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfo{Name: e.Name(), Bytes: info.Size(), Size: humanSize(info.Size()), Modified: info.ModTime()})
	}
	// newest first
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Modified.Equal(out[j].Modified) {
			return out[i].Modified.After(out[j].Modified)
		}
		return out[i].Name < out[j].Name
	})
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDownload(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid file name"})
		return
	}
	if !servable(name) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "file not found"})
		return
	}
	path := filepath.Join(r.deps.Files(), name)
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "file not found"})
		return
	}
	// recordings outgrow the server write timeout
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})
	c.FileAttachment(path, name)
}
