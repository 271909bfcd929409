package convert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zsqmw/video-relay/log"
)

// saveUpload streams the multipart field "file" from r into a fresh
// file under dir, returning its path and original filename.
// cfg.MaxUploadBytes (relay.maxFrameSize) is the in-memory limit for
// parsing the form; the total upload size is not capped.
func saveUpload(cfg Config, r *http.Request, dir, namePrefix string) (path, originalName string, err error) {
	if err := r.ParseMultipartForm(cfg.maxUploadBytes()); err != nil {
		return "", "", err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", err
	}
	defer file.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	path = filepath.Join(dir, namePrefix+"_src")

	dst, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", "", err
	}
	return path, header.Filename, nil
}

// Mp3Handler implements POST /api/convert/async-to-mp3.
func Mp3Handler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		dir := filepath.Join(cfg.TempDir, "vsm-async")

		srcPath, originalName, err := saveUpload(cfg, r, dir, id)
		if err != nil {
			http.Error(w, "bad upload: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer os.Remove(srcPath)

		outPath := filepath.Join(dir, id+".mp3")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
		defer cancel()

		if err := ToMP3(ctx, cfg, srcPath, outPath); err != nil {
			log.Sugar.Warnw("mp3 conversion failed", "err", err)
			http.Error(w, "conversion failed", http.StatusInternalServerError)
			return
		}
		defer os.Remove(outPath)

		downloadName := stripExt(originalName) + ".mp3"
		serveFileDownload(w, outPath, downloadName, "audio/mpeg")
	}
}

// GifHandler implements POST /api/video/gif.
func GifHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := parseSeconds(r.FormValue("startTime"), 0)
		hasEnd := r.FormValue("endTime") != ""
		endTime := parseSeconds(r.FormValue("endTime"), startTime.Seconds()+10)

		req := GIFRequest{StartTime: startTime, EndTime: endTime}
		if !hasEnd {
			req.EndTime = req.StartTime + 10*time.Second
		}
		if err := req.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		id := uuid.NewString()
		dir := filepath.Join(cfg.TempDir, "vsm-gif")

		srcPath, originalName, err := saveUpload(cfg, r, dir, id)
		if err != nil {
			http.Error(w, "bad upload: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer os.Remove(srcPath)

		outPath := filepath.Join(dir, id+".gif")

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()

		if err := ToGIF(ctx, cfg, srcPath, outPath, req); err != nil {
			log.Sugar.Warnw("gif conversion failed", "err", err)
			http.Error(w, "conversion failed", http.StatusInternalServerError)
			return
		}
		defer os.Remove(outPath)

		downloadName := stripExt(originalName) + ".gif"
		serveFileDownload(w, outPath, downloadName, "image/gif")
	}
}

// HLSHandler implements POST /api/video/convert.
func HLSHandler(cfg Config, keyBaseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		dir := filepath.Join(cfg.TempDir, "vsm-"+id)

		srcPath, _, err := saveUpload(cfg, r, dir, id)
		if err != nil {
			http.Error(w, "bad upload: "+err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
		defer cancel()

		pkg, err := ToEncryptedHLS(ctx, cfg, srcPath, keyBaseURL)
		if err != nil {
			log.Sugar.Warnw("hls conversion failed", "err", err)
			http.Error(w, "conversion failed", http.StatusInternalServerError)
			return
		}

		serveFileDownload(w, pkg.ZipPath, "video_m3u8.zip", "application/zip")
	}
}

// KeyHandler implements GET /api/video/key.
func KeyHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("taskId")
		authCode := r.URL.Query().Get("authCode")

		key, err := KeyServer(cfg, taskID, authCode)
		if err == ErrUnauthorized {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(key)
	}
}

func serveFileDownload(w http.ResponseWriter, path, downloadName, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "file not found", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	_, _ = io.Copy(w, f)
}

func stripExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

func parseSeconds(v string, defaultSeconds float64) time.Duration {
	if v == "" {
		return time.Duration(defaultSeconds * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Duration(defaultSeconds * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}
