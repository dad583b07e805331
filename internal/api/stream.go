package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vaultgate/vaultgate/internal/logging"
	"github.com/vaultgate/vaultgate/internal/metrics"
	"github.com/vaultgate/vaultgate/internal/retry"
	"github.com/vaultgate/vaultgate/internal/storage"
)

// Extensions the proxy range-negotiates; everything else is served whole as
// an attachment.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
}

func isVideo(name string) bool {
	return videoExtensions[strings.ToLower(path.Ext(name))]
}

// FolderCache memoizes folder marker existence per storage key. Purely an
// optimization: a cold cache behaves identically to a warm one.
type FolderCache struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewFolderCache creates an empty folder cache.
func NewFolderCache() *FolderCache {
	return &FolderCache{seen: make(map[string]struct{})}
}

// Ensure creates the folder marker for key unless it is known to exist.
func (c *FolderCache) Ensure(r *http.Request, backend storage.Backend, key string) error {
	c.mu.Lock()
	if _, ok := c.seen[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx := r.Context()
	if _, err := backend.HeadObject(ctx, key); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := backend.PutObject(ctx, key, strings.NewReader(""), nil); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.seen[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

var errTraversal = errors.New("path traversal rejected")

// sanitizeComponent validates one caller-supplied path component. Traversal
// sequences are rejected outright, including ones hidden behind URL encoding.
func sanitizeComponent(raw string) (string, error) {
	s := raw
	// Peel layered percent-encoding before inspecting.
	for i := 0; i < 3 && strings.Contains(s, "%"); i++ {
		decoded, err := url.PathUnescape(s)
		if err != nil || decoded == s {
			break
		}
		s = decoded
	}
	s = strings.ReplaceAll(s, "\\", "/")
	if strings.Contains(s, "..") {
		return "", errTraversal
	}
	s = strings.Trim(s, "/")
	if s == "" {
		return "", nil
	}
	for _, part := range strings.Split(s, "/") {
		if part == "" || part == "." {
			return "", errTraversal
		}
	}
	return s, nil
}

// objectKey joins the scope base with the caller-supplied folder and file
// name, rejecting traversal in either.
func objectKey(sc requestScope, folder, fileName string) (string, error) {
	cleanFolder, err := sanitizeComponent(folder)
	if err != nil {
		return "", err
	}
	cleanName, err := sanitizeComponent(fileName)
	if err != nil {
		return "", err
	}
	if cleanName == "" || strings.Contains(cleanName, "/") {
		return "", errTraversal
	}

	key := sc.base
	if cleanFolder != "" {
		key += cleanFolder + "/"
	}
	return key + cleanName, nil
}

// parseRangeHeader parses a single bytes=start-end range against the total
// object size. ok is false when the header is absent or malformed (serve the
// whole object); an error means the range is unsatisfiable.
func parseRangeHeader(header string, total int64) (start, end int64, ok bool, err error) {
	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false, nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		// Multi-range requests fall back to the full object.
		return 0, 0, false, nil
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false, nil
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix range: last N bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, nil
		}
		if n > total {
			n = total
		}
		return total - n, total - 1, true, nil
	}

	start, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || start < 0 {
		return 0, 0, false, nil
	}
	if start >= total {
		return 0, 0, false, fmt.Errorf("range start %d beyond size %d", start, total)
	}

	end = total - 1
	if endStr != "" {
		e, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || e < start {
			return 0, 0, false, nil
		}
		if e < end {
			end = e
		}
	}
	return start, end, true, nil
}

// streamObject runs the serving pipeline: HEAD for size and the encrypted
// flag, ranged GET, cipher at the range offset when encrypted, then copy to
// the client. rangeable disables range negotiation for non-video content.
func (s *Server) streamObject(w http.ResponseWriter, r *http.Request, key, displayName string, rangeable bool) {
	ctx := r.Context()

	info, err := retry.DoWithResult(ctx, retry.Once(), func() (*storage.ObjectInfo, error) {
		i, herr := s.store.HeadObject(ctx, key)
		if herr != nil && !errors.Is(herr, storage.ErrNotFound) {
			return nil, retry.Retryable(herr)
		}
		return i, herr
	})
	if errors.Is(err, storage.ErrNotFound) {
		sendError(w, http.StatusNotFound, "not_found", "object not found")
		return
	}
	if err != nil {
		logging.Error("head failed", zap.String("key", key), zap.Error(err))
		sendError(w, http.StatusBadGateway, "upstream_failure", "object store unavailable")
		return
	}

	total := info.Size
	encrypted := info.Encrypted()

	var start, end int64 = 0, total - 1
	status := http.StatusOK
	if rangeable {
		rs, re, ok, rerr := parseRangeHeader(r.Header.Get("Range"), total)
		if rerr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			sendError(w, http.StatusRequestedRangeNotSatisfiable, "validation_error", "range not satisfiable")
			return
		}
		if ok {
			start, end = rs, re
			status = http.StatusPartialContent
		}
	}
	length := end - start + 1
	if total == 0 {
		length = 0
	}

	body, _, err := s.store.GetObject(ctx, key, start, length)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sendError(w, http.StatusNotFound, "not_found", "object not found")
			return
		}
		logging.Error("get failed", zap.String("key", key), zap.Error(err))
		sendError(w, http.StatusBadGateway, "upstream_failure", "object store unavailable")
		return
	}
	defer body.Close()

	var src io.Reader = body
	if encrypted {
		src, err = s.cipher.DecryptReader(key, start, body)
		if err != nil {
			logging.Error("cipher open failed", zap.String("key", key), zap.Error(err))
			sendError(w, http.StatusInternalServerError, "upstream_failure", "decrypt failed")
			return
		}
	}

	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(displayName)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if rangeable {
		w.Header().Set("Accept-Ranges", "bytes")
	} else {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", displayName))
	}
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}
	w.WriteHeader(status)

	written, err := io.Copy(w, src)
	metrics.RecordDownload(written, err == nil)
	if err != nil {
		// Headers are gone; a mid-stream failure can only end the connection.
		logging.Warn("stream aborted",
			zap.String("key", key),
			zap.Int64("written", written),
			zap.Error(err))
	}
}

// handleProxyUpload accepts a raw byte stream and persists it encrypted. The
// inbound stream is wrapped by an encrypt context at offset 0 and fed to a
// single streaming PUT.
func (s *Server) handleProxyUpload(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	if !sc.permissions().Upload {
		sendError(w, http.StatusForbidden, "forbidden", "upload not permitted")
		return
	}

	fileName := r.URL.Query().Get("fileName")
	folder := r.URL.Query().Get("folder")
	key, err := objectKey(sc, folder, fileName)
	if err != nil {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid file path")
		return
	}

	if folder != "" {
		markerKey := key[:strings.LastIndexByte(key, '/')+1]
		if err := s.folders.Ensure(r, s.store, markerKey); err != nil {
			logging.Error("folder marker failed", zap.String("key", markerKey), zap.Error(err))
			sendError(w, http.StatusBadGateway, "upstream_failure", "object store unavailable")
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	counted := &countingReader{r: body}

	encrypted, err := s.cipher.EncryptReader(key, counted)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "upstream_failure", "encrypt failed")
		return
	}

	meta := map[string]string{storage.EncryptedFlag: "true"}
	if err := s.store.PutObject(r.Context(), key, encrypted, meta); err != nil {
		metrics.RecordUpload(counted.n, false)
		logging.Error("put failed", zap.String("key", key), zap.Error(err))
		sendError(w, http.StatusBadGateway, "upstream_failure", "store write failed")
		return
	}

	metrics.RecordUpload(counted.n, true)
	logging.Info("object stored",
		zap.String("key", key),
		zap.Int64("bytes", counted.n))
	sendJSON(w, http.StatusCreated, map[string]any{
		"key":  key,
		"size": counted.n,
	})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
