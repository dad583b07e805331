// Package api implements the VaultGate HTTP surface: the ingress
// authorization filter, the range-streaming proxy, and the grant and share
// link endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/cryptox"
	"github.com/vaultgate/vaultgate/internal/geo"
	"github.com/vaultgate/vaultgate/internal/grants"
	"github.com/vaultgate/vaultgate/internal/logging"
	"github.com/vaultgate/vaultgate/internal/metadata"
	"github.com/vaultgate/vaultgate/internal/metrics"
	"github.com/vaultgate/vaultgate/internal/ratelimit"
	"github.com/vaultgate/vaultgate/internal/retry"
	"github.com/vaultgate/vaultgate/internal/storage"
)

// Config holds API server settings.
type Config struct {
	MaxUploadSize      int64
	ShareRatePerMinute int
}

// Server wires storage, cipher, grants and auth into the HTTP handler tree.
type Server struct {
	cfg     Config
	store   storage.Backend
	meta    metadata.Store
	grants  *grants.Store
	auth    *auth.Auth
	cipher  *cryptox.Engine
	folders *FolderCache
	limiter *ratelimit.Limiter
}

// NewServer creates a Server with a fresh folder cache and rate limiter.
func NewServer(cfg Config, store storage.Backend, meta metadata.Store, gr *grants.Store, a *auth.Auth, cipher *cryptox.Engine) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		meta:    meta,
		grants:  gr,
		auth:    a,
		cipher:  cipher,
		folders: NewFolderCache(),
		limiter: ratelimit.New(),
	}
}

// CleanupLimiter drops rate limiter buckets idle for longer than maxAge.
func (s *Server) CleanupLimiter(maxAge time.Duration) {
	s.limiter.Cleanup(maxAge)
}

// Handler returns the full route tree with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)
	mux.HandleFunc("GET /share/{linkId}", s.handleShareDownload)

	authed := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(s.scopeFilter(h))
	}
	mux.Handle("GET /api/v1/files", authed(s.handleListFiles))
	mux.Handle("POST /api/v1/upload", authed(s.handleCreateUploadTarget))
	mux.Handle("PUT /api/v1/proxy-upload", authed(s.handleProxyUpload))
	mux.Handle("POST /api/v1/upload/complete", authed(s.handleUploadComplete))
	mux.Handle("POST /api/v1/folders", authed(s.handleCreateFolder))
	mux.Handle("DELETE /api/v1/files/{name...}", authed(s.handleDelete))
	mux.Handle("GET /api/v1/download/{name...}", authed(s.handleDownload))
	mux.Handle("GET /api/v1/video/{name...}", authed(s.handleVideo))
	mux.Handle("POST /api/v1/access/{folderName}", authed(s.handleCreateAccess))
	mux.Handle("POST /api/v1/share/{name...}", authed(s.handleCreateShare))
	mux.Handle("GET /api/v1/permissions", authed(s.handlePermissions))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"backend": s.store.Type(),
	})
}

// handleListFiles lists one folder level. The root listing of an owner-scoped
// request also includes folders shared with the caller.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	folder, err := sanitizeComponent(r.URL.Query().Get("folder"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid folder")
		return
	}

	prefix := sc.base
	if folder != "" {
		prefix += folder + "/"
	}

	res, err := s.store.List(r.Context(), prefix, "/")
	if err != nil {
		logging.Error("list failed", zap.String("prefix", prefix), zap.Error(err))
		sendError(w, http.StatusBadGateway, "upstream_failure", "object store unavailable")
		return
	}

	type fileEntry struct {
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		Modified int64  `json:"modified"`
		IsVideo  bool   `json:"is_video"`
	}
	files := []fileEntry{}
	for _, obj := range res.Objects {
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" {
			continue
		}
		files = append(files, fileEntry{
			Name:     name,
			Size:     obj.Size,
			Modified: obj.LastModified.Unix(),
			IsVideo:  isVideo(name),
		})
	}
	folders := []string{}
	for _, cp := range res.CommonPrefixes {
		folders = append(folders, strings.TrimSuffix(strings.TrimPrefix(cp, prefix), "/"))
	}

	out := map[string]any{
		"files":   files,
		"folders": folders,
	}

	if sc.grant == nil && folder == "" {
		claims := auth.GetClaims(r.Context())
		shared, err := s.grants.ListGrantsForGrantee(r.Context(), claims.Email, time.Now().Unix())
		if err != nil {
			logging.Warn("shared folder listing failed", zap.Error(err))
		} else {
			type sharedEntry struct {
				GrantID     string               `json:"grant_id"`
				FolderPath  string               `json:"folder_path"`
				Owner       string               `json:"owner"`
				Permissions grants.PermissionSet `json:"permissions"`
				ExpiryTime  int64                `json:"expiry_time"`
			}
			entries := []sharedEntry{}
			for _, g := range shared {
				entries = append(entries, sharedEntry{
					GrantID:     g.ID,
					FolderPath:  g.Grant.FolderPath,
					Owner:       g.Grant.Owner,
					Permissions: g.Grant.Permissions,
					ExpiryTime:  g.Grant.ExpiryTime,
				})
			}
			out["shared"] = entries
		}
	}

	sendJSON(w, http.StatusOK, out)
}

// handleCreateUploadTarget validates an upload request and hands back the
// proxy-upload target for the byte transfer.
func (s *Server) handleCreateUploadTarget(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	if !sc.permissions().Upload {
		sendError(w, http.StatusForbidden, "forbidden", "upload not permitted")
		return
	}

	var req struct {
		FileName string `json:"file_name"`
		Folder   string `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		sendError(w, http.StatusBadRequest, "validation_error", "file_name required")
		return
	}
	if _, err := objectKey(sc, req.Folder, req.FileName); err != nil {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid file path")
		return
	}

	params := url.Values{}
	params.Set("fileName", req.FileName)
	if req.Folder != "" {
		params.Set("folder", req.Folder)
	}
	if sc.grantID != "" {
		params.Set("sharedId", sc.grantID)
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"upload_url": "/api/v1/proxy-upload?" + params.Encode(),
	})
}

// handleUploadComplete enqueues a transcode job for freshly uploaded videos.
// The job is fire-and-forget; a worker outside this service consumes it.
func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())

	var req struct {
		FileName string `json:"file_name"`
		Folder   string `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		sendError(w, http.StatusBadRequest, "validation_error", "file_name required")
		return
	}
	key, err := objectKey(sc, req.Folder, req.FileName)
	if err != nil {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid file path")
		return
	}

	if !isVideo(req.FileName) {
		sendJSON(w, http.StatusOK, map[string]any{"queued": false})
		return
	}

	videoID := uuid.NewString()
	job := map[string]any{
		"video_id":     videoID,
		"key":          key,
		"requested_at": time.Now().Unix(),
	}
	if err := s.meta.Set(r.Context(), "transcodeQueue/"+videoID, job); err != nil {
		logging.Error("transcode enqueue failed", zap.String("key", key), zap.Error(err))
		sendError(w, http.StatusBadGateway, "upstream_failure", "queue unavailable")
		return
	}

	logging.Info("transcode job queued", zap.String("video_id", videoID), zap.String("key", key))
	sendJSON(w, http.StatusOK, map[string]any{"queued": true, "video_id": videoID})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	if !sc.permissions().Upload {
		sendError(w, http.StatusForbidden, "forbidden", "upload not permitted")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		sendError(w, http.StatusBadRequest, "validation_error", "name required")
		return
	}
	clean, err := sanitizeComponent(req.Name)
	if err != nil || clean == "" {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid folder name")
		return
	}

	key := sc.base + clean + "/"
	if err := s.folders.Ensure(r, s.store, key); err != nil {
		logging.Error("folder create failed", zap.String("key", key), zap.Error(err))
		sendError(w, http.StatusBadGateway, "upstream_failure", "object store unavailable")
		return
	}
	sendJSON(w, http.StatusCreated, map[string]any{"folder": clean})
}

// handleDelete removes a single object, or a whole subtree when the name ends
// with a slash.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	if !sc.permissions().Delete {
		sendError(w, http.StatusForbidden, "forbidden", "delete not permitted")
		return
	}

	raw := r.PathValue("name")
	recursive := strings.HasSuffix(raw, "/")
	clean, err := sanitizeComponent(raw)
	if err != nil || clean == "" {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid name")
		return
	}

	if recursive {
		prefix := sc.base + clean + "/"
		res, err := s.store.List(r.Context(), prefix, "")
		if err != nil {
			sendError(w, http.StatusBadGateway, "upstream_failure", "object store unavailable")
			return
		}
		keys := []string{}
		for _, obj := range res.Objects {
			keys = append(keys, obj.Key)
		}
		keys = append(keys, prefix)
		if err := s.store.DeleteObjects(r.Context(), keys); err != nil {
			logging.Error("recursive delete failed", zap.String("prefix", prefix), zap.Error(err))
			sendError(w, http.StatusBadGateway, "upstream_failure", "delete failed")
			return
		}
		logging.Info("folder deleted", zap.String("prefix", prefix), zap.Int("objects", len(keys)))
		sendJSON(w, http.StatusOK, map[string]any{"deleted": len(keys)})
		return
	}

	key := sc.base + clean
	if err := s.store.DeleteObjects(r.Context(), []string{key}); err != nil {
		logging.Error("delete failed", zap.String("key", key), zap.Error(err))
		sendError(w, http.StatusBadGateway, "upstream_failure", "delete failed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveScoped(w, r, r.PathValue("name"))
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	s.serveScoped(w, r, r.PathValue("name"))
}

func (s *Server) serveScoped(w http.ResponseWriter, r *http.Request, raw string) {
	sc := scopeFrom(r.Context())
	if !sc.permissions().Download {
		sendError(w, http.StatusForbidden, "forbidden", "download not permitted")
		return
	}

	clean, err := sanitizeComponent(raw)
	if err != nil || clean == "" {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid name")
		return
	}

	key := sc.base + clean
	displayName := clean
	if idx := strings.LastIndexByte(clean, '/'); idx >= 0 {
		displayName = clean[idx+1:]
	}
	s.streamObject(w, r, key, displayName, isVideo(displayName))
}

type geofenceRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusKm  float64 `json:"radius_km"`
}

func (g *geofenceRequest) fence() *geo.Geofence {
	if g == nil {
		return nil
	}
	return &geo.Geofence{
		Center:   geo.Coordinate{Latitude: g.Latitude, Longitude: g.Longitude},
		RadiusKm: g.RadiusKm,
	}
}

// handleCreateAccess shares one of the caller's folders with another user.
func (s *Server) handleCreateAccess(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	if sc.grant != nil {
		sendError(w, http.StatusForbidden, "forbidden", "only owners can share folders")
		return
	}
	claims := auth.GetClaims(r.Context())

	clean, err := sanitizeComponent(r.PathValue("folderName"))
	if err != nil || clean == "" {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid folder name")
		return
	}

	var req struct {
		Grantee     string               `json:"grantee"`
		Permissions grants.PermissionSet `json:"permissions"`
		TTLSeconds  int64                `json:"ttl_seconds"`
		Geofence    *geofenceRequest     `json:"geofence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	folderPath := sc.base + clean + "/"
	id, err := s.grants.CreateFolderGrant(r.Context(), claims.Email, req.Grantee, folderPath,
		req.Permissions, time.Duration(req.TTLSeconds)*time.Second, req.Geofence.fence())
	if err != nil {
		if errors.Is(err, grants.ErrValidation) {
			sendError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		logging.Error("grant create failed", zap.Error(err))
		sendError(w, http.StatusBadGateway, "upstream_failure", "grant store unavailable")
		return
	}
	sendJSON(w, http.StatusCreated, map[string]any{"grant_id": id})
}

// handleCreateShare creates an anonymous share link for one of the caller's
// objects.
func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	if sc.grant != nil {
		sendError(w, http.StatusForbidden, "forbidden", "only owners can create share links")
		return
	}
	claims := auth.GetClaims(r.Context())

	var req struct {
		Folder       string           `json:"folder"`
		MaxDownloads int              `json:"max_downloads"`
		PerIPLimit   int              `json:"per_ip_limit"`
		TTLSeconds   int64            `json:"ttl_seconds"`
		Geofence     *geofenceRequest `json:"geofence"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	key, err := objectKey(sc, req.Folder, r.PathValue("name"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "validation_error", "invalid file path")
		return
	}

	id, err := s.grants.CreateShareLink(r.Context(), claims.Email, key,
		req.MaxDownloads, req.PerIPLimit, time.Duration(req.TTLSeconds)*time.Second, req.Geofence.fence())
	if err != nil {
		switch {
		case errors.Is(err, grants.ErrNotFound):
			sendError(w, http.StatusNotFound, "not_found", "object not found")
		case errors.Is(err, grants.ErrValidation):
			sendError(w, http.StatusBadRequest, "validation_error", err.Error())
		default:
			logging.Error("share link create failed", zap.Error(err))
			sendError(w, http.StatusBadGateway, "upstream_failure", "grant store unavailable")
		}
		return
	}
	sendJSON(w, http.StatusCreated, map[string]any{
		"link_id": id,
		"url":     "/share/" + id,
	})
}

// handlePermissions reports the effective permission set for this request.
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	out := map[string]any{
		"permissions": sc.permissions(),
		"owner":       sc.grant == nil,
	}
	if sc.grant != nil {
		out["grant_id"] = sc.grantID
		out["folder_path"] = sc.grant.FolderPath
		out["expiry_time"] = sc.grant.ExpiryTime
	}
	sendJSON(w, http.StatusOK, out)
}

// handleShareDownload serves a share link to an anonymous bearer. Admission
// is charged when the transfer is accepted: after the object HEAD succeeds
// and before the first byte is written.
func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.Allow(ip, s.cfg.ShareRatePerMinute) {
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(ip, s.cfg.ShareRatePerMinute)))
		sendError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	linkID := r.PathValue("linkId")
	now := time.Now().Unix()
	loc := parseLocation(r)

	link, err := s.grants.ResolveShareLink(r.Context(), linkID, now, ip, loc)
	if err != nil {
		reason := grants.ReasonCode(err)
		if reason == "" {
			logging.Error("share link resolution failed", zap.String("link_id", linkID), zap.Error(err))
			sendError(w, http.StatusBadGateway, "upstream_failure", "grant store unavailable")
			return
		}
		metrics.RecordAdmission("link", reason)
		if reason == "out_of_range" && loc == nil {
			// The bearer never claimed a location; ask for one instead of a
			// hard denial.
			sendError(w, http.StatusPreconditionRequired, "location_required",
				"this link is geofenced; retry with lat and lng query parameters")
			return
		}
		sendError(w, statusForReason(reason), reason, "access denied")
		return
	}

	if _, err := retry.DoWithResult(r.Context(), retry.Once(), func() (*storage.ObjectInfo, error) {
		i, herr := s.store.HeadObject(r.Context(), link.FilePath)
		if herr != nil && !errors.Is(herr, storage.ErrNotFound) {
			return nil, retry.Retryable(herr)
		}
		return i, herr
	}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sendError(w, http.StatusNotFound, "not_found", "object not found")
			return
		}
		sendError(w, http.StatusBadGateway, "upstream_failure", "object store unavailable")
		return
	}

	// Transfer accepted; charge the quota atomically with a final check.
	link, err = s.grants.AdmitShareLink(r.Context(), linkID, now, ip, loc)
	if err != nil {
		reason := grants.ReasonCode(err)
		if reason == "" {
			sendError(w, http.StatusBadGateway, "upstream_failure", "grant store unavailable")
			return
		}
		metrics.RecordAdmission("link", reason)
		sendError(w, statusForReason(reason), reason, "access denied")
		return
	}
	metrics.RecordAdmission("link", "ok")

	name := link.FilePath
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	s.streamObject(w, r, link.FilePath, name, isVideo(name))
}

func sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, code int, reason, message string) {
	sendJSON(w, code, map[string]any{
		"error":  message,
		"reason": reason,
		"code":   code,
	})
}
