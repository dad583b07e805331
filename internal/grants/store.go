package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultgate/vaultgate/internal/geo"
	"github.com/vaultgate/vaultgate/internal/logging"
	"github.com/vaultgate/vaultgate/internal/metadata"
	"github.com/vaultgate/vaultgate/internal/metrics"
	"github.com/vaultgate/vaultgate/internal/storage"
)

const (
	grantsPath = "access"
	linksPath  = "links"
)

// Store manages folder grants and share links on the metadata record store.
//
// The record store has no cross-field transactions, so the Store serializes
// resolve+record for each link ID behind a per-key mutex; AdmitShareLink is
// the atomic check-then-charge used on the serving path.
type Store struct {
	meta    metadata.Store
	objects storage.Backend

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a grant store over the given record and object stores.
func NewStore(meta metadata.Store, objects storage.Backend) *Store {
	return &Store{
		meta:    meta,
		objects: objects,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// CreateFolderGrant stores a new grant and returns its ID. The TTL is
// clamped into [MinTTL, MaxTTL].
func (s *Store) CreateFolderGrant(ctx context.Context, owner, grantee, folderPath string, perms PermissionSet, ttl time.Duration, fence *geo.Geofence) (string, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	grantee = strings.ToLower(strings.TrimSpace(grantee))

	if owner == "" || grantee == "" || folderPath == "" {
		return "", fmt.Errorf("%w: owner, grantee and folder path are required", ErrValidation)
	}
	if grantee == owner {
		return "", fmt.Errorf("%w: cannot share a folder with yourself", ErrValidation)
	}
	if !strings.HasSuffix(folderPath, "/") {
		return "", fmt.Errorf("%w: folder path must end with /", ErrValidation)
	}
	if !validGeofence(fence) {
		return "", fmt.Errorf("%w: geofence radius must be positive", ErrValidation)
	}

	grant := FolderGrant{
		FolderPath:  folderPath,
		Owner:       owner,
		Grantee:     grantee,
		Permissions: perms,
		ExpiryTime:  time.Now().Add(ClampTTL(ttl)).Unix(),
		Geofence:    fence,
	}

	id, err := s.meta.Push(ctx, grantsPath, grant)
	if err != nil {
		return "", fmt.Errorf("store grant: %w", err)
	}

	logging.Info("folder grant created",
		zap.String("grant_id", id),
		zap.String("owner", owner),
		zap.String("grantee", grantee),
		zap.String("folder", folderPath))
	return id, nil
}

// CreateShareLink stores a new share link for an existing object and returns
// its ID. Fails with ErrNotFound if the object is absent.
func (s *Store) CreateShareLink(ctx context.Context, owner, filePath string, maxDownloads, perIPLimit int, ttl time.Duration, fence *geo.Geofence) (string, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if owner == "" || filePath == "" {
		return "", fmt.Errorf("%w: owner and file path are required", ErrValidation)
	}
	if !validGeofence(fence) {
		return "", fmt.Errorf("%w: geofence radius must be positive", ErrValidation)
	}

	if _, err := s.objects.HeadObject(ctx, filePath); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: no object at %s", ErrNotFound, filePath)
		}
		return "", fmt.Errorf("check object: %w", err)
	}

	if maxDownloads <= 0 {
		maxDownloads = DefaultMaxDownloads
	}
	if perIPLimit <= 0 {
		perIPLimit = DefaultPerIPLimit
	}

	link := ShareLink{
		FilePath:      filePath,
		Owner:         owner,
		MaxDownloads:  maxDownloads,
		DownloadsUsed: 0,
		PerIPLimit:    perIPLimit,
		IPDownloads:   map[string]int{},
		ExpiryTime:    time.Now().Add(ClampTTL(ttl)).Unix(),
		Geofence:      fence,
	}

	id, err := s.meta.Push(ctx, linksPath, link)
	if err != nil {
		return "", fmt.Errorf("store share link: %w", err)
	}

	s.updateLinkGauge(ctx)
	logging.Info("share link created",
		zap.String("link_id", id),
		zap.String("owner", owner),
		zap.String("file", filePath),
		zap.Int("max_downloads", maxDownloads))
	return id, nil
}

// ResolveFolderGrant validates a grant for a requester. Denial order:
// absent, wrong grantee, expired (record reaped), outside geofence.
func (s *Store) ResolveFolderGrant(ctx context.Context, id, requester string, now int64, loc *geo.Coordinate) (*FolderGrant, error) {
	raw, err := s.meta.Get(ctx, grantsPath+"/"+id)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load grant %s: %w", id, err)
	}

	var grant FolderGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, fmt.Errorf("decode grant %s: %w", id, err)
	}

	if !strings.EqualFold(requester, grant.Grantee) {
		return nil, ErrForbidden
	}

	if now >= grant.ExpiryTime {
		s.reap(ctx, grantsPath+"/"+id)
		return nil, ErrExpired
	}

	if grant.Geofence != nil {
		if loc == nil || !grant.Geofence.Contains(*loc) {
			return nil, ErrOutOfRange
		}
	}

	return &grant, nil
}

// ResolveShareLink validates a link for an anonymous bearer. Denial order:
// absent, expired (record reaped), outside geofence, per-IP quota, global
// quota.
func (s *Store) ResolveShareLink(ctx context.Context, id string, now int64, clientIP string, loc *geo.Coordinate) (*ShareLink, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.resolveShareLinkLocked(ctx, id, now, clientIP, loc)
}

func (s *Store) resolveShareLinkLocked(ctx context.Context, id string, now int64, clientIP string, loc *geo.Coordinate) (*ShareLink, error) {
	raw, err := s.meta.Get(ctx, linksPath+"/"+id)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load share link %s: %w", id, err)
	}

	var link ShareLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return nil, fmt.Errorf("decode share link %s: %w", id, err)
	}

	if now > link.ExpiryTime {
		s.reap(ctx, linksPath+"/"+id)
		s.updateLinkGauge(ctx)
		return nil, ErrExpired
	}

	if link.Geofence != nil {
		if loc == nil || !link.Geofence.Contains(*loc) {
			return nil, ErrOutOfRange
		}
	}

	if link.IPDownloads[clientIP] >= link.PerIPLimit {
		return nil, ErrIPQuotaExceeded
	}

	if link.DownloadsUsed >= link.MaxDownloads {
		return nil, ErrQuotaExceeded
	}

	return &link, nil
}

// RecordShareLinkUse charges one download against the link's global and
// per-IP counters.
func (s *Store) RecordShareLinkUse(ctx context.Context, id, clientIP string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.recordShareLinkUseLocked(ctx, id, clientIP)
}

func (s *Store) recordShareLinkUseLocked(ctx context.Context, id, clientIP string) error {
	raw, err := s.meta.Get(ctx, linksPath+"/"+id)
	if errors.Is(err, metadata.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load share link %s: %w", id, err)
	}

	var link ShareLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return fmt.Errorf("decode share link %s: %w", id, err)
	}

	if link.IPDownloads == nil {
		link.IPDownloads = map[string]int{}
	}
	link.IPDownloads[clientIP]++

	err = s.meta.Update(ctx, linksPath+"/"+id, map[string]any{
		"downloads_used": link.DownloadsUsed + 1,
		"ip_downloads":   link.IPDownloads,
	})
	if err != nil {
		return fmt.Errorf("record share link use: %w", err)
	}
	return nil
}

// AdmitShareLink atomically resolves the link and charges one use. This is
// the check used when a transfer is accepted; callers must not start
// streaming before it succeeds.
func (s *Store) AdmitShareLink(ctx context.Context, id string, now int64, clientIP string, loc *geo.Coordinate) (*ShareLink, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	link, err := s.resolveShareLinkLocked(ctx, id, now, clientIP, loc)
	if err != nil {
		return nil, err
	}
	if err := s.recordShareLinkUseLocked(ctx, id, clientIP); err != nil {
		return nil, err
	}
	return link, nil
}

// GrantSummary pairs a grant with its ID for listings.
type GrantSummary struct {
	ID    string
	Grant FolderGrant
}

// ListGrantsForGrantee returns unexpired grants addressed to the given user.
func (s *Store) ListGrantsForGrantee(ctx context.Context, grantee string, now int64) ([]GrantSummary, error) {
	children, err := s.meta.Children(ctx, grantsPath)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}

	var out []GrantSummary
	for id, raw := range children {
		var grant FolderGrant
		if err := json.Unmarshal(raw, &grant); err != nil {
			logging.Warn("skipping undecodable grant", zap.String("grant_id", id), zap.Error(err))
			continue
		}
		if strings.EqualFold(grant.Grantee, grantee) && grant.ExpiryTime > now {
			out = append(out, GrantSummary{ID: id, Grant: grant})
		}
	}
	return out, nil
}

// reap deletes a record whose expiry was just observed.
func (s *Store) reap(ctx context.Context, path string) {
	if err := s.meta.Delete(ctx, path); err != nil {
		logging.Warn("failed to reap expired record", zap.String("path", path), zap.Error(err))
	}
}

func (s *Store) updateLinkGauge(ctx context.Context) {
	children, err := s.meta.Children(ctx, linksPath)
	if err == nil {
		metrics.SetShareLinksActive(int64(len(children)))
	}
}
