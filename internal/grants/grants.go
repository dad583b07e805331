// Package grants implements folder access grants and single-object share
// links: creation, resolution with an explicit denial order, lazy expiry and
// quota accounting.
package grants

import (
	"errors"
	"time"

	"github.com/vaultgate/vaultgate/internal/geo"
)

// Denial reasons, in the order the resolvers apply them.
var (
	ErrNotFound        = errors.New("grant not found")
	ErrForbidden       = errors.New("not the grantee")
	ErrExpired         = errors.New("grant expired")
	ErrOutOfRange      = errors.New("outside allowed area")
	ErrIPQuotaExceeded = errors.New("per-ip download limit reached")
	ErrQuotaExceeded   = errors.New("download limit reached")
	ErrValidation      = errors.New("invalid grant parameters")
)

// TTL bounds for new grants and links. Out-of-range or invalid requests are
// clamped, not rejected.
const (
	MinTTL = 60 * time.Second
	MaxTTL = 14 * 24 * time.Hour
)

// Share link quota defaults.
const (
	DefaultMaxDownloads = 3
	DefaultPerIPLimit   = 2
)

// ReasonCode returns the stable reason code for a denial error, or "" for
// errors outside the admission taxonomy.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrIPQuotaExceeded):
		return "ip_quota_exceeded"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return ""
	}
}

// PermissionSet holds the action bits attached to a folder grant.
type PermissionSet struct {
	Download bool `json:"download"`
	Upload   bool `json:"upload"`
	Delete   bool `json:"delete"`
}

// FolderGrant lets one user act on another user's folder subtree until it
// expires.
type FolderGrant struct {
	FolderPath  string        `json:"folder_path"` // repository-relative, trailing slash
	Owner       string        `json:"owner"`
	Grantee     string        `json:"grantee"`
	Permissions PermissionSet `json:"permissions"`
	ExpiryTime  int64         `json:"expiry_time"` // epoch seconds
	Geofence    *geo.Geofence `json:"geofence,omitempty"`
}

// ShareLink lets any bearer download a single object under quota, time and
// location constraints.
type ShareLink struct {
	FilePath      string         `json:"file_path"`
	Owner         string         `json:"owner"`
	MaxDownloads  int            `json:"max_downloads"`
	DownloadsUsed int            `json:"downloads_used"`
	PerIPLimit    int            `json:"per_ip_limit"`
	IPDownloads   map[string]int `json:"ip_downloads"`
	ExpiryTime    int64          `json:"expiry_time"`
	Geofence      *geo.Geofence  `json:"geofence,omitempty"`
}

// ClampTTL forces a requested TTL into [MinTTL, MaxTTL]; non-positive or
// invalid values fall to the minimum.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

func validGeofence(f *geo.Geofence) bool {
	return f == nil || f.RadiusKm > 0
}
