package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/geo"
	"github.com/vaultgate/vaultgate/internal/grants"
	"github.com/vaultgate/vaultgate/internal/logging"
	"github.com/vaultgate/vaultgate/internal/metrics"
)

type scopeKeyType struct{}

var scopeKey scopeKeyType

// requestScope is the admission result attached to every authorized request.
// A nil grant means the request is owner-scoped: the caller operates on its
// own folder root with full permissions.
type requestScope struct {
	base    string
	grantID string
	grant   *grants.FolderGrant
}

func (s requestScope) permissions() grants.PermissionSet {
	if s.grant == nil {
		return grants.PermissionSet{Download: true, Upload: true, Delete: true}
	}
	return s.grant.Permissions
}

func scopeFrom(ctx context.Context) requestScope {
	sc, _ := ctx.Value(scopeKey).(requestScope)
	return sc
}

// userRoot maps an identity to its folder root inside the repository.
func userRoot(email string) string {
	r := strings.NewReplacer("@", "_", ".", "_")
	return r.Replace(strings.ToLower(email))
}

// scopeFilter resolves the request scope after authentication: without a
// sharedId parameter the caller is owner-scoped; with one, the referenced
// folder grant is resolved and attached to the context.
func (s *Server) scopeFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.GetClaims(r.Context())
		if claims == nil {
			sendError(w, http.StatusUnauthorized, "unauthenticated", "no session")
			return
		}

		sharedID := r.URL.Query().Get("sharedId")
		if sharedID == "" {
			sc := requestScope{base: userRoot(claims.Email) + "/"}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey, sc)))
			return
		}

		loc := parseLocation(r)
		grant, err := s.grants.ResolveFolderGrant(r.Context(), sharedID, claims.Email, time.Now().Unix(), loc)
		if err != nil {
			reason := grants.ReasonCode(err)
			if reason == "" {
				logging.Error("grant resolution failed", zap.String("grant_id", sharedID), zap.Error(err))
				sendError(w, http.StatusBadGateway, "upstream_failure", "grant store unavailable")
				return
			}
			metrics.RecordAdmission("grant", reason)
			sendError(w, statusForReason(reason), reason, "access denied")
			return
		}

		metrics.RecordAdmission("grant", "ok")
		sc := requestScope{base: grant.FolderPath, grantID: sharedID, grant: grant}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey, sc)))
	})
}

func statusForReason(reason string) int {
	switch reason {
	case "not_found":
		return http.StatusNotFound
	case "forbidden", "out_of_range":
		return http.StatusForbidden
	case "expired":
		return http.StatusGone
	case "ip_quota_exceeded", "quota_exceeded":
		return http.StatusTooManyRequests
	case "validation_error":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseLocation reads the claimed lat/lng query parameters. Returns nil when
// either is absent or malformed; geofenced grants then deny admission.
func parseLocation(r *http.Request) *geo.Coordinate {
	latStr := r.URL.Query().Get("lat")
	lngStr := r.URL.Query().Get("lng")
	if latStr == "" || lngStr == "" {
		return nil
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lng, err2 := strconv.ParseFloat(lngStr, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &geo.Coordinate{Latitude: lat, Longitude: lng}
}

// clientIP extracts the requesting client address for quota accounting.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
