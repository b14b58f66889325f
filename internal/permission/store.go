// Package permission answers location permission requests from a status
// that is seeded from config and can be changed at runtime.
package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/geowatch/internal/geo"
)

// Store holds the current permission status. A request made while the
// status is undetermined settles it to the configured default, the way a
// user answers a prompt once.
type Store struct {
	mu        sync.RWMutex
	status    geo.PermissionStatus
	autoGrant bool
	log       *zap.Logger
}

// Config holds permission configuration.
type Config struct {
	Status    string `yaml:"status" json:"status" validate:"omitempty,oneof=granted denied undetermined"`
	AutoGrant bool   `yaml:"auto_grant" json:"autoGrant"` // Answer for undetermined requests
}

// NewStore creates a Store from cfg. An empty status means undetermined.
func NewStore(cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	status := geo.PermissionUndetermined
	if cfg.Status != "" {
		s, err := ParseStatus(cfg.Status)
		if err != nil {
			return nil, err
		}
		status = s
	}
	return &Store{status: status, autoGrant: cfg.AutoGrant, log: log}, nil
}

// ParseStatus converts a config or API string into a status.
func ParseStatus(s string) (geo.PermissionStatus, error) {
	switch geo.PermissionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case geo.PermissionGranted:
		return geo.PermissionGranted, nil
	case geo.PermissionDenied:
		return geo.PermissionDenied, nil
	case geo.PermissionUndetermined:
		return geo.PermissionUndetermined, nil
	default:
		return "", fmt.Errorf("permission: unknown status %q", s)
	}
}

// RequestLocationPermission implements geo.Permissions.
func (s *Store) RequestLocationPermission(ctx context.Context) (geo.PermissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == geo.PermissionUndetermined {
		s.status = geo.PermissionDenied
		if s.autoGrant {
			s.status = geo.PermissionGranted
		}
		s.log.Info("permission settled", zap.String("status", string(s.status)))
	}
	return s.status, nil
}

// Status returns the current status without settling it.
func (s *Store) Status() geo.PermissionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Set changes the status. Watches that are already running are not
// affected; the status is checked when watches start.
func (s *Store) Set(status geo.PermissionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != status {
		s.log.Info("permission changed", zap.String("from", string(s.status)), zap.String("to", string(status)))
	}
	s.status = status
}

// SetAutoGrant changes the answer given to undetermined requests.
func (s *Store) SetAutoGrant(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoGrant = on
}
