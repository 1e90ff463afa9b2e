package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/logging"
)

// ErrProfileNotFound is returned by a ProfileLookup when no profile exists
// for the requested user id.
var ErrProfileNotFound = errors.New("profile not found")

// ProfileLookup fetches the display name stored for a user id.
type ProfileLookup interface {
	LookupUsername(ctx context.Context, userID string) (string, error)
}

// Resolver picks the display name attached to each outgoing envelope.
// Names are resolved per message and never cached.
type Resolver struct {
	lookup   ProfileLookup
	fallback string
	timeout  time.Duration
	log      *zap.Logger
}

// NewResolver creates a Resolver. A nil lookup makes every unresolved
// identity use fallback.
func NewResolver(lookup ProfileLookup, fallback string, timeout time.Duration, log *zap.Logger) *Resolver {
	if fallback == "" {
		fallback = defaultFallbackName
	}
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Resolver{
		lookup:   lookup,
		fallback: fallback,
		timeout:  timeout,
		log:      logging.OrNop(log),
	}
}

// Fallback returns the name used when an identity cannot be resolved.
func (r *Resolver) Fallback() string {
	return r.fallback
}

// Resolve returns explicit when set, otherwise the profile name for userID,
// otherwise the fallback name. Lookup errors are logged and never returned.
func (r *Resolver) Resolve(ctx context.Context, explicit, userID string) string {
	if explicit != "" {
		return explicit
	}
	if userID == "" || r.lookup == nil {
		return r.fallback
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	name, err := r.lookup.LookupUsername(ctx, userID)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		r.log.Debug("no profile for user", zap.String("user_id", userID))
		return r.fallback
	case err != nil:
		r.log.Warn("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		return r.fallback
	case name == "":
		return r.fallback
	}
	return name
}
