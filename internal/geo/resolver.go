// Package geo resolves client IPs to locations for geofencing and
// geo-velocity checks. Resolution is best-effort by contract: callers must
// treat any error as "no location" and continue, never as a reason to
// reject a request.
package geo

import (
	"context"
	"errors"

	"github.com/toolshare/toolshare-backend/internal/models"
)

// ErrUnresolvable means the IP has no location data (private range, not in
// the database, or the upstream service had no answer).
var ErrUnresolvable = errors.New("ip address not resolvable")

// Resolver resolves an IP address to a geographic location.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*models.GeoLocation, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ip string) (*models.GeoLocation, error)

func (f ResolverFunc) Resolve(ctx context.Context, ip string) (*models.GeoLocation, error) {
	return f(ctx, ip)
}
