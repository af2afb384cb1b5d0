package geo

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/toolshare/toolshare-backend/internal/models"
)

// MMDBResolver resolves IPs against local MaxMind databases. The ASN
// database is optional; without it VPN/proxy flags stay false.
type MMDBResolver struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// vpnOrgKeywords flag ASN organizations that indicate anonymizing
// infrastructure rather than consumer connectivity.
var vpnOrgKeywords = []string{"vpn", "proxy", "hosting", "datacenter", "data center", "cloud"}

// NewMMDBResolver opens the City database and, if a path is given, the ASN
// database.
func NewMMDBResolver(cityPath, asnPath string) (*MMDBResolver, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open city database: %w", err)
	}
	r := &MMDBResolver{city: city}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("failed to open asn database: %w", err)
		}
		r.asn = asn
	}
	return r, nil
}

// Close closes the underlying database readers.
func (r *MMDBResolver) Close() {
	if r.city != nil {
		r.city.Close()
	}
	if r.asn != nil {
		r.asn.Close()
	}
}

func (r *MMDBResolver) Resolve(_ context.Context, ipAddress string) (*models.GeoLocation, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvable, ipAddress)
	}
	record, err := r.city.City(ip)
	if err != nil {
		return nil, err
	}
	if record.Country.IsoCode == "" {
		return nil, ErrUnresolvable
	}
	loc := &models.GeoLocation{
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
		IsProxy:     record.Traits.IsAnonymousProxy,
	}
	if r.asn != nil {
		if asn, err := r.asn.ASN(ip); err == nil {
			org := strings.ToLower(asn.AutonomousSystemOrganization)
			for _, kw := range vpnOrgKeywords {
				if strings.Contains(org, kw) {
					loc.IsVPN = true
					break
				}
			}
		}
	}
	return loc, nil
}
