package identity

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// GeoIPResolver reads a MaxMind GeoLite2/GeoIP2 City database.
type GeoIPResolver struct {
	db *geoip2.Reader
}

// OpenGeoIP opens the database at path.
func OpenGeoIP(path string) (*GeoIPResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &GeoIPResolver{db: db}, nil
}

// Resolve looks ip up in the City database. ASN data is filled in when the
// database carries it.
func (r *GeoIPResolver) Resolve(_ context.Context, ip string) (gateway.IPInfo, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return gateway.IPInfo{}, gateway.E(gateway.ErrInvalidInput, "geoip resolve", fmt.Errorf("invalid ip %q", ip))
	}
	city, err := r.db.City(parsed)
	if err != nil {
		return gateway.IPInfo{}, fmt.Errorf("geoip city lookup: %w", err)
	}
	info := gateway.IPInfo{
		Status:      "success",
		Query:       ip,
		Country:     city.Country.Names["en"],
		CountryCode: city.Country.IsoCode,
		City:        city.City.Names["en"],
		Zip:         city.Postal.Code,
		Lat:         city.Location.Latitude,
		Lon:         city.Location.Longitude,
		Timezone:    city.Location.TimeZone,
		Source:      "geoip2",
	}
	if len(city.Subdivisions) > 0 {
		info.Region = city.Subdivisions[0].IsoCode
		info.RegionName = city.Subdivisions[0].Names["en"]
	}
	if asn, err := r.db.ASN(parsed); err == nil && asn.AutonomousSystemNumber != 0 {
		info.AS = fmt.Sprintf("AS%d %s", asn.AutonomousSystemNumber, asn.AutonomousSystemOrganization)
		info.Org = asn.AutonomousSystemOrganization
	}
	return info, nil
}

// Close releases the database.
func (r *GeoIPResolver) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close geoip database: %w", err)
	}
	return nil
}
