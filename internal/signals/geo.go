package signals

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/sentinelsoc/soar/internal/risk"
)

// GeoEnricher resolves country and anonymizer flags from MaxMind databases.
// Both databases are optional; a nil enricher simply contributes nothing.
type GeoEnricher struct {
	country   *geoip2.Reader
	anonymous *geoip2.Reader
}

func NewGeoEnricher(countryDBPath, anonymousDBPath string) (*GeoEnricher, error) {
	e := &GeoEnricher{}

	if countryDBPath != "" {
		r, err := geoip2.Open(countryDBPath)
		if err != nil {
			return nil, fmt.Errorf("opening country database: %w", err)
		}
		e.country = r
	}

	if anonymousDBPath != "" {
		r, err := geoip2.Open(anonymousDBPath)
		if err != nil {
			if e.country != nil {
				e.country.Close()
			}
			return nil, fmt.Errorf("opening anonymous-ip database: %w", err)
		}
		e.anonymous = r
	}

	return e, nil
}

func (e *GeoEnricher) Close() {
	if e.country != nil {
		e.country.Close()
	}
	if e.anonymous != nil {
		e.anonymous.Close()
	}
}

// Annotate fills the geography flags that can be resolved for the IP.
// Lookup failures leave the flags untouched.
func (e *GeoEnricher) Annotate(ip string, flags *risk.GeoFlags) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return
	}

	if e.country != nil {
		if rec, err := e.country.Country(parsed); err == nil && rec.Country.IsoCode != "" {
			flags.Country = rec.Country.IsoCode
		}
	}

	if e.anonymous != nil {
		if rec, err := e.anonymous.AnonymousIP(parsed); err == nil {
			flags.VPN = rec.IsAnonymousVPN
			flags.Tor = rec.IsTorExitNode
			flags.Hosting = rec.IsHostingProvider
		}
	}
}
