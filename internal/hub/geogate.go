/*
File Name:  geogate.go
Author:     dpc contributors

Optional GeoIP gating middleware: consults the MaxMind GeoLite2
Country database and rejects requests from configured country codes
with HTTP 451 (Unavailable For Legal Reasons).
*/

package hub

import (
	"net"
	"net/http"
	"strings"

	"github.com/IncSW/geoip2"
)

// countryLookup is the narrow capability GeoGate needs from a reader,
// satisfied by *geoip2.CountryReader and by fakes in tests.
type countryLookup interface {
	Lookup(ip net.IP) (*geoip2.Country, error)
}

// GeoGate blocks requests originating from a configured set of
// country codes. The lookup library was chosen, as in the teacher,
// for having zero further dependencies.
type GeoGate struct {
	reader  countryLookup
	blocked map[string]bool
}

// NewGeoGate loads a GeoLite2-Country database and blocks the given
// ISO 3166-1 alpha-2 country codes (case-insensitive).
func NewGeoGate(databaseFile string, blockedCountries []string) (*GeoGate, error) {
	reader, err := geoip2.NewCountryReaderFromFile(databaseFile)
	if err != nil {
		return nil, err
	}
	return newGeoGate(reader, blockedCountries), nil
}

func newGeoGate(reader countryLookup, blockedCountries []string) *GeoGate {
	blocked := make(map[string]bool, len(blockedCountries))
	for _, code := range blockedCountries {
		blocked[strings.ToUpper(code)] = true
	}
	return &GeoGate{reader: reader, blocked: blocked}
}

func (g *GeoGate) countryOf(ip net.IP) (string, bool) {
	record, err := g.reader.Lookup(ip)
	if err != nil || record == nil || record.Country.ISOCode == "" {
		return "", false
	}
	return record.Country.ISOCode, true
}

// Middleware rejects requests from a blocked country with 451.
func (g *GeoGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip != nil {
			if code, ok := g.countryOf(ip); ok && g.blocked[code] {
				w.WriteHeader(http.StatusUnavailableForLegalReasons)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
