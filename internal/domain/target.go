package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Target is a phone-reachable dispatch destination. Targets are singular per
// normalized number: two leads sharing a number collapse onto one Target.
type Target struct {
	Key       string    `json:"key"`
	LeadID    uuid.UUID `json:"lead_id"`
	Name      string    `json:"name"`
	Locale    string    `json:"locale"`
	TimeZone  string    `json:"time_zone"`
	CreatedAt time.Time `json:"created_at"`
}

// AreaCode returns the locality prefix of the target's national number.
func (t Target) AreaCode() string {
	return AreaCodeOf(t.Key)
}

// Location resolves the target's time zone, falling back to def.
func (t Target) Location(def *time.Location) *time.Location {
	if t.TimeZone != "" {
		if loc, err := time.LoadLocation(t.TimeZone); err == nil {
			return loc
		}
	}
	if def != nil {
		return def
	}
	return time.UTC
}

// NormalizeNumber canonicalizes a dialable phone number into a target key.
// NANP numbers are reduced to ten national digits; anything shorter than
// seven digits is rejected.
func NormalizeNumber(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	key := digits.String()
	if len(key) == 11 && key[0] == '1' {
		key = key[1:]
	}
	if len(key) < 7 {
		return "", fmt.Errorf("normalize number %q: too few digits", raw)
	}
	return key, nil
}

// AreaCodeOf extracts the three-digit locality prefix from a normalized key.
func AreaCodeOf(key string) string {
	if len(key) < 10 {
		return ""
	}
	return key[:3]
}
