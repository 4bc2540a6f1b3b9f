package service

import "time"

// ExpirationClass names a retention period a file may be uploaded with.
type ExpirationClass string

const (
	ExpireOneDay    ExpirationClass = "1day"
	ExpireSevenDays ExpirationClass = "7days"
	ExpireThirtyDay ExpirationClass = "30days"
	ExpireNever     ExpirationClass = "never"
)

var expirationDays = map[ExpirationClass]int{
	ExpireOneDay:    1,
	ExpireSevenDays: 7,
	ExpireThirtyDay: 30,
	ExpireNever:     0,
}

// Valid reports whether c is a known class.
func (c ExpirationClass) Valid() bool {
	_, ok := expirationDays[c]
	return ok
}

// ResolveExpiration turns the requested class (or defaultClass when none
// was requested) into an absolute expiry. Unknown classes mean "never":
// a malformed value is not an error. A nil result never expires.
func ResolveExpiration(requested, defaultClass string, now time.Time) *time.Time {
	class := ExpirationClass(requested)
	if requested == "" {
		class = ExpirationClass(defaultClass)
	}

	days := expirationDays[class]
	if days == 0 {
		return nil
	}

	expiresAt := now.AddDate(0, 0, days)
	return &expiresAt
}
