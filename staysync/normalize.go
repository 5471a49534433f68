package staysync

import (
	"strings"
	"time"

	"bitbucket.org/casadata/rentals_backend/models"
)

// statusSynonyms maps every remote status spelling the channel manager has
// been seen to emit onto the canonical local vocabulary.
var statusSynonyms = map[string]string{
	"confirmed":   models.ReservationStatusConfirmed,
	"booked":      models.ReservationStatusConfirmed,
	"new":         models.ReservationStatusConfirmed,
	"contract":    models.ReservationStatusConfirmed,
	"reserved":    models.ReservationStatusConfirmed,
	"pending":     models.ReservationStatusPending,
	"inquiry":     models.ReservationStatusPending,
	"canceled":    models.ReservationStatusCancelled,
	"cancelled":   models.ReservationStatusCancelled,
	"checkedin":   models.ReservationStatusCheckedIn,
	"checked_in":  models.ReservationStatusCheckedIn,
	"checkedout":  models.ReservationStatusCheckedOut,
	"checked_out": models.ReservationStatusCheckedOut,
}

// NormalizeStatus maps a raw remote status/type onto the local vocabulary.
// Total: unknown or empty input falls back to pending so a vendor vocabulary
// change degrades to a visible status drift instead of a crash.
func NormalizeStatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := statusSynonyms[key]; ok {
		return canonical
	}
	return models.ReservationStatusPending
}

// blockTypes are remote entries that represent calendar blocks rather than
// guest reservations. The import sweep never materializes these locally.
var blockTypes = map[string]bool{
	"blocked":     true,
	"maintenance": true,
	"unavailable": true,
	"owner_block": true,
	"owner":       true,
}

func IsBlockType(remoteType string) bool {
	return blockTypes[strings.ToLower(strings.TrimSpace(remoteType))]
}

// ParseRemoteDate parses the date part of a remote timestamp. Accepts plain
// dates and full RFC 3339 timestamps; everything is truncated to a UTC
// midnight date because comparisons are date-only.
func ParseRemoteDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if idx := strings.IndexByte(raw, 'T'); idx > 0 {
		raw = raw[:idx]
	}
	if idx := strings.IndexByte(raw, ' '); idx > 0 {
		raw = raw[:idx]
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
