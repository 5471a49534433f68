package staysync_test

import (
	"testing"
	"time"

	"bitbucket.org/casadata/rentals_backend/models"
	"bitbucket.org/casadata/rentals_backend/staysync"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"confirmed", models.ReservationStatusConfirmed},
		{"booked", models.ReservationStatusConfirmed},
		{"new", models.ReservationStatusConfirmed},
		{"contract", models.ReservationStatusConfirmed},
		{"Booked", models.ReservationStatusConfirmed},
		{"  CONFIRMED  ", models.ReservationStatusConfirmed},
		{"inquiry", models.ReservationStatusPending},
		{"pending", models.ReservationStatusPending},
		{"canceled", models.ReservationStatusCancelled},
		{"cancelled", models.ReservationStatusCancelled},
		{"checkedin", models.ReservationStatusCheckedIn},
		{"checked_in", models.ReservationStatusCheckedIn},
		{"checkedout", models.ReservationStatusCheckedOut},
		{"checked_out", models.ReservationStatusCheckedOut},
		// unknowns degrade to pending instead of failing
		{"", models.ReservationStatusPending},
		{"some-new-vendor-status", models.ReservationStatusPending},
	}
	for _, tc := range cases {
		if got := staysync.NormalizeStatus(tc.raw); got != tc.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestIsBlockType(t *testing.T) {
	for _, blocked := range []string{"blocked", "maintenance", "unavailable", "owner_block", "owner", " Blocked "} {
		if !staysync.IsBlockType(blocked) {
			t.Errorf("IsBlockType(%q) = false, want true", blocked)
		}
	}
	for _, notBlocked := range []string{"booked", "reserved", "", "cancelled"} {
		if staysync.IsBlockType(notBlocked) {
			t.Errorf("IsBlockType(%q) = true, want false", notBlocked)
		}
	}
}

func TestParseRemoteDate(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"2026-09-01", "2026-09-01", true},
		{"2026-09-01T14:30:00Z", "2026-09-01", true},
		{"2026-09-01T23:59:59-05:00", "2026-09-01", true},
		{"2026-09-01 14:30:00", "2026-09-01", true},
		{"  2026-09-01  ", "2026-09-01", true},
		{"", "", false},
		{"not-a-date", "", false},
		{"09/01/2026", "", false},
	}
	for _, tc := range cases {
		got, ok := staysync.ParseRemoteDate(tc.raw)
		if ok != tc.ok {
			t.Errorf("ParseRemoteDate(%q) ok = %v, want %v", tc.raw, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if got.Format("2006-01-02") != tc.want {
			t.Errorf("ParseRemoteDate(%q) = %s, want %s", tc.raw, got.Format("2006-01-02"), tc.want)
		}
		if got.Location() != time.UTC || got.Hour() != 0 || got.Minute() != 0 {
			t.Errorf("ParseRemoteDate(%q) not truncated to UTC midnight: %v", tc.raw, got)
		}
	}
}
