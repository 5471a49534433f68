package models

import (
	"context"
	"time"

	"bitbucket.org/casadata/rentals_backend/config"
	"github.com/shopspring/decimal"
)

// Canonical reservation statuses. Channel-manager vendors each speak their own
// vocabulary; everything is normalized to these before comparison or storage.
const (
	ReservationStatusConfirmed  = "confirmed"
	ReservationStatusPending    = "pending"
	ReservationStatusCancelled  = "cancelled"
	ReservationStatusCheckedIn  = "checked_in"
	ReservationStatusCheckedOut = "checked_out"
)

// MaxVerifyLimit caps how many reservations a single reconciliation pass may
// scan, regardless of what the caller asks for.
const MaxVerifyLimit = 500

type Reservation struct {
	ID                 string          `gorm:"primary_key;size:36" json:"id"`
	OrganizationId     string          `gorm:"index;size:36;not null" json:"organization_id"`
	PropertyId         string          `gorm:"index;size:36" json:"property_id"`
	GuestId            string          `gorm:"index;size:36" json:"guest_id"`
	GuestName          string          `gorm:"size:255" json:"guest_name"`
	ExternalId         string          `gorm:"index;size:128" json:"external_id"`
	ReservationCode    string          `gorm:"size:64" json:"reservation_code"`
	Status             string          `gorm:"index;size:20;not null" json:"status"`
	CheckIn            time.Time       `gorm:"type:date;index" json:"check_in"`
	CheckOut           time.Time       `gorm:"type:date;index" json:"check_out"`
	Nights             int             `json:"nights"`
	Total              decimal.Decimal `gorm:"type:decimal(20,8)" json:"total"`
	Currency           string          `gorm:"size:10" json:"currency"`
	Platform           string          `gorm:"size:50" json:"platform"`
	CancelledAt        *time.Time      `json:"cancelled_at"`
	CancellationReason string          `gorm:"type:text" json:"cancellation_reason"`
	SourceCreatedAt    *time.Time      `json:"source_created_at"`
	RawJSON            []byte          `gorm:"type:json" json:"raw"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ListReservationsToVerify selects the candidates for one reconciliation pass:
// active statuses, an external id to look up, and a checkout inside the scan
// window [today-7d, today+90d]. Ordered by check-in so the soonest stays are
// verified first; empty result is a valid outcome.
func ListReservationsToVerify(ctx context.Context, limit int) ([]Reservation, error) {
	if limit <= 0 || limit > MaxVerifyLimit {
		limit = MaxVerifyLimit
	}

	today := DateOnly(time.Now())
	windowStart := today.AddDate(0, 0, -7)
	windowEnd := today.AddDate(0, 0, 90)

	db := config.GetDB()
	var reservations []Reservation
	err := db.WithContext(ctx).
		Where("status IN ?", []string{ReservationStatusConfirmed, ReservationStatusPending, ReservationStatusCheckedIn}).
		Where("external_id IS NOT NULL AND external_id <> ''").
		Where("check_out >= ? AND check_out <= ?", windowStart, windowEnd).
		Order("check_in asc").
		Limit(limit).
		Find(&reservations).Error
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

// DateOnly truncates a timestamp to its calendar date in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsPast reports whether the reservation's checkout date is strictly before
// today. Past reservations are frozen history: reconciliation never mutates
// their status or dates.
func (r *Reservation) IsPast(now time.Time) bool {
	return DateOnly(r.CheckOut).Before(DateOnly(now))
}
