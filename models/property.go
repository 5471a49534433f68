package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/casadata/rentals_backend/config"
	"gorm.io/gorm"
)

type Property struct {
	ID                string    `gorm:"primary_key;size:36" json:"id"`
	OrganizationId    string    `gorm:"index;size:36;not null" json:"organization_id"`
	Name              string    `gorm:"size:255;not null" json:"name"`
	ExternalListingId string    `gorm:"index;size:128" json:"external_listing_id"`
	IsActive          *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindPropertyByExternalListing maps a channel-manager listing id to the local
// property. Returns ("", nil) when no mapping exists.
func FindPropertyByExternalListing(ctx context.Context, listingId string) (string, error) {
	listingId = strings.TrimSpace(listingId)
	if listingId == "" {
		return "", nil
	}
	db := config.GetDB()
	var prop Property
	err := db.WithContext(ctx).
		Where("external_listing_id = ?", listingId).
		Take(&prop).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return prop.ID, nil
}
