package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/casadata/rentals_backend/config"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Guest struct {
	ID             string    `gorm:"primary_key;size:36" json:"id"`
	OrganizationId string    `gorm:"index;size:36;not null" json:"organization_id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	Email          string    `gorm:"index;size:255" json:"email"`
	Phone          string    `gorm:"size:50" json:"phone"`
	ExternalId     string    `gorm:"index;size:128" json:"external_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindOrCreateGuest matches a remote guest by email, then phone, and creates a
// row when neither matches. Returns "" when there is not enough identity to
// create one (no name).
func FindOrCreateGuest(ctx context.Context, organizationId, name, email, phone, externalId string) (string, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	phone = strings.TrimSpace(phone)

	db := config.GetDB()
	if email != "" || phone != "" {
		query := db.WithContext(ctx).Model(&Guest{}).Where("organization_id = ?", organizationId)
		if email != "" {
			query = query.Where("email = ?", email)
		} else {
			query = query.Where("phone = ?", phone)
		}
		var existing Guest
		if err := query.Take(&existing).Error; err == nil {
			return existing.ID, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}

	if name == "" {
		return "", nil
	}

	guest := Guest{
		ID:             uuid.NewString(),
		OrganizationId: organizationId,
		Name:           name,
		Email:          email,
		Phone:          phone,
		ExternalId:     strings.TrimSpace(externalId),
	}
	if err := db.WithContext(ctx).Create(&guest).Error; err != nil {
		return "", err
	}
	return guest.ID, nil
}
