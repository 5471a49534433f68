package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/casadata/rentals_backend/config"
	"gorm.io/gorm"
)

const (
	ChannelProviderStays = "staysnet"
)

const (
	ChannelStatusConnected    = "connected"
	ChannelStatusDisconnected = "disconnected"
	ChannelStatusError        = "error"
)

// ChannelConnection holds the per-organization credentials for the external
// channel manager. The reconciliation engine only reads it; the integration
// handlers manage its lifecycle.
type ChannelConnection struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	OrganizationId   string     `gorm:"index;size:36;not null" json:"organization_id"`
	Provider         string     `gorm:"index;size:50;not null" json:"provider"`
	Status           string     `gorm:"size:20;not null" json:"status"`
	BaseURL          string     `gorm:"size:255" json:"base_url"`
	ApiKey           string     `gorm:"type:text" json:"api_key"`
	ApiSecret        string     `gorm:"type:text" json:"api_secret"`
	SettingsJSON     []byte     `gorm:"type:json" json:"settings"`
	LastRunAt        *time.Time `json:"last_run_at"`
	LastSuccessRunAt *time.Time `json:"last_success_run_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrChannelNotConnected = errors.New("channel manager is not connected")

func channelConnectionCacheKey(organizationId string) string {
	return "ChannelConnection:" + ChannelProviderStays + ":" + organizationId
}

// GetChannelConnection returns the connection row for the org, nil when none
// exists. Cache-aside via redis; DB is the source of truth.
func GetChannelConnection(ctx context.Context, organizationId string) (*ChannelConnection, error) {
	var cached ChannelConnection
	exists, err := config.GetRedisObject(channelConnectionCacheKey(organizationId), &cached)
	if err == nil && exists {
		return &cached, nil
	}

	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	var conn ChannelConnection
	err = db.WithContext(ctx).
		Where("organization_id = ? AND provider = ?", organizationId, ChannelProviderStays).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	_ = config.SetRedisObject(channelConnectionCacheKey(organizationId), &conn, time.Hour)
	return &conn, nil
}

// RequireConnectedChannel loads the connection and fails when it is missing,
// disconnected, or has no usable credentials. This is the configuration gate
// for a reconciliation run: failing here fails the whole run before any
// reservation is read.
func RequireConnectedChannel(ctx context.Context, organizationId string) (*ChannelConnection, error) {
	conn, err := GetChannelConnection(ctx, organizationId)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != ChannelStatusConnected {
		return nil, ErrChannelNotConnected
	}
	if strings.TrimSpace(conn.BaseURL) == "" || strings.TrimSpace(conn.ApiKey) == "" {
		return nil, errors.New("channel manager credentials are incomplete")
	}
	return conn, nil
}

func InvalidateChannelConnectionCache(organizationId string) {
	_ = config.RemoveRedisKey(channelConnectionCacheKey(organizationId))
}
