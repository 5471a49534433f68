package staysync

import (
	"encoding/json"
	"strings"
	"time"

	"bitbucket.org/casadata/rentals_backend/models"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		// "required" accepts whitespace-only strings; credentials must not be blank.
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	}
}

// RunStats mirrors the counters on the run row while a pass is executing.
type RunStats struct {
	TotalChecked    int      `json:"totalChecked"`
	FoundDeleted    int      `json:"foundDeleted"`
	FoundModified   int      `json:"foundModified"`
	FoundOrphan     int      `json:"foundOrphan"`
	ActionCancelled int      `json:"actionCancelled"`
	ActionUpdated   int      `json:"actionUpdated"`
	ActionSkipped   int      `json:"actionSkipped"`
	Errors          []string `json:"errors"`
}

type RunResult struct {
	RunId    uint          `json:"runId"`
	Status   string        `json:"status"`
	Stats    RunStats      `json:"stats"`
	Duration time.Duration `json:"-"`
	DryRun   bool          `json:"dryRun"`
}

// ChannelSettings is the per-connection behavior knob set, stored as JSON on
// the connection row.
type ChannelSettings struct {
	AutoCancelDeleted bool `json:"autoCancelDeleted"`
	ImportMissing     bool `json:"importMissing"`
	ImportDaysAhead   int  `json:"importDaysAhead"`
	ImportDaysBack    int  `json:"importDaysBack"`
}

func DefaultChannelSettings() ChannelSettings {
	return ChannelSettings{
		AutoCancelDeleted: true,
		ImportMissing:     true,
		ImportDaysAhead:   30,
		ImportDaysBack:    7,
	}
}

// DecodeChannelSettings reads settings off a connection row, falling back to
// defaults for an empty or unparseable blob.
func DecodeChannelSettings(conn *models.ChannelConnection) ChannelSettings {
	settings := DefaultChannelSettings()
	if conn == nil || len(conn.SettingsJSON) == 0 {
		return settings
	}
	if err := json.Unmarshal(conn.SettingsJSON, &settings); err != nil {
		return DefaultChannelSettings()
	}
	if settings.ImportDaysAhead <= 0 {
		settings.ImportDaysAhead = 30
	}
	if settings.ImportDaysBack <= 0 {
		settings.ImportDaysBack = 7
	}
	return settings
}

type ConnectRequest struct {
	BaseURL   string `json:"baseUrl" binding:"required,url"`
	ApiKey    string `json:"apiKey" binding:"required,notblank"`
	ApiSecret string `json:"apiSecret" binding:"required,notblank"`
}

type UpdateSettingsRequest struct {
	AutoCancelDeleted *bool `json:"autoCancelDeleted"`
	ImportMissing     *bool `json:"importMissing"`
	ImportDaysAhead   *int  `json:"importDaysAhead" binding:"omitempty,min=1,max=365"`
	ImportDaysBack    *int  `json:"importDaysBack" binding:"omitempty,min=1,max=90"`
}

type ConnectionStatusResponse struct {
	Connected        bool            `json:"connected"`
	Provider         string          `json:"provider"`
	Status           string          `json:"status,omitempty"`
	BaseURL          string          `json:"baseUrl,omitempty"`
	Settings         ChannelSettings `json:"settings"`
	LastRunAt        *time.Time      `json:"lastRunAt,omitempty"`
	LastSuccessRunAt *time.Time      `json:"lastSuccessRunAt,omitempty"`
}

// ImportStats summarizes one import sweep window.
type ImportStats struct {
	RemoteCount int      `json:"remoteCount"`
	LocalCount  int      `json:"localCount"`
	Missing     int      `json:"missing"`
	Imported    int      `json:"imported"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors"`
}

type ImportResult struct {
	Arrival  ImportStats   `json:"arrival"`
	Creation ImportStats   `json:"creation"`
	Duration time.Duration `json:"-"`
}
