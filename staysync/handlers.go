package staysync

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/casadata/rentals_backend/config"
	"bitbucket.org/casadata/rentals_backend/models"
	"bitbucket.org/casadata/rentals_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// authorizeCron accepts either a valid service bearer token or the shared
// cron secret header. Fail closed: no credential, wrong credential, or an
// unset CRON_SECRET all reject. Returns the resolved organization id.
func authorizeCron(c *gin.Context) (string, bool) {
	if token, ok := utils.GetTokenFromContext(c.Request.Context()); ok && token != "" {
		claims, err := utils.ServiceTokenValidate(token)
		if err == nil && claims.OrganizationId != "" {
			return claims.OrganizationId, true
		}
	}

	secret := os.Getenv("CRON_SECRET")
	header := strings.TrimSpace(c.GetHeader("X-Cron-Secret"))
	if secret != "" && header != "" && header == secret {
		org := strings.TrimSpace(os.Getenv("ORGANIZATION_ID"))
		if org == "" {
			org = strings.TrimSpace(c.Query("organization_id"))
		}
		if org != "" {
			return org, true
		}
	}
	return "", false
}

// resolveOrganizationID authorizes the management API (status/connect/runs).
// Requires a service bearer token; the cron secret is not valid here.
func resolveOrganizationID(c *gin.Context) (string, error) {
	token, ok := utils.GetTokenFromContext(c.Request.Context())
	if !ok || token == "" {
		return "", utils.ErrorUnauthorized
	}
	claims, err := utils.ServiceTokenValidate(token)
	if err != nil || claims.OrganizationId == "" {
		return "", utils.ErrorUnauthorized
	}
	return claims.OrganizationId, nil
}

func successData(data gin.H) gin.H {
	return gin.H{"success": true, "data": data}
}

func errorBody(msg string) gin.H {
	return gin.H{"success": false, "error": msg}
}

// CronReconcileHandler runs the synchronous verify-and-correct pass. The run
// row is created before authorization so rejected invocations still leave an
// auditable failed run.
func CronReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		ctx := c.Request.Context()

		dryRun := strings.EqualFold(c.Query("dryRun"), "true")
		limit := 0
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}

		org, authorized := authorizeCron(c)
		runOrg := org
		if runOrg == "" {
			runOrg = strings.TrimSpace(os.Getenv("ORGANIZATION_ID"))
		}

		var run *models.ReconciliationRun
		if runOrg != "" {
			adminCtx := utils.SetSkipTenantScopeInContext(ctx, true)
			created, err := CreateRun(adminCtx, runOrg, models.ReconciliationTriggeredCron, dryRun, models.ReconciliationRunStatusRunning)
			if err != nil {
				config.LogError(logger, "staysync", "CronReconcileHandler", "create run", runOrg, err)
			} else {
				run = created
			}
		}

		if !authorized {
			if run != nil {
				FailRun(utils.SetSkipTenantScopeInContext(ctx, true), run, "Unauthorized")
			}
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		if run == nil {
			c.JSON(http.StatusInternalServerError, errorBody("failed to create reconciliation run"))
			return
		}

		result, err := ProcessRun(ctx, run, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}

		c.JSON(http.StatusOK, successData(gin.H{
			"runId":    result.RunId,
			"status":   result.Status,
			"stats":    result.Stats,
			"duration": result.Duration.Milliseconds(),
			"dryRun":   result.DryRun,
			"message":  runMessage(result),
		}))
	}
}

func runMessage(result *RunResult) string {
	if result.DryRun {
		return "Dry run finished; no reservations were modified"
	}
	switch result.Status {
	case models.ReconciliationRunStatusPartial:
		return "Reconciliation finished with errors"
	default:
		return "Reconciliation finished"
	}
}

// CronImportMissingHandler runs the import sweep for reservations that never
// arrived via webhook.
func CronImportMissingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, authorized := authorizeCron(c)
		if !authorized {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}

		daysAhead := 0
		daysBack := 0
		if v := strings.TrimSpace(c.Query("daysAhead")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 365 {
				daysAhead = n
			}
		}
		if v := strings.TrimSpace(c.Query("daysBack")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 90 {
				daysBack = n
			}
		}

		result, err := RunImport(c.Request.Context(), org, daysAhead, daysBack)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrImportAlreadyRunning) {
				status = http.StatusConflict
			}
			c.JSON(status, errorBody(err.Error()))
			return
		}

		c.JSON(http.StatusOK, successData(gin.H{
			"arrival":  result.Arrival,
			"creation": result.Creation,
			"duration": result.Duration.Milliseconds(),
		}))
	}
}

// TriggerReconcileHandler enqueues an async run and returns immediately.
func TriggerReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}

		dryRun := strings.EqualFold(c.Query("dryRun"), "true")
		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), org)

		if _, err := models.RequireConnectedChannel(ctx, org); err != nil {
			c.JSON(http.StatusConflict, errorBody(err.Error()))
			return
		}

		run, err := CreateRun(ctx, org, models.ReconciliationTriggeredManual, dryRun, models.ReconciliationRunStatusQueued)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}

		if err := PublishRun(ctx, RunMessage{RunId: run.ID, OrganizationId: org}); err != nil {
			config.GetLogger().WithFields(logrus.Fields{"runId": run.ID}).
				Warn("failed to enqueue run, processing inline: " + err.Error())
			result, perr := ProcessRun(ctx, run, 0)
			if perr != nil {
				c.JSON(http.StatusInternalServerError, errorBody(perr.Error()))
				return
			}
			c.JSON(http.StatusOK, successData(gin.H{"runId": result.RunId, "status": result.Status, "stats": result.Stats}))
			return
		}

		c.JSON(http.StatusAccepted, successData(gin.H{"runId": run.ID, "status": run.Status}))
	}
}

// PushHandler receives Pub/Sub push deliveries for queued runs.
func PushHandler() gin.HandlerFunc {
	type pushEnvelope struct {
		Message struct {
			Data      []byte `json:"data"`
			MessageId string `json:"messageId"`
		} `json:"message"`
		Subscription string `json:"subscription"`
	}
	return func(c *gin.Context) {
		var envelope pushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid push envelope"))
			return
		}
		if err := HandlePushMessage(c.Request.Context(), envelope.Message.Data); err != nil {
			config.LogError(config.GetLogger(), "staysync", "PushHandler", "process push", envelope.Message.MessageId, err)
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), org)

		conn, err := models.GetChannelConnection(ctx, org)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, ConnectionStatusResponse{
				Connected: false,
				Provider:  models.ChannelProviderStays,
				Settings:  DefaultChannelSettings(),
			})
			return
		}
		c.JSON(http.StatusOK, ConnectionStatusResponse{
			Connected:        conn.Status == models.ChannelStatusConnected,
			Provider:         conn.Provider,
			Status:           conn.Status,
			BaseURL:          conn.BaseURL,
			Settings:         DecodeChannelSettings(conn),
			LastRunAt:        conn.LastRunAt,
			LastSuccessRunAt: conn.LastSuccessRunAt,
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("baseUrl, apiKey and apiSecret are required"))
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), org)
		db := config.GetDB().WithContext(ctx)

		conn, err := models.GetChannelConnection(ctx, org)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}

		now := time.Now()
		if conn == nil {
			settings, _ := utils.MarshalToJSON(DefaultChannelSettings())
			conn = &models.ChannelConnection{
				OrganizationId: org,
				Provider:       models.ChannelProviderStays,
				Status:         models.ChannelStatusConnected,
				BaseURL:        strings.TrimSpace(req.BaseURL),
				ApiKey:         strings.TrimSpace(req.ApiKey),
				ApiSecret:      strings.TrimSpace(req.ApiSecret),
				SettingsJSON:   []byte(settings),
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
				return
			}
		} else {
			update := map[string]interface{}{
				"status":     models.ChannelStatusConnected,
				"base_url":   strings.TrimSpace(req.BaseURL),
				"api_key":    strings.TrimSpace(req.ApiKey),
				"api_secret": strings.TrimSpace(req.ApiSecret),
				"updated_at": now,
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
				return
			}
		}
		models.InvalidateChannelConnectionCache(org)

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), org)
		db := config.GetDB().WithContext(ctx)

		conn, err := models.GetChannelConnection(ctx, org)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":     models.ChannelStatusDisconnected,
			"api_key":    "",
			"api_secret": "",
			"updated_at": time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		models.InvalidateChannelConnectionCache(org)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}

		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid request"))
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), org)
		db := config.GetDB().WithContext(ctx)

		conn, err := models.GetChannelConnection(ctx, org)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		if conn == nil {
			c.JSON(http.StatusConflict, errorBody("channel manager is not connected"))
			return
		}

		settings := DecodeChannelSettings(conn)
		if req.AutoCancelDeleted != nil {
			settings.AutoCancelDeleted = *req.AutoCancelDeleted
		}
		if req.ImportMissing != nil {
			settings.ImportMissing = *req.ImportMissing
		}
		if req.ImportDaysAhead != nil {
			settings.ImportDaysAhead = *req.ImportDaysAhead
		}
		if req.ImportDaysBack != nil {
			settings.ImportDaysBack = *req.ImportDaysBack
		}

		encoded, _ := utils.MarshalToJSON(settings)
		if err := db.Model(conn).Updates(map[string]interface{}{
			"settings_json": []byte(encoded),
			"updated_at":    time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		models.InvalidateChannelConnectionCache(org)
		c.JSON(http.StatusOK, gin.H{"success": true, "data": settings})
	}
}

func RunHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), org)
		var runs []models.ReconciliationRun
		if err := config.GetDB().WithContext(ctx).
			Where("organization_id = ?", org).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		c.JSON(http.StatusOK, successData(gin.H{"items": runs}))
	}
}

func RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}

		run, items, err := loadRunWithItems(c, org)
		if err != nil {
			respondRunLoadError(c, err)
			return
		}
		c.JSON(http.StatusOK, successData(gin.H{"run": run, "items": items}))
	}
}

// RunExportHandler streams one run's audit trail as an xlsx workbook.
func RunExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}

		run, items, err := loadRunWithItems(c, org)
		if err != nil {
			respondRunLoadError(c, err)
			return
		}

		f, err := BuildRunReport(run, items)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
			return
		}

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename="+RunReportFilename(run))
		if err := f.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "staysync", "RunExportHandler", "write xlsx", run.ID, err)
		}
	}
}

func loadRunWithItems(c *gin.Context, org string) (*models.ReconciliationRun, []models.ReconciliationItem, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return nil, nil, errInvalidRunId
	}

	ctx := utils.SetOrganizationIdInContext(c.Request.Context(), org)
	db := config.GetDB().WithContext(ctx)

	var run models.ReconciliationRun
	if err := db.Where("id = ? AND organization_id = ?", id, org).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, utils.ErrorRecordNotFound
		}
		return nil, nil, err
	}

	var items []models.ReconciliationItem
	if err := db.Where("run_id = ?", run.ID).Order("id asc").Find(&items).Error; err != nil {
		return nil, nil, err
	}
	return &run, items, nil
}

var errInvalidRunId = errors.New("invalid run id")

func respondRunLoadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errInvalidRunId):
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, errorBody("not found"))
	default:
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
}
