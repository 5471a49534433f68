package staysync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/casadata/rentals_backend/config"
	"bitbucket.org/casadata/rentals_backend/models"
	"bitbucket.org/casadata/rentals_backend/utils"
	"github.com/sirupsen/logrus"
)

const (
	defaultBatchSize = 50

	cancellationReasonDeleted = "Reservation deleted in channel manager - cancelled automatically by reconciliation"
	skipReasonPastCheckout    = "Past checkout - history preserved"
	skipReasonAutoCancelOff   = "Auto-cancel disabled in channel settings"
)

// CreateRun inserts the run row that anchors one reconciliation pass. The row
// exists before authorization and configuration checks so that rejected
// invocations still leave an audit trail.
func CreateRun(ctx context.Context, organizationId, triggeredBy string, dryRun bool, status string) (*models.ReconciliationRun, error) {
	now := time.Now()
	run := models.ReconciliationRun{
		OrganizationId: organizationId,
		Status:         status,
		TriggeredBy:    triggeredBy,
		DryRun:         dryRun,
	}
	if status == models.ReconciliationRunStatusRunning {
		run.StartedAt = &now
	}
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// FailRun finalizes a run as failed with the given reason. Used for
// authorization and configuration failures that abort before the sweep.
func FailRun(ctx context.Context, run *models.ReconciliationRun, reason string) {
	if run == nil {
		return
	}
	finalizeRun(ctx, run, models.ReconciliationRunStatusFailed, RunStats{}, reason, 0)
}

// ProcessRun executes the verify-and-correct sweep for an already-created run
// row. The run is finalized exactly once into completed, partial or failed;
// the returned result always carries whatever stats were accumulated.
func ProcessRun(ctx context.Context, run *models.ReconciliationRun, limit int) (*RunResult, error) {
	logger := config.GetLogger()
	start := time.Now()
	stats := RunStats{Errors: []string{}}
	result := &RunResult{RunId: run.ID, DryRun: run.DryRun}

	// Queued runs from the async path become running here; an already-terminal
	// run means a redelivered message and is a no-op.
	switch run.Status {
	case models.ReconciliationRunStatusQueued:
		if err := config.GetDB().WithContext(ctx).Model(run).
			Updates(map[string]interface{}{"status": models.ReconciliationRunStatusRunning, "started_at": start}).Error; err != nil {
			result.Status = run.Status
			return result, err
		}
		run.Status = models.ReconciliationRunStatusRunning
	case models.ReconciliationRunStatusRunning:
	default:
		logger.WithFields(logrus.Fields{"runId": run.ID, "status": run.Status}).
			Warn("reconciliation run already finalized, skipping")
		result.Status = run.Status
		return result, nil
	}

	ctx = utils.SetOrganizationIdInContext(ctx, run.OrganizationId)

	conn, err := models.RequireConnectedChannel(ctx, run.OrganizationId)
	if err != nil {
		finalizeRun(ctx, run, models.ReconciliationRunStatusFailed, stats, err.Error(), time.Since(start))
		result.Status = models.ReconciliationRunStatusFailed
		return result, err
	}
	settings := DecodeChannelSettings(conn)
	client := NewClient(conn)

	reservations, err := models.ListReservationsToVerify(ctx, limit)
	if err != nil {
		finalizeRun(ctx, run, models.ReconciliationRunStatusFailed, stats, err.Error(), time.Since(start))
		result.Status = models.ReconciliationRunStatusFailed
		return result, err
	}

	logger.WithFields(logrus.Fields{
		"runId":      run.ID,
		"candidates": len(reservations),
		"dryRun":     run.DryRun,
	}).Info("reconciliation sweep started")

	batchSize := intFromEnv("RECONCILE_BATCH_SIZE", defaultBatchSize)
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	for offset := 0; offset < len(reservations); offset += batchSize {
		end := offset + batchSize
		if end > len(reservations) {
			end = len(reservations)
		}
		for i := offset; i < end; i++ {
			processReservation(ctx, logger, client, run, settings, &reservations[i], &stats)
		}
		logger.WithFields(logrus.Fields{
			"runId":    run.ID,
			"progress": fmt.Sprintf("%d/%d", end, len(reservations)),
		}).Info("reconciliation batch done")
	}

	status := models.ReconciliationRunStatusCompleted
	if len(stats.Errors) > 0 {
		status = models.ReconciliationRunStatusPartial
	}
	finalizeRun(ctx, run, status, stats, "", time.Since(start))
	touchConnectionRunTimestamps(ctx, run.OrganizationId, status)

	result.Status = status
	result.Stats = stats
	result.Duration = time.Since(start)
	return result, nil
}

// processReservation verifies one local reservation against the remote system
// and applies the corrective policy. A transient fetch failure records an
// error and leaves the row untouched; it is never treated as a deletion.
func processReservation(ctx context.Context, logger *logrus.Logger, client *Client, run *models.ReconciliationRun, settings ChannelSettings, r *models.Reservation, stats *RunStats) {
	outcome := client.GetReservation(ctx, r.ExternalId)

	if outcome.State == FetchTransientError {
		stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", r.ID, outcome.Err))
		return
	}
	stats.TotalChecked++

	now := time.Now()

	if outcome.State == FetchNotFound {
		stats.FoundDeleted++
		if run.DryRun {
			return
		}

		if r.IsPast(now) {
			stats.ActionSkipped++
			logItem(ctx, logger, run, r, models.IssueTypeDeleted, "", nil,
				models.ActionSkipped, skipReasonPastCheckout)
			return
		}
		if !settings.AutoCancelDeleted {
			stats.ActionSkipped++
			logItem(ctx, logger, run, r, models.IssueTypeDeleted, "", nil,
				models.ActionSkipped, skipReasonAutoCancelOff)
			return
		}

		err := config.GetDB().WithContext(ctx).
			Model(&models.Reservation{}).
			Where("id = ?", r.ID).
			Updates(map[string]interface{}{
				"status":              models.ReservationStatusCancelled,
				"cancelled_at":        now,
				"cancellation_reason": cancellationReasonDeleted,
				"updated_at":          now,
			}).Error
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: cancel failed: %v", r.ID, err))
			logItem(ctx, logger, run, r, models.IssueTypeDeleted, "", nil,
				models.ActionError, err.Error())
			return
		}
		stats.ActionCancelled++
		logItem(ctx, logger, run, r, models.IssueTypeDeleted, "", nil,
			models.ActionCancelled, cancellationReasonDeleted)
		return
	}

	drift := Classify(r, outcome.Reservation)
	if drift.IssueType == "" {
		return
	}
	stats.FoundModified++
	if run.DryRun {
		return
	}

	patch := BuildPatch(r, drift, now)
	err := config.GetDB().WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ?", r.ID).
		Updates(patch).Error
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("%s: update failed: %v", r.ID, err))
		logItem(ctx, logger, run, r, drift.IssueType, drift.RemoteStatus, outcome.Reservation,
			models.ActionError, err.Error())
		return
	}
	stats.ActionUpdated++
	logItem(ctx, logger, run, r, drift.IssueType, drift.RemoteStatus, outcome.Reservation,
		models.ActionUpdated, fmt.Sprintf("Synced fields: %v", drift.Changes))
}

// logItem records one decision on the run's audit trail. Best effort: an
// insert failure is logged as a warning and never rolls back the action it
// describes.
func logItem(ctx context.Context, logger *logrus.Logger, run *models.ReconciliationRun, r *models.Reservation, issueType, remoteStatus string, remote *RemoteReservation, action, reason string) {
	localData, _ := utils.MarshalToJSON(map[string]interface{}{
		"status":    r.Status,
		"check_in":  models.DateOnly(r.CheckIn).Format("2006-01-02"),
		"check_out": models.DateOnly(r.CheckOut).Format("2006-01-02"),
		"guest":     r.GuestName,
	})
	var remoteData []byte
	if remote != nil {
		remoteDataStr, _ := utils.MarshalToJSON(remote)
		remoteData = []byte(remoteDataStr)
	}

	item := models.ReconciliationItem{
		RunId:          run.ID,
		OrganizationId: run.OrganizationId,
		ReservationId:  r.ID,
		ExternalId:     r.ExternalId,
		PropertyId:     r.PropertyId,
		IssueType:      issueType,
		LocalStatus:    r.Status,
		RemoteStatus:   remoteStatus,
		LocalDataJSON:  []byte(localData),
		RemoteDataJSON: remoteData,
		ActionTaken:    action,
		ActionReason:   reason,
	}
	if err := config.GetDB().WithContext(ctx).Create(&item).Error; err != nil {
		logger.WithFields(logrus.Fields{
			"runId":         run.ID,
			"reservationId": r.ID,
			"action":        action,
		}).Warn("failed to record reconciliation item: " + err.Error())
	}
}

func finalizeRun(ctx context.Context, run *models.ReconciliationRun, status string, stats RunStats, errorMessage string, duration time.Duration) {
	now := time.Now()
	summary, _ := utils.MarshalToJSON(stats)

	updates := map[string]interface{}{
		"status":           status,
		"total_checked":    stats.TotalChecked,
		"found_deleted":    stats.FoundDeleted,
		"found_modified":   stats.FoundModified,
		"found_orphan":     stats.FoundOrphan,
		"action_cancelled": stats.ActionCancelled,
		"action_updated":   stats.ActionUpdated,
		"action_skipped":   stats.ActionSkipped,
		"error_count":      len(stats.Errors),
		"error_message":    errorMessage,
		"summary_json":     []byte(summary),
		"finished_at":      now,
		"duration_ms":      duration.Milliseconds(),
	}
	if err := config.GetDB().WithContext(ctx).Model(run).Updates(updates).Error; err != nil {
		config.LogError(config.GetLogger(), "staysync", "finalizeRun", "update run", run.ID, err)
		return
	}
	run.Status = status
}

// touchConnectionRunTimestamps stamps the connection row with the run outcome
// so the status endpoint can show freshness without scanning run history.
func touchConnectionRunTimestamps(ctx context.Context, organizationId, status string) {
	now := time.Now()
	updates := map[string]interface{}{"last_run_at": now}
	if status == models.ReconciliationRunStatusCompleted || status == models.ReconciliationRunStatusPartial {
		updates["last_success_run_at"] = now
	}
	err := config.GetDB().WithContext(ctx).
		Model(&models.ChannelConnection{}).
		Where("organization_id = ? AND provider = ?", organizationId, models.ChannelProviderStays).
		Updates(updates).Error
	if err == nil {
		models.InvalidateChannelConnectionCache(organizationId)
	}
}
