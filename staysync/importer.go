package staysync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/casadata/rentals_backend/config"
	"bitbucket.org/casadata/rentals_backend/models"
	"bitbucket.org/casadata/rentals_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrImportAlreadyRunning = errors.New("reservation import is already running for this organization")

// RunImport sweeps the remote system for reservations that never arrived via
// webhook and materializes them locally. Two windows are swept: upcoming
// arrivals and recent creations. The sweep inserts rows, so it takes a redis
// advisory lock per organization to keep concurrent triggers from racing.
func RunImport(ctx context.Context, organizationId string, daysAhead, daysBack int) (*ImportResult, error) {
	start := time.Now()
	logger := config.GetLogger()

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "reservations-import:"+organizationId, 10*time.Minute, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, ErrImportAlreadyRunning
			}
			return nil, err
		}
		defer lock.Release(context.Background())
	}

	ctx = utils.SetOrganizationIdInContext(ctx, organizationId)

	conn, err := models.RequireConnectedChannel(ctx, organizationId)
	if err != nil {
		return nil, err
	}
	settings := DecodeChannelSettings(conn)
	if daysAhead <= 0 {
		daysAhead = settings.ImportDaysAhead
	}
	if daysBack <= 0 {
		daysBack = settings.ImportDaysBack
	}
	client := NewClient(conn)

	today := models.DateOnly(time.Now())
	result := &ImportResult{}

	result.Arrival = importWindow(ctx, logger, client, organizationId, "arrival",
		today.Format("2006-01-02"),
		today.AddDate(0, 0, daysAhead).Format("2006-01-02"))

	result.Creation = importWindow(ctx, logger, client, organizationId, "creation",
		today.AddDate(0, 0, -daysBack).Format("2006-01-02"),
		today.Format("2006-01-02"))

	result.Duration = time.Since(start)
	logger.WithFields(logrus.Fields{
		"organizationId": organizationId,
		"arrival":        result.Arrival,
		"creation":       result.Creation,
		"durationMs":     result.Duration.Milliseconds(),
	}).Info("reservation import sweep finished")
	return result, nil
}

// importWindow lists one remote date window and imports every reservation the
// local database does not already know by external id or code.
func importWindow(ctx context.Context, logger *logrus.Logger, client *Client, organizationId, dateType, from, to string) ImportStats {
	stats := ImportStats{Errors: []string{}}

	remotes, err := client.ListReservations(ctx, from, to, dateType)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("list %s window: %v", dateType, err))
		return stats
	}
	stats.RemoteCount = len(remotes)
	if len(remotes) == 0 {
		return stats
	}

	known, err := knownReservationKeys(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("load local keys: %v", err))
		return stats
	}
	stats.LocalCount = len(known)

	for i := range remotes {
		remote := &remotes[i]

		if IsBlockType(remote.Type) {
			stats.Skipped++
			continue
		}
		externalId := remote.ExternalId()
		code := strings.ToLower(strings.TrimSpace(remote.ReservationCode()))
		if externalId == "" && code == "" {
			stats.Skipped++
			continue
		}
		if known[strings.ToLower(externalId)] || (code != "" && known[code]) {
			continue
		}
		stats.Missing++

		if err := importReservation(ctx, organizationId, remote); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", externalId, err))
			continue
		}
		stats.Imported++
		if externalId != "" {
			known[strings.ToLower(externalId)] = true
		}
		if code != "" {
			known[code] = true
		}
	}

	logger.WithFields(logrus.Fields{
		"dateType": dateType,
		"from":     from,
		"to":       to,
		"remote":   stats.RemoteCount,
		"imported": stats.Imported,
		"skipped":  stats.Skipped,
	}).Info("import window swept")
	return stats
}

// knownReservationKeys loads every local external id and reservation code for
// the org, paged to keep memory bounded, lowercased for matching.
func knownReservationKeys(ctx context.Context) (map[string]bool, error) {
	const pageSize = 1000
	db := config.GetDB()
	keys := map[string]bool{}

	type row struct {
		ExternalId      string
		ReservationCode string
	}
	offset := 0
	for {
		var rows []row
		err := db.WithContext(ctx).
			Model(&models.Reservation{}).
			Select("external_id", "reservation_code").
			Order("id").
			Limit(pageSize).
			Offset(offset).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if v := strings.ToLower(strings.TrimSpace(r.ExternalId)); v != "" {
				keys[v] = true
			}
			if v := strings.ToLower(strings.TrimSpace(r.ReservationCode)); v != "" {
				keys[v] = true
			}
		}
		if len(rows) < pageSize {
			return keys, nil
		}
		offset += pageSize
	}
}

// importReservation maps one remote reservation onto a local row. An unmapped
// listing produces an import issue row instead of a reservation.
func importReservation(ctx context.Context, organizationId string, remote *RemoteReservation) error {
	db := config.GetDB()

	listingId := remote.ListingId
	listingName := ""
	if remote.Listing != nil {
		if listingId == "" {
			listingId = remote.Listing.MongoId
		}
		listingName = remote.Listing.InternalName
	}

	propertyId, err := models.FindPropertyByExternalListing(ctx, listingId)
	if err != nil {
		return err
	}
	if propertyId == "" {
		details, _ := utils.MarshalToJSON(map[string]interface{}{
			"externalId":  remote.ExternalId(),
			"code":        remote.ReservationCode(),
			"listingId":   listingId,
			"listingName": listingName,
		})
		issue := models.ChannelImportIssue{
			OrganizationId: organizationId,
			IssueType:      "unmapped_listing",
			DetailsJSON:    []byte(details),
		}
		_ = db.WithContext(ctx).Create(&issue).Error
		return fmt.Errorf("no property mapped to remote listing %q", listingId)
	}

	guestId := ""
	guestName := remote.GuestName()
	if g := remote.GuestInfo(); g != nil {
		guestId, err = models.FindOrCreateGuest(ctx, organizationId, g.Name, g.Email, g.Phone, g.MongoId)
		if err != nil {
			return err
		}
	}

	checkIn, okIn := ParseRemoteDate(remote.CheckInRaw())
	checkOut, okOut := ParseRemoteDate(remote.CheckOutRaw())
	if !okIn || !okOut {
		return fmt.Errorf("remote reservation %q has unusable dates", remote.ExternalId())
	}
	nights := remote.Nights
	if nights <= 0 {
		nights = int(checkOut.Sub(checkIn).Hours() / 24)
	}

	total := decimal.Zero
	currency := ""
	if remote.Price != nil {
		if v, perr := decimal.NewFromString(remote.Price.Total.String()); perr == nil {
			total = v
		}
		currency = remote.Price.Currency
	}
	platform := models.ChannelProviderStays
	if remote.Channel != nil && strings.TrimSpace(remote.Channel.Name) != "" {
		platform = strings.ToLower(strings.TrimSpace(remote.Channel.Name))
	}
	var sourceCreatedAt *time.Time
	if t, ok := ParseRemoteDate(remote.CreationDate); ok {
		sourceCreatedAt = &t
	}
	raw, _ := utils.MarshalToJSON(remote)

	reservation := models.Reservation{
		ID:              uuid.NewString(),
		OrganizationId:  organizationId,
		PropertyId:      propertyId,
		GuestId:         guestId,
		GuestName:       guestName,
		ExternalId:      remote.ExternalId(),
		ReservationCode: remote.ReservationCode(),
		Status:          NormalizeStatus(remote.Type),
		CheckIn:         checkIn,
		CheckOut:        checkOut,
		Nights:          nights,
		Total:           total,
		Currency:        currency,
		Platform:        platform,
		SourceCreatedAt: sourceCreatedAt,
		RawJSON:         []byte(raw),
	}
	return db.WithContext(ctx).Create(&reservation).Error
}
