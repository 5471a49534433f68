package staysync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/casadata/rentals_backend/config"
	"bitbucket.org/casadata/rentals_backend/models"
	"bitbucket.org/casadata/rentals_backend/staysync"
	"bitbucket.org/casadata/rentals_backend/utils"
	"github.com/google/uuid"
)

const testOrg = "org-itest-1"

func TestReconciliationSweep(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegrationEnv(t)
	today := models.DateOnly(time.Now())
	day := func(offset int) string { return today.AddDate(0, 0, offset).Format("2006-01-02") }

	remote := map[string]func(w http.ResponseWriter){
		"ext-ok": jsonBody(map[string]interface{}{
			"_id": "ext-ok", "type": "booked",
			"checkIn": day(10), "checkOut": day(15),
			"guest": map[string]string{"name": "Ana Souza"},
		}),
		"ext-deleted-future": func(w http.ResponseWriter) { w.WriteHeader(http.StatusNotFound) },
		"ext-deleted-past":   jsonBody(map[string]interface{}{"message": "not found"}),
		"ext-dates": jsonBody(map[string]interface{}{
			"_id": "ext-dates", "type": "booked",
			"checkIn": day(10), "checkOut": day(17),
		}),
		"ext-status": jsonBody(map[string]interface{}{
			"_id": "ext-status", "type": "canceled",
			"checkIn": day(20), "checkOut": day(25),
		}),
		"ext-error": func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) },
		"ext-dry": jsonBody(map[string]interface{}{
			"_id": "ext-dry", "type": "canceled",
			"checkIn": day(30), "checkOut": day(35),
		}),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("_id")
		if handler, ok := remote[id]; ok {
			handler(w)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	connectTestChannel(t, ctx, srv.URL)

	db := config.GetDB()
	mkReservation := func(externalId string, inOffset, outOffset int, guest string) models.Reservation {
		r := models.Reservation{
			ID:             uuid.NewString(),
			OrganizationId: testOrg,
			ExternalId:     externalId,
			Status:         models.ReservationStatusConfirmed,
			CheckIn:        today.AddDate(0, 0, inOffset),
			CheckOut:       today.AddDate(0, 0, outOffset),
			GuestName:      guest,
		}
		if err := db.WithContext(ctx).Create(&r).Error; err != nil {
			t.Fatalf("create reservation %s: %v", externalId, err)
		}
		return r
	}

	mkReservation("ext-ok", 10, 15, "Ana Souza")
	deletedFuture := mkReservation("ext-deleted-future", 5, 9, "")
	deletedPast := mkReservation("ext-deleted-past", -6, -2, "")
	datesDrift := mkReservation("ext-dates", 10, 15, "")
	statusDrift := mkReservation("ext-status", 20, 25, "")
	mkReservation("ext-error", 12, 14, "")

	run, err := staysync.CreateRun(ctx, testOrg, models.ReconciliationTriggeredManual, false, models.ReconciliationRunStatusRunning)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	result, err := staysync.ProcessRun(ctx, run, 0)
	if err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}

	if result.Status != models.ReconciliationRunStatusPartial {
		t.Fatalf("run status = %q, want partial (errors=%v)", result.Status, result.Stats.Errors)
	}
	s := result.Stats
	if s.TotalChecked != 5 {
		t.Errorf("TotalChecked = %d, want 5", s.TotalChecked)
	}
	if s.FoundDeleted != 2 || s.FoundModified != 2 {
		t.Errorf("FoundDeleted/FoundModified = %d/%d, want 2/2", s.FoundDeleted, s.FoundModified)
	}
	if s.ActionCancelled != 1 || s.ActionSkipped != 1 || s.ActionUpdated != 2 {
		t.Errorf("actions cancelled/skipped/updated = %d/%d/%d, want 1/1/2",
			s.ActionCancelled, s.ActionSkipped, s.ActionUpdated)
	}
	if len(s.Errors) != 1 {
		t.Errorf("Errors = %v, want exactly one", s.Errors)
	}

	// Future deletion cancels with metadata.
	var got models.Reservation
	mustTake(t, ctx, &got, deletedFuture.ID)
	if got.Status != models.ReservationStatusCancelled || got.CancelledAt == nil || got.CancellationReason == "" {
		t.Errorf("future deletion: status=%q cancelledAt=%v reason=%q", got.Status, got.CancelledAt, got.CancellationReason)
	}

	// Past deletion preserves history.
	mustTake(t, ctx, &got, deletedPast.ID)
	if got.Status != models.ReservationStatusConfirmed || got.CancelledAt != nil {
		t.Errorf("past deletion mutated: status=%q cancelledAt=%v", got.Status, got.CancelledAt)
	}

	// Dates drift patches check_out only.
	mustTake(t, ctx, &got, datesDrift.ID)
	if models.DateOnly(got.CheckOut).Format("2006-01-02") != day(17) {
		t.Errorf("dates drift: check_out = %s, want %s", got.CheckOut.Format("2006-01-02"), day(17))
	}
	if got.Status != models.ReservationStatusConfirmed {
		t.Errorf("dates drift changed status to %q", got.Status)
	}

	// Status drift applies normalized remote status.
	mustTake(t, ctx, &got, statusDrift.ID)
	if got.Status != models.ReservationStatusCancelled {
		t.Errorf("status drift: status = %q, want cancelled", got.Status)
	}

	var items []models.ReconciliationItem
	if err := db.WithContext(ctx).Where("run_id = ?", run.ID).Find(&items).Error; err != nil {
		t.Fatalf("load items: %v", err)
	}
	if len(items) != 4 {
		t.Errorf("items = %d, want 4 (cancel, skip, update, update)", len(items))
	}

	var persisted models.ReconciliationRun
	if err := db.WithContext(ctx).Take(&persisted, run.ID).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if persisted.FinishedAt == nil || persisted.ErrorCount != 1 {
		t.Errorf("run row finishedAt=%v errorCount=%d", persisted.FinishedAt, persisted.ErrorCount)
	}

	// Second pass converges: everything already corrected drops out or agrees.
	run2, err := staysync.CreateRun(ctx, testOrg, models.ReconciliationTriggeredManual, false, models.ReconciliationRunStatusRunning)
	if err != nil {
		t.Fatalf("CreateRun(2): %v", err)
	}
	result2, err := staysync.ProcessRun(ctx, run2, 0)
	if err != nil {
		t.Fatalf("ProcessRun(2): %v", err)
	}
	if result2.Stats.ActionCancelled != 0 || result2.Stats.ActionUpdated != 0 {
		t.Errorf("second pass not idempotent: cancelled=%d updated=%d",
			result2.Stats.ActionCancelled, result2.Stats.ActionUpdated)
	}

	// Dry run classifies but writes nothing.
	dry := mkReservation("ext-dry", 30, 35, "")
	run3, err := staysync.CreateRun(ctx, testOrg, models.ReconciliationTriggeredManual, true, models.ReconciliationRunStatusRunning)
	if err != nil {
		t.Fatalf("CreateRun(dry): %v", err)
	}
	result3, err := staysync.ProcessRun(ctx, run3, 0)
	if err != nil {
		t.Fatalf("ProcessRun(dry): %v", err)
	}
	if result3.Stats.FoundModified < 1 {
		t.Errorf("dry run FoundModified = %d, want >= 1", result3.Stats.FoundModified)
	}
	if result3.Stats.ActionCancelled != 0 || result3.Stats.ActionUpdated != 0 || result3.Stats.ActionSkipped != 0 {
		t.Errorf("dry run took actions: %+v", result3.Stats)
	}
	mustTake(t, ctx, &got, dry.ID)
	if got.Status != models.ReservationStatusConfirmed {
		t.Errorf("dry run mutated reservation: status = %q", got.Status)
	}
	var dryItems int64
	db.WithContext(ctx).Model(&models.ReconciliationItem{}).Where("run_id = ?", run3.ID).Count(&dryItems)
	if dryItems != 0 {
		t.Errorf("dry run wrote %d items, want 0", dryItems)
	}
}

func TestImportMissingSweep(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegrationEnv(t)
	today := models.DateOnly(time.Now())
	day := func(offset int) string { return today.AddDate(0, 0, offset).Format("2006-01-02") }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/booking/reservations") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("skip") != "0" && r.URL.Query().Get("skip") != "" {
			json.NewEncoder(w).Encode([]interface{}{})
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"_id": "imp-1", "code": "RZ-100", "type": "booked",
				"checkIn": day(3), "checkOut": day(6), "nights": 3,
				"listing": map[string]string{"_id": "listing-mapped", "internalName": "Beach House"},
				"client":  map[string]string{"name": "Carla Dias", "email": "carla@example.com"},
				"price":   map[string]interface{}{"total": 1200.50, "currency": "BRL"},
				"channel": map[string]string{"name": "Airbnb"},
			},
			{
				"_id": "imp-2", "code": "RZ-101", "type": "booked",
				"checkIn": day(4), "checkOut": day(7),
				"listing": map[string]string{"_id": "listing-unmapped", "internalName": "Ghost Flat"},
				"client":  map[string]string{"name": "Diego Reis"},
			},
			{
				"_id": "imp-3", "type": "maintenance",
				"checkIn": day(5), "checkOut": day(8),
				"listing": map[string]string{"_id": "listing-mapped"},
			},
		})
	}))
	t.Cleanup(srv.Close)

	connectTestChannel(t, ctx, srv.URL)

	db := config.GetDB()
	active := true
	property := models.Property{
		ID:                uuid.NewString(),
		OrganizationId:    testOrg,
		Name:              "Beach House",
		ExternalListingId: "listing-mapped",
		IsActive:          &active,
	}
	if err := db.WithContext(ctx).Create(&property).Error; err != nil {
		t.Fatalf("create property: %v", err)
	}

	result, err := staysync.RunImport(ctx, testOrg, 14, 7)
	if err != nil {
		t.Fatalf("RunImport: %v", err)
	}
	if result.Arrival.Imported != 1 {
		t.Errorf("arrival imported = %d, want 1", result.Arrival.Imported)
	}
	if result.Arrival.Skipped < 1 {
		t.Errorf("arrival skipped = %d, want >= 1 (block type)", result.Arrival.Skipped)
	}
	// Second window sees the same remote rows; nothing imports twice.
	if result.Creation.Imported != 0 {
		t.Errorf("creation imported = %d, want 0", result.Creation.Imported)
	}

	var imported models.Reservation
	if err := db.WithContext(ctx).Where("external_id = ?", "imp-1").Take(&imported).Error; err != nil {
		t.Fatalf("imported reservation missing: %v", err)
	}
	if imported.PropertyId != property.ID {
		t.Errorf("PropertyId = %q, want %q", imported.PropertyId, property.ID)
	}
	if imported.GuestId == "" || imported.GuestName != "Carla Dias" {
		t.Errorf("guest not materialized: id=%q name=%q", imported.GuestId, imported.GuestName)
	}
	if imported.Platform != "airbnb" {
		t.Errorf("Platform = %q, want airbnb", imported.Platform)
	}

	var issues int64
	db.WithContext(ctx).Model(&models.ChannelImportIssue{}).
		Where("organization_id = ? AND issue_type = ?", testOrg, "unmapped_listing").
		Count(&issues)
	if issues < 1 {
		t.Errorf("unmapped listing produced no import issue row")
	}

	var blockCount int64
	db.WithContext(ctx).Model(&models.Reservation{}).Where("external_id = ?", "imp-3").Count(&blockCount)
	if blockCount != 0 {
		t.Errorf("block-type entry was imported")
	}
}

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "rentals_test")
	// No pacing delay in tests.
	t.Setenv("STAYS_RATE_LIMIT_PER_SEC", "10000")
	t.Setenv("STAYS_RATE_BURST", "100")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	return utils.SetOrganizationIdInContext(context.Background(), testOrg)
}

func connectTestChannel(t *testing.T, ctx context.Context, baseURL string) {
	t.Helper()
	conn := models.ChannelConnection{
		OrganizationId: testOrg,
		Provider:       models.ChannelProviderStays,
		Status:         models.ChannelStatusConnected,
		BaseURL:        baseURL,
		ApiKey:         "test-key",
		ApiSecret:      "test-secret",
	}
	if err := config.GetDB().WithContext(ctx).Create(&conn).Error; err != nil {
		t.Fatalf("create channel connection: %v", err)
	}
	models.InvalidateChannelConnectionCache(testOrg)
}

func mustTake(t *testing.T, ctx context.Context, dest *models.Reservation, id string) {
	t.Helper()
	*dest = models.Reservation{}
	if err := config.GetDB().WithContext(ctx).Where("id = ?", id).Take(dest).Error; err != nil {
		t.Fatalf("load reservation %s: %v", id, err)
	}
}

func jsonBody(payload map[string]interface{}) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("rentals-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("rentals-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=rentals_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
