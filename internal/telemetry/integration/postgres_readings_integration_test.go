package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	alarms "citysense-cloud/internal/alarms/domain"
	alarmpostgres "citysense-cloud/internal/alarms/infrastructure/postgres"
	telemetry "citysense-cloud/internal/telemetry/domain"
	telemetrypostgres "citysense-cloud/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}

func TestReadingInsertAndQuery_Postgres(t *testing.T) {
	db := openTestDB(t)
	if !tableExists(db, "sensor_readings") {
		t.Skip("sensor_readings missing; run migrations")
	}

	ctx := context.Background()
	sensorID := "sensor-it"
	_, _ = db.ExecContext(ctx, "DELETE FROM sensor_readings WHERE sensor_id = $1", sensorID)

	repo := telemetrypostgres.NewReadingRepository(db)
	query := telemetrypostgres.NewReadingQuery(db)

	temp := 23.5
	recordedAt := time.Date(2026, time.January, 21, 9, 5, 0, 0, time.UTC)
	reading := &telemetry.Reading{
		SensorID:   &sensorID,
		RecordedAt: &recordedAt,
		Temp:       &temp,
	}
	if err := repo.Insert(ctx, reading); err != nil {
		t.Fatalf("insert reading: %v", err)
	}
	if reading.ID == 0 {
		t.Fatal("insert did not return an id")
	}

	rows, err := query.Query(ctx, telemetry.QueryParams{
		Filter: "sensor_id", Operator: "=", Value: sensorID,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0]["temp"] != temp {
		t.Fatalf("temp = %v, want %v", rows[0]["temp"], temp)
	}
	if rows[0]["recorded_at"] != "2026-01-2109:05:00" {
		t.Fatalf("recorded_at = %v, want canonical form", rows[0]["recorded_at"])
	}
}

func TestAlarmLifecycle_Postgres(t *testing.T) {
	db := openTestDB(t)
	if !tableExists(db, "sensor_alarms") {
		t.Skip("sensor_alarms missing; run migrations")
	}

	ctx := context.Background()
	sensorID := "alarm-it"
	_, _ = db.ExecContext(ctx, "DELETE FROM sensor_alarms WHERE sensor_id = $1", sensorID)

	repo := alarmpostgres.NewAlarmRepository(db)
	triggeredAt := time.Date(2026, time.January, 21, 9, 10, 0, 0, time.UTC)

	active, err := repo.HasActive(ctx, &sensorID, "temp")
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if active {
		t.Fatal("unexpected active alarm before create")
	}

	alarm := &alarms.Alarm{
		SensorID:       &sensorID,
		Parameter:      "temp",
		TriggeredValue: 45,
		TriggeredAt:    triggeredAt,
		Active:         true,
	}
	if err := repo.Create(ctx, alarm); err != nil {
		t.Fatalf("create: %v", err)
	}
	active, err = repo.HasActive(ctx, &sensorID, "temp")
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if !active {
		t.Fatal("alarm not active after create")
	}

	resolved, err := repo.Resolve(ctx, &sensorID, "temp", 22.0, triggeredAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved {
		t.Fatal("resolve reported no rows")
	}
	resolved, err = repo.Resolve(ctx, &sensorID, "temp", 22.0, triggeredAt.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if resolved {
		t.Fatal("second resolve must be a no-op")
	}
}
