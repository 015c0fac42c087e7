package repositories_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danhnguyen123/data-engineering-outsource/internal/repositories"
	"github.com/danhnguyen123/data-engineering-outsource/internal/testinfra"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/database"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestDB(t *testing.T) database.DB {
	pg := testinfra.Postgres(t)
	dsn := database.PostgresDSN(pg.Host, pg.Port, testinfra.PostgresUser, testinfra.PostgresPassword, testinfra.PostgresDB, "")
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	logger := getTestLogger()
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: "../../db/pg"})
	require.NoError(t, migrations.MigratePostgres(db.DB, testinfra.PostgresDB))

	return database.NewDatabaseInstance(db, logger)
}

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestPipelineRunRepository_Lifecycle(t *testing.T) {
	testinfra.SkipShort(t)
	repo := repositories.NewPipelineRunRepository(getTestDB(t), getTestLogger())
	ctx := context.Background()

	started := time.Date(2024, 6, 3, 1, 0, 0, 0, time.UTC)
	run := &models.PipelineRun{
		RunID:     "run-1",
		Namespace: "eshop",
		Table:     "invoices",
		Stage:     "extract",
		Status:    models.RunStatusRunning,
		Attempt:   1,
		StartedAt: started,
		Window:    models.RunWindow{StartDate: "2024-06-02", EndDate: "2024-06-03"},
	}
	require.NoError(t, repo.Create(ctx, run))
	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.False(t, run.CreatedAt.IsZero())

	completed := started.Add(90 * time.Second)
	duration := int64(90000)
	hasNewData := true
	run.Status = models.RunStatusSuccess
	run.Records = 42
	run.HasNewData = &hasNewData
	run.CompletedAt = &completed
	run.DurationMs = &duration
	require.NoError(t, repo.Finish(ctx, run))

	got, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, 42, got.Records)
	require.NotNil(t, got.HasNewData)
	assert.True(t, *got.HasNewData)
	assert.Equal(t, int64(90000), *got.DurationMs)
	assert.Equal(t, "2024-06-02", got.Window.StartDate)
	assert.Nil(t, got.ErrorMessage)
}

func TestPipelineRunRepository_ListFilters(t *testing.T) {
	testinfra.SkipShort(t)
	repo := repositories.NewPipelineRunRepository(getTestDB(t), getTestLogger())
	ctx := context.Background()

	base := time.Date(2024, 6, 3, 1, 0, 0, 0, time.UTC)
	for i, stage := range []string{"extract", "transform", "load"} {
		status := models.RunStatusSuccess
		if stage == "load" {
			status = models.RunStatusFailed
		}
		require.NoError(t, repo.Create(ctx, &models.PipelineRun{
			RunID: "run-2", Namespace: "pancake", Table: "messages", Stage: stage,
			Status: status, Attempt: 1, StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Create(ctx, &models.PipelineRun{
		RunID: "run-3", Namespace: "amis", Table: "account_objects", Stage: "extract",
		Status: models.RunStatusSkipped, Attempt: 1, StartedAt: base,
	}))

	runs, err := repo.List(ctx, repositories.RunFilter{Namespace: "pancake"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "load", runs[0].Stage, "newest first")

	runs, err = repo.List(ctx, repositories.RunFilter{Status: models.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "messages", runs[0].Table)

	runs, err = repo.List(ctx, repositories.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestPipelineRunRepository_NotFound(t *testing.T) {
	testinfra.SkipShort(t)
	repo := repositories.NewPipelineRunRepository(getTestDB(t), getTestLogger())

	_, err := repo.GetByID(context.Background(), uuid.New())
	assertNotFound(t, err)

	err = repo.Finish(context.Background(), &models.PipelineRun{ID: uuid.New(), Status: models.RunStatusFailed})
	assertNotFound(t, err)
}
