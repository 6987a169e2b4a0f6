package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func readRows(t *testing.T, data []byte) [][]string {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(DeadLetterSheet)
	require.NoError(t, err)
	return rows
}

func TestGenerateDeadLetterReport(t *testing.T) {
	lastErr := "appointment: invalid payload"
	created := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	events := []models.Event{{
		ID:          9,
		Type:        models.EventAppointmentCreated,
		Payload:     json.RawMessage(`{"appointmentId":"x"}`),
		Status:      models.EventStatusDead,
		Priority:    50,
		Attempts:    8,
		MaxAttempts: 8,
		AvailableAt: created.Add(time.Minute),
		LastError:   &lastErr,
		CreatedAt:   created,
	}}

	data, err := GenerateDeadLetterReport(events)
	require.NoError(t, err)

	rows := readRows(t, data)
	require.Len(t, rows, 2)
	assert.Equal(t, DeadLetterHeader, rows[0])
	row := rows[1]
	assert.Equal(t, "9", row[0])
	assert.Equal(t, "AppointmentCreated", row[1])
	assert.Equal(t, "appointment", row[2])
	assert.Equal(t, "DEAD", row[3])
	assert.Equal(t, "8", row[5])
	assert.Equal(t, lastErr, row[7])
	assert.Equal(t, "", row[8])
	assert.Equal(t, "2024-03-04 10:01:00", row[9])
	assert.Equal(t, `{"appointmentId":"x"}`, row[11])
}

func TestGenerateDeadLetterReport_Empty(t *testing.T) {
	data, err := GenerateDeadLetterReport(nil)
	require.NoError(t, err)

	rows := readRows(t, data)
	require.Len(t, rows, 1)
	assert.Equal(t, DeadLetterHeader, rows[0])
}

func TestExportDeadLetters_FromStore(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	opts := repository.DefaultEventStoreOptions()
	opts.MaxAttempts = 1
	store := repository.NewMemoryEventsRepository(nil, opts, clock)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, repository.NewEnqueueRequest(models.EventCaseUpdated, map[string]int{"caseId": 3}))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, repository.NewEnqueueRequest(models.EventRevenueDailyTick, nil))
	require.NoError(t, err)

	ev, err := store.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, ev)
	status, err := store.MarkFailed(ctx, ev.ID, "case: boom", time.Second)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusDead, status)

	data, n, err := ExportDeadLetters(ctx, store, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := readRows(t, data)
	require.Len(t, rows, 2)
	assert.Equal(t, "CaseUpdated", rows[1][1])
	assert.Equal(t, "case: boom", rows[1][7])
}

type failingLister struct{}

func (failingLister) ListDeadLetters(context.Context, int) ([]models.Event, error) {
	return nil, errors.New("connection refused")
}

func TestExportDeadLetters_StoreError(t *testing.T) {
	_, _, err := ExportDeadLetters(context.Background(), failingLister{}, 10)
	assert.ErrorContains(t, err, "connection refused")
}
