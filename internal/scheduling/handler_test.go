package scheduling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dentra-dispatch/internal/consumer"
	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/notify"
	"dentra-dispatch/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type handlerFixture struct {
	mock     sqlmock.Sqlmock
	begin    repository.TxBeginner
	appts    *fakeAppointments
	cases    *fakeCases
	sink     *captureSink
	ledger   *repository.MemoryIdempotencyRepository
	notifier *notify.Notifier
	h        *AppointmentHandler
}

func newHandlerFixture(t *testing.T, rows ...models.Appointment) *handlerFixture {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := func() time.Time { return testNow }
	f := &handlerFixture{
		mock:   mock,
		begin:  db,
		appts:  newFakeAppointments(rows...),
		cases:  newFakeCases(),
		sink:   &captureSink{},
		ledger: repository.NewMemoryIdempotencyRepository(clock),
	}
	f.notifier = notify.NewNotifier(f.ledger, f.sink, zap.NewNop())
	engine := NewEngine(f.appts, f.cases, DefaultPolicy(time.UTC), clock, zap.NewNop())
	f.h = NewAppointmentHandler(engine, f.appts, f.ledger, f.notifier,
		HandlerOptions{AuditLog: true, RescheduleSuggestions: true}, zap.NewNop())
	return f
}

// handle 在一个 sqlmock 事务中执行处理器，成功提交、失败回滚
func (f *handlerFixture) handle(t *testing.T, eventType models.EventType, payload string) error {
	ctx := context.Background()
	f.mock.ExpectBegin()
	tx, err := repository.BeginTx(ctx, f.begin)
	require.NoError(t, err)

	herr := f.h.Handle(ctx, tx, models.Event{ID: 1, Type: eventType, Payload: json.RawMessage(payload)})
	if herr != nil {
		f.mock.ExpectRollback()
		require.NoError(t, tx.Rollback())
	} else {
		f.mock.ExpectCommit()
		require.NoError(t, tx.Commit(ctx))
	}
	require.NoError(t, f.mock.ExpectationsWereMet())
	return herr
}

func requested(id int64, start time.Time) models.Appointment {
	return models.Appointment{
		ID:             id,
		PatientID:      101,
		DoctorID:       7,
		OperatoryID:    i64(3),
		Type:           "FILLING",
		Status:         models.AppointmentRequested,
		ScheduledStart: start,
	}
}

func TestHandleCreated_ConfirmsFreeSlot(t *testing.T) {
	f := newHandlerFixture(t, requested(1, at(5, 11, 0)))

	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 1}`))

	got := f.appts.get(1)
	assert.Equal(t, models.AppointmentConfirmed, got.Status)
	assert.Equal(t, at(5, 11, 0), got.ScheduledStart)
	require.NotNil(t, got.ScheduledEnd)
	assert.Equal(t, at(5, 12, 0), *got.ScheduledEnd)
	require.NotNil(t, got.PredictedDurationMin)
	assert.Equal(t, 60, *got.PredictedDurationMin)

	assert.Equal(t, []string{"doctor:7", "operatory:3"}, f.appts.locks)
	assert.Equal(t, []string{"CREATED"}, f.appts.actions())
	assert.Empty(t, f.appts.suggestions)
	assert.Equal(t, []string{
		"APPOINTMENT_SCHEDULED", "APPOINTMENT_SCHEDULED", "APPOINTMENT_SCHEDULED",
		"APPOINTMENT_REMINDER", "APPOINTMENT_REMINDER",
	}, f.sink.types())

	reminder := f.sink.got[3]
	require.NotNil(t, reminder.ScheduledAt)
	assert.Equal(t, at(4, 11, 0), *reminder.ScheduledAt)
	assert.Equal(t, "appt:1:patient:reminder:24h", reminder.DedupeKey)
}

func TestHandleCreated_RedeliveryDoesNotRenotify(t *testing.T) {
	f := newHandlerFixture(t, requested(1, at(5, 11, 0)))

	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 1}`))
	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 1}`))

	assert.Len(t, f.sink.got, 5)
	assert.Equal(t, models.AppointmentConfirmed, f.appts.get(1).Status)
}

func TestHandleCreated_ConflictKeepsRequested(t *testing.T) {
	f := newHandlerFixture(t,
		requested(1, at(5, 11, 0)),
		booked(2, 7, nil, at(5, 11, 15), at(5, 11, 45)),
	)

	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": "1", "durationMin": 60}`))

	got := f.appts.get(1)
	assert.Equal(t, models.AppointmentRequested, got.Status)
	assert.Equal(t, at(5, 12, 0), *got.ScheduledEnd)

	require.Len(t, f.appts.suggestions, 1)
	s := f.appts.suggestions[0]
	assert.Equal(t, "CONFLICT", s.Reason)
	require.NotEmpty(t, s.Slots)
	assert.Equal(t, at(5, 11, 45), s.Slots[0].Start)
	assert.LessOrEqual(t, len(s.Slots), 10)

	assert.Equal(t, []string{"APPOINTMENT_CONFLICT", "APPOINTMENT_CONFLICT"}, f.sink.types())
	assert.Equal(t, rolePatient, f.sink.got[0].Role)
	assert.Equal(t, roleAdmin, f.sink.got[1].Role)
	assert.Contains(t, f.sink.got[1].TemplateVars, "suggestedSlots")
}

func TestHandleCreated_ConfirmedWithConflictDowngrades(t *testing.T) {
	appt := requested(1, at(5, 11, 0))
	appt.Status = models.AppointmentConfirmed
	f := newHandlerFixture(t, appt, booked(2, 9, i64(3), at(5, 11, 30), at(5, 12, 0)))

	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 1}`))
	assert.Equal(t, models.AppointmentRequested, f.appts.get(1).Status)
}

func TestHandleCreated_ClampsToHealingFloor(t *testing.T) {
	appt := requested(1, at(5, 11, 0))
	appt.LinkedCaseID = i64(5)
	f := newHandlerFixture(t, appt)
	f.cases.stages[5] = "WAITING_ON_PATIENT"

	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 1}`))

	got := f.appts.get(1)
	assert.Equal(t, at(12, 11, 0), got.ScheduledStart)
	assert.Equal(t, models.AppointmentConfirmed, got.Status)
	require.Len(t, f.appts.audits, 1)
	assert.Equal(t, at(5, 11, 0), f.appts.audits[0].Meta["clamped_from"])
}

func TestHandleCreated_HealingCountsFromRequestedStart(t *testing.T) {
	appt := requested(1, at(5, 11, 0))
	appt.LinkedCaseID = i64(6)
	newCase := requested(2, at(6, 14, 0))
	newCase.OperatoryID = i64(4)
	newCase.LinkedCaseID = i64(7)
	f := newHandlerFixture(t, appt, newCase)
	f.cases.stages[6] = "IN_TREATMENT"
	f.cases.stages[7] = "NEW"

	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 1}`))
	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 2}`))

	assert.Equal(t, at(8, 11, 0), f.appts.get(1).ScheduledStart)
	assert.Equal(t, at(6, 14, 0), f.appts.get(2).ScheduledStart, "zero-day stage keeps the requested time")
	_, clamped := f.appts.audits[1].Meta["clamped_from"]
	assert.False(t, clamped)
}

func TestHandleCreated_SkipsFinalAndMissing(t *testing.T) {
	appt := requested(1, at(5, 11, 0))
	appt.Status = models.AppointmentCancelled
	f := newHandlerFixture(t, appt)

	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 1}`))
	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 404}`))

	assert.Equal(t, models.AppointmentCancelled, f.appts.get(1).Status)
	assert.Empty(t, f.appts.audits)
	assert.Empty(t, f.sink.got)
}

func TestHandle_InvalidPayload(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handle(t, models.EventAppointmentCreated, `{"appointmentId": "abc"}`)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = f.handle(t, models.EventAppointmentCompleted, `{}`)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = f.handle(t, models.EventAppointmentAutoScheduleRequested, `[1,2]`)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = f.handle(t, models.EventAppointmentAutoScheduleRequested, `{"appointmentId": 1, "daysAhead": -2}`)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestHandleCompleted(t *testing.T) {
	appt := requested(1, at(4, 9, 0))
	appt.Status = models.AppointmentCheckedIn
	f := newHandlerFixture(t, appt)

	require.NoError(t, f.handle(t, models.EventAppointmentCompleted, `{"appointment_id": 1}`))

	assert.Equal(t, models.AppointmentCompleted, f.appts.get(1).Status)
	assert.Equal(t, []string{"COMPLETED"}, f.appts.actions())
	assert.Equal(t, []string{"APPOINTMENT_COMPLETED", "APPOINTMENT_COMPLETED"}, f.sink.types())
}

func TestHandleMonitorTick_NoShowAndDelay(t *testing.T) {
	cancelled := requested(14, at(4, 9, 0))
	cancelled.Status = models.AppointmentCancelled
	noShow := requested(11, at(4, 9, 0))
	noShow.Status = models.AppointmentConfirmed
	late := requested(12, at(4, 9, 45))
	late.Status = models.AppointmentConfirmed
	f := newHandlerFixture(t, noShow, late, requested(13, at(4, 11, 0)), cancelled)

	require.NoError(t, f.handle(t, models.EventAppointmentMonitorTick, `{}`))

	assert.Equal(t, models.AppointmentNoShow, f.appts.get(11).Status)
	assert.Equal(t, models.AppointmentConfirmed, f.appts.get(12).Status)
	assert.Equal(t, models.AppointmentRequested, f.appts.get(13).Status)
	assert.Equal(t, []string{"NO_SHOW"}, f.appts.actions())

	require.Len(t, f.appts.suggestions, 1)
	s := f.appts.suggestions[0]
	assert.Equal(t, "NO_SHOW", s.Reason)
	require.NotEmpty(t, s.Slots)
	assert.LessOrEqual(t, len(s.Slots), 8)
	assert.Equal(t, at(4, 10, 15), s.Slots[0].Start)

	assert.ElementsMatch(t, []string{
		"APPOINTMENT_NO_SHOW", "APPOINTMENT_NO_SHOW", "APPOINTMENT_NO_SHOW",
		"APPOINTMENT_DELAY", "APPOINTMENT_DELAY",
	}, f.sink.types())

	require.NoError(t, f.handle(t, models.EventAppointmentMonitorSweep, `{}`))
	assert.Len(t, f.sink.got, 5, "second sweep must not repeat alerts")
	assert.Len(t, f.appts.audits, 1)
}

func TestHandleMonitorTick_LegacyFinalSpellingUntouched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	clock := func() time.Time { return testNow }
	appts := repository.NewAppointmentsRepository(zap.NewNop())
	ledger := repository.NewMemoryIdempotencyRepository(clock)
	sink := &captureSink{}
	engine := NewEngine(appts, nil, DefaultPolicy(time.UTC), clock, zap.NewNop())
	h := NewAppointmentHandler(engine, appts, ledger, notify.NewNotifier(ledger, sink, zap.NewNop()),
		HandlerOptions{AuditLog: true, RescheduleSuggestions: true}, zap.NewNop())

	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM appointments`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "patient_id", "doctor_id", "operatory_id", "type", "status",
			"scheduled_start", "scheduled_end", "predicted_duration_min", "linked_case_id",
		}).
			AddRow(int64(5), int64(105), int64(7), nil, "CHECKUP", "Canceled", at(4, 8, 0), nil, nil, nil).
			AddRow(int64(6), int64(106), int64(7), nil, "CHECKUP", "No-show", at(4, 8, 30), nil, nil, nil))
	mock.ExpectCommit()

	tx, err := repository.BeginTx(ctx, db)
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, tx, models.Event{ID: 1, Type: models.EventAppointmentMonitorTick, Payload: json.RawMessage(`{}`)}))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, sink.got)
}

func TestHandleAutoSchedule_BooksFirstSlot(t *testing.T) {
	d := 30
	appt := requested(20, at(1, 9, 0))
	appt.OperatoryID = nil
	appt.PredictedDurationMin = &d
	f := newHandlerFixture(t, appt)

	require.NoError(t, f.handle(t, models.EventAppointmentAutoScheduleRequested, `{"appointment_id": "20"}`))

	got := f.appts.get(20)
	assert.Equal(t, models.AppointmentConfirmed, got.Status)
	assert.Equal(t, at(4, 10, 15), got.ScheduledStart)
	assert.Equal(t, at(4, 10, 45), *got.ScheduledEnd)
	assert.Equal(t, []string{"AUTO_SCHEDULED"}, f.appts.actions())
	assert.Equal(t, []string{
		"APPOINTMENT_AUTO_SCHEDULED", "APPOINTMENT_AUTO_SCHEDULED", "APPOINTMENT_AUTO_SCHEDULED",
	}, f.sink.types())
}

func TestHandleAutoSchedule_NoSlots(t *testing.T) {
	appt := requested(21, at(4, 9, 0))
	appt.OperatoryID = nil
	f := newHandlerFixture(t, appt, booked(22, 7, nil, at(4, 9, 0), at(4, 18, 0)))

	require.NoError(t, f.handle(t, models.EventAppointmentAutoScheduleRequested, `{"appointmentId": 21, "daysAhead": 0}`))

	got := f.appts.get(21)
	assert.Equal(t, models.AppointmentRequested, got.Status)
	assert.Equal(t, at(4, 9, 0), got.ScheduledStart)
	require.Len(t, f.appts.audits, 1)
	assert.Equal(t, "AUTO_SCHEDULE_FAILED", f.appts.audits[0].Action)
	assert.Equal(t, "no_slots", f.appts.audits[0].Meta["reason"])
	assert.Equal(t, 0, f.appts.audits[0].Meta["days_ahead"])
	assert.Empty(t, f.sink.got)
}

func TestHandleAutoSchedule_HorizonIncludesLastDay(t *testing.T) {
	appt := requested(21, at(4, 9, 0))
	appt.OperatoryID = nil
	f := newHandlerFixture(t, appt, booked(22, 7, nil, at(4, 9, 0), at(4, 18, 0)))

	require.NoError(t, f.handle(t, models.EventAppointmentAutoScheduleRequested, `{"appointmentId": 21, "daysAhead": 1}`))

	got := f.appts.get(21)
	assert.Equal(t, models.AppointmentConfirmed, got.Status)
	assert.Equal(t, at(5, 9, 0), got.ScheduledStart)
}

func TestHandleAutoSchedule_NoSlotsWithoutAuditNotifiesAdmin(t *testing.T) {
	appt := requested(21, at(4, 9, 0))
	appt.OperatoryID = nil
	f := newHandlerFixture(t, appt, booked(22, 7, nil, at(4, 9, 0), at(4, 18, 0)))
	f.h.opts = HandlerOptions{}

	require.NoError(t, f.handle(t, models.EventAppointmentAutoScheduleRequested, `{"appointmentId": 21, "daysAhead": 0}`))

	assert.Empty(t, f.appts.audits)
	require.Len(t, f.sink.got, 1)
	n := f.sink.got[0]
	assert.Equal(t, "APPOINTMENT_AUTO_SCHEDULE_FAILED", n.Type)
	assert.Equal(t, "no_slots", n.TemplateVars["reason"])
	assert.Nil(t, n.UserID)
}

func TestHandler_AuditDisabled(t *testing.T) {
	f := newHandlerFixture(t, requested(1, at(5, 11, 0)))
	f.h.opts = HandlerOptions{}

	require.NoError(t, f.handle(t, models.EventAppointmentCreated, `{"appointmentId": 1}`))
	assert.Empty(t, f.appts.audits)
	assert.Equal(t, models.AppointmentConfirmed, f.appts.get(1).Status)
}

func TestWorker_AppointmentCreatedEndToEnd(t *testing.T) {
	f := newHandlerFixture(t, requested(1, at(5, 11, 0)))
	clock := func() time.Time { return testNow }
	store := repository.NewMemoryEventsRepository(nil, repository.DefaultEventStoreOptions(), clock)
	reg := consumer.DefaultRegistry(consumer.DomainHandlers{Appointment: f.h})
	w := consumer.NewWorker(f.begin, store, reg, nil, nil, f.notifier, consumer.Options{
		WorkerID:     "worker-e2e",
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Minute,
		RetryDelay:   20 * time.Second,
	}, zap.NewNop())

	ctx := context.Background()
	id, err := store.Enqueue(ctx, repository.NewEnqueueRequest(models.EventAppointmentCreated, map[string]interface{}{"appointmentId": 1}))
	require.NoError(t, err)
	bad, err := store.Enqueue(ctx, repository.NewEnqueueRequest(models.EventAppointmentCreated, map[string]interface{}{"appointmentId": "x"}))
	require.NoError(t, err)

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	for i := 0; i < 2; i++ {
		processed, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
	}
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	require.NoError(t, f.mock.ExpectationsWereMet())

	ev, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusDone, ev.Status)
	assert.Equal(t, models.AppointmentConfirmed, f.appts.get(1).Status)
	assert.Len(t, f.sink.got, 5)

	ev, err = store.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusNew, ev.Status)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "appointment: invalid payload")
}
