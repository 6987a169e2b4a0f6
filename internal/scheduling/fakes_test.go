package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/notify"
	"dentra-dispatch/internal/repository"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func at(day, hour, min int) time.Time {
	return time.Date(2024, 3, day, hour, min, 0, 0, time.UTC)
}

func i64(v int64) *int64 { return &v }

type auditEntry struct {
	AppointmentID int64
	Action        string
	Meta          map[string]interface{}
}

type suggestionEntry struct {
	AppointmentID int64
	Reason        string
	Slots         []models.CandidateSlot
}

// fakeAppointments 内存预约表，过滤规则与 SQL 查询一致
type fakeAppointments struct {
	mu          sync.Mutex
	rows        map[int64]models.Appointment
	locks       []string
	audits      []auditEntry
	suggestions []suggestionEntry
}

func newFakeAppointments(rows ...models.Appointment) *fakeAppointments {
	f := &fakeAppointments{rows: make(map[int64]models.Appointment)}
	for _, a := range rows {
		f.rows[a.ID] = a
	}
	return f
}

func (f *fakeAppointments) get(id int64) models.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func (f *fakeAppointments) actions() []string {
	var out []string
	for _, a := range f.audits {
		out = append(out, a.Action)
	}
	return out
}

func (f *fakeAppointments) GetForUpdate(_ context.Context, _ repository.DBTX, id int64) (*models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (f *fakeAppointments) sorted(keep func(a models.Appointment) bool) []models.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Appointment
	for _, a := range f.rows {
		if !a.Status.IsFinal() && keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledStart.Before(out[j].ScheduledStart)
	})
	return out
}

func (f *fakeAppointments) ListActive(_ context.Context, _ repository.DBTX, cf repository.CalendarFilter) ([]models.Appointment, error) {
	return f.sorted(func(a models.Appointment) bool {
		if a.ID == cf.ExcludeID || a.ScheduledStart.Before(cf.From) || !a.ScheduledStart.Before(cf.To) {
			return false
		}
		doctor := cf.DoctorID != nil && a.DoctorID == *cf.DoctorID
		operatory := cf.OperatoryID != nil && a.OperatoryID != nil && *a.OperatoryID == *cf.OperatoryID
		return doctor || operatory
	}), nil
}

func (f *fakeAppointments) ListForDay(_ context.Context, _ repository.DBTX, from, to time.Time) ([]models.Appointment, error) {
	return f.sorted(func(a models.Appointment) bool {
		return !a.ScheduledStart.Before(from) && a.ScheduledStart.Before(to)
	}), nil
}

func (f *fakeAppointments) UpdateSchedule(_ context.Context, _ repository.DBTX, id int64, start, end time.Time, durationMin int, status models.AppointmentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.rows[id]
	a.ScheduledStart = start
	a.ScheduledEnd = &end
	a.PredictedDurationMin = &durationMin
	a.Status = status
	f.rows[id] = a
	return nil
}

func (f *fakeAppointments) SetStatusIfActive(_ context.Context, _ repository.DBTX, id int64, status models.AppointmentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok || a.Status.IsFinal() {
		return false, nil
	}
	a.Status = status
	f.rows[id] = a
	return true, nil
}

func (f *fakeAppointments) LockCalendar(_ context.Context, _ repository.DBTX, keys ...string) error {
	f.mu.Lock()
	f.locks = append(f.locks, keys...)
	f.mu.Unlock()
	return nil
}

func (f *fakeAppointments) InsertAudit(_ context.Context, _ repository.DBTX, id int64, action string, meta map[string]interface{}) error {
	f.mu.Lock()
	f.audits = append(f.audits, auditEntry{AppointmentID: id, Action: action, Meta: meta})
	f.mu.Unlock()
	return nil
}

func (f *fakeAppointments) InsertRescheduleSuggestion(_ context.Context, _ repository.DBTX, id int64, reason string, slots []models.CandidateSlot) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.suggestions {
		if s.AppointmentID == id {
			return false, nil
		}
	}
	f.suggestions = append(f.suggestions, suggestionEntry{AppointmentID: id, Reason: reason, Slots: slots})
	return true, nil
}

type fakeCases struct {
	stages    map[int64]string
	durations map[string][]int
}

func newFakeCases() *fakeCases {
	return &fakeCases{
		stages:    map[int64]string{},
		durations: map[string][]int{},
	}
}

func (c *fakeCases) GetStage(_ context.Context, _ repository.DBTX, id int64) (string, error) {
	s, ok := c.stages[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	return s, nil
}

func (c *fakeCases) ListProcedureDurations(_ context.Context, _ repository.DBTX, code string, limit int) ([]int, error) {
	d := c.durations[code]
	if len(d) > limit {
		d = d[:limit]
	}
	return d, nil
}

type captureSink struct {
	mu  sync.Mutex
	got []models.Notification
}

func (s *captureSink) Deliver(_ context.Context, n models.Notification) notify.Result {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	return notify.Result{Status: notify.StatusDelivered, Channel: "capture"}
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.got {
		out = append(out, n.Type)
	}
	return out
}
