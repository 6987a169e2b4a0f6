package scheduling

import (
	"fmt"
	"time"

	"dentra-dispatch/internal/models"
)

const (
	roleAdmin   = "Admin"
	rolePatient = "Patient"
	roleDoctor  = "Doctor"
)

var reminderOffsets = []struct {
	label  string
	offset time.Duration
}{
	{"24h", 24 * time.Hour},
	{"2h", 2 * time.Hour},
}

func dedupeKey(apptID int64, audience, kind string) string {
	return fmt.Sprintf("appt:%d:%s:%s", apptID, audience, kind)
}

func prettyTime(t time.Time) string {
	return t.Format("02 Jan 2006, 03:04 PM")
}

func apptNotification(a *models.Appointment, audience, kind, notifType, title, message string) models.Notification {
	n := models.Notification{
		Type:         notifType,
		Title:        title,
		Message:      message,
		RelatedTable: "appointments",
		RelatedID:    a.ID,
		DedupeKey:    dedupeKey(a.ID, audience, kind),
		Priority:     50,
	}
	switch audience {
	case "patient":
		n.UserID = &a.PatientID
		n.Role = rolePatient
	case "doctor":
		n.UserID = &a.DoctorID
		n.Role = roleDoctor
	default:
		n.Role = roleAdmin
	}
	return n
}
