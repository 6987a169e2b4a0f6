package scheduling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dentra-dispatch/internal/models"
)

// ErrInvalidPayload 事件负载缺字段或格式错误
var ErrInvalidPayload = errors.New("invalid payload")

// flexID 兼容数字与数字字符串
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not an id", ErrInvalidPayload, s)
	}
	*f = flexID(v)
	return nil
}

type appointmentPayload struct {
	AppointmentID      flexID `json:"appointmentId"`
	AppointmentIDSnake flexID `json:"appointment_id"`
	DurationMin        int    `json:"durationMin"`
	Limit              int    `json:"limit"`
	DaysAhead          *int   `json:"daysAhead"`
}

func (p appointmentPayload) id() int64 {
	if p.AppointmentID > 0 {
		return int64(p.AppointmentID)
	}
	return int64(p.AppointmentIDSnake)
}

func parseAppointmentPayload(ev models.Event) (appointmentPayload, error) {
	var p appointmentPayload
	if err := ev.DecodePayload(&p); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return p, err
		}
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.id() <= 0 {
		return p, fmt.Errorf("%w: appointmentId is required", ErrInvalidPayload)
	}
	if p.DaysAhead != nil && *p.DaysAhead < 0 {
		return p, fmt.Errorf("%w: daysAhead must not be negative", ErrInvalidPayload)
	}
	return p, nil
}

func encodeJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
