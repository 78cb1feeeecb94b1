// Package booking captures salon appointment requests. A Booking is
// validated field by field, stamped with an id and handed to a Consumer,
// such as the SQLite Store.
package booking

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Accepted values for the select fields.
var (
	Branches    = []string{"manila", "makati", "quezon"}
	Services    = []string{"haircut", "color", "treatment"}
	HairLengths = []string{"short", "medium", "long"}
	TimeSlots   = []string{"10:00", "11:00", "13:00", "14:00", "15:00"}
)

// DateLayout is the expected format of Booking.Date.
const DateLayout = "2006-01-02"

// ErrInvalidBooking is matched by ValidationErrors.
var ErrInvalidBooking = errors.New("booking: invalid booking")

// Booking is one appointment request as entered by the user.
type Booking struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Mobile     string `json:"mobile"`
	Branch     string `json:"branch"`
	Service    string `json:"service"`
	HairLength string `json:"hair_length"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Remarks    string `json:"remarks,omitempty"`
}

// ValidationErrors maps a field name to its message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v[f])
	}
	return "booking: " + strings.Join(parts, "; ")
}

// Is implements error matching for ValidationErrors.
func (v ValidationErrors) Is(target error) bool {
	return target == ErrInvalidBooking
}

// Validate checks every field and returns all problems at once, or nil.
func (b Booking) Validate() error {
	errs := ValidationErrors{}

	if strings.TrimSpace(b.Name) == "" {
		errs["name"] = "Name is required"
	}
	if addr, err := mail.ParseAddress(strings.TrimSpace(b.Email)); err != nil || addr.Name != "" {
		errs["email"] = "Invalid email address"
	}
	if strings.TrimSpace(b.Mobile) == "" {
		errs["mobile"] = "Mobile number is required"
	}
	if !oneOf(b.Branch, Branches) {
		errs["branch"] = "Branch selection is required"
	}
	if !oneOf(b.Service, Services) {
		errs["service"] = "Service selection is required"
	}
	if !oneOf(b.HairLength, HairLengths) {
		errs["hair_length"] = "Hair length selection is required"
	}
	if _, err := time.Parse(DateLayout, b.Date); err != nil {
		errs["date"] = "Date is required"
	}
	if !oneOf(b.Time, TimeSlots) {
		errs["time"] = "Time selection is required"
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Record is a validated booking with its identity.
type Record struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Booking
}

// Consumer receives validated records.
type Consumer interface {
	Consume(ctx context.Context, rec Record) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, rec Record) error

// Consume calls f.
func (f ConsumerFunc) Consume(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Form validates bookings and forwards them to its consumer.
type Form struct {
	consumer Consumer
	now      func() time.Time
	newID    func() string
}

// NewForm returns a form delivering to c.
func NewForm(c Consumer) *Form {
	return &Form{consumer: c, now: time.Now, newID: uuid.NewString}
}

// Submit normalizes and validates b. On success the record is handed to
// the consumer and returned. Invalid bookings never reach the consumer.
func (f *Form) Submit(ctx context.Context, b Booking) (Record, error) {
	b = normalize(b)
	if err := b.Validate(); err != nil {
		return Record{}, err
	}

	rec := Record{ID: f.newID(), SubmittedAt: f.now().UTC(), Booking: b}
	if f.consumer != nil {
		if err := f.consumer.Consume(ctx, rec); err != nil {
			return Record{}, fmt.Errorf("booking: deliver %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func normalize(b Booking) Booking {
	b.Name = strings.TrimSpace(b.Name)
	b.Email = strings.TrimSpace(b.Email)
	b.Mobile = strings.TrimSpace(b.Mobile)
	b.Branch = strings.ToLower(strings.TrimSpace(b.Branch))
	b.Service = strings.ToLower(strings.TrimSpace(b.Service))
	b.HairLength = strings.ToLower(strings.TrimSpace(b.HairLength))
	b.Date = strings.TrimSpace(b.Date)
	b.Time = strings.TrimSpace(b.Time)
	b.Remarks = strings.TrimSpace(b.Remarks)
	return b
}
