// Package repository defines the persistence boundary the orchestrator
// calls into for doctor, patient, insurance, and appointment data. Real
// durable storage is an external collaborator (a hospital's own system of
// record); this package only declares the interface and ships an
// in-memory demo implementation for local development and tests.
package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("repository: not found")

// Doctor is a bookable provider.
type Doctor struct {
	ID         string
	Name       string
	Specialty  string
	InsuranceIDs []string
}

// Insurance is an accepted insurance provider.
type Insurance struct {
	ID   string
	Name string
}

// Patient identifies a caller by normalized phone number.
type Patient struct {
	Phone string
	Name  string
}

// AppointmentStatus is the lifecycle state of a booking.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Appointment is a booking tied to a patient phone number and a doctor.
type Appointment struct {
	ID       string
	Phone    string
	DoctorID string
	At       time.Time
	Status   AppointmentStatus
}

// Repository is the data-access boundary the orchestrator reads its
// per-turn dialogue context from (doctors, insurance, and the caller's
// appointments); the "book_appointment"/"check_insurance" actions do not
// call into it.
type Repository interface {
	ListDoctors(ctx context.Context) ([]Doctor, error)
	ListInsurance(ctx context.Context) ([]Insurance, error)
	ListAppointmentsForPhone(ctx context.Context, phone string) ([]Appointment, error)
	CreateAppointment(ctx context.Context, appt Appointment) (Appointment, error)
	CancelAppointment(ctx context.Context, id string) error
	ConfirmAppointment(ctx context.Context, id string) error
	UpsertPatientByPhone(ctx context.Context, p Patient) error
}

// NormalizePhone rewrites a locally-dialed Saudi number (leading "05...")
// into E.164 form (+966 followed by the remaining digits, dropping the
// leading zero). Numbers already in another form are returned unchanged
// except for stripping whitespace, so normalization is idempotent:
// NormalizePhone(NormalizePhone(p)) == NormalizePhone(p).
func NormalizePhone(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "05") && len(trimmed) == 10 {
		return "+966" + trimmed[1:]
	}
	return trimmed
}

// InMemory is a map-backed Repository for local development and tests. Not
// a substitute for the hospital's own system of record.
type InMemory struct {
	mu           sync.Mutex
	doctors      []Doctor
	insurance    []Insurance
	patients     map[string]Patient
	appointments map[string]Appointment
	nextID       int
}

// NewInMemory seeds an in-memory repository with a small demo catalogue.
func NewInMemory() *InMemory {
	return &InMemory{
		doctors: []Doctor{
			{ID: "doc-1", Name: "د. سارة العتيبي", Specialty: "طب عام", InsuranceIDs: []string{"ins-1", "ins-2"}},
			{ID: "doc-2", Name: "د. محمد القحطاني", Specialty: "أسنان", InsuranceIDs: []string{"ins-1"}},
		},
		insurance: []Insurance{
			{ID: "ins-1", Name: "بوبا العربية"},
			{ID: "ins-2", Name: "التعاونية"},
		},
		patients:     make(map[string]Patient),
		appointments: make(map[string]Appointment),
	}
}

func (r *InMemory) ListDoctors(ctx context.Context) ([]Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Doctor, len(r.doctors))
	copy(out, r.doctors)
	return out, nil
}

func (r *InMemory) ListInsurance(ctx context.Context) ([]Insurance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Insurance, len(r.insurance))
	copy(out, r.insurance)
	return out, nil
}

func (r *InMemory) ListAppointmentsForPhone(ctx context.Context, phone string) ([]Appointment, error) {
	phone = NormalizePhone(phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.Phone == phone {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *InMemory) CreateAppointment(ctx context.Context, appt Appointment) (Appointment, error) {
	appt.Phone = NormalizePhone(appt.Phone)
	if appt.Status == "" {
		appt.Status = AppointmentPending
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	appt.ID = idFromSeq(r.nextID)
	r.appointments[appt.ID] = appt
	return appt, nil
}

func (r *InMemory) CancelAppointment(ctx context.Context, id string) error {
	return r.setStatus(id, AppointmentCancelled)
}

func (r *InMemory) ConfirmAppointment(ctx context.Context, id string) error {
	return r.setStatus(id, AppointmentConfirmed)
}

func (r *InMemory) setStatus(id string, status AppointmentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appointments[id]
	if !ok {
		return ErrNotFound
	}
	appt.Status = status
	r.appointments[id] = appt
	return nil
}

func (r *InMemory) UpsertPatientByPhone(ctx context.Context, p Patient) error {
	p.Phone = NormalizePhone(p.Phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.Phone] = p
	return nil
}

func idFromSeq(n int) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "appt-0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%36]}, b...)
		n /= 36
	}
	return "appt-" + string(b)
}
