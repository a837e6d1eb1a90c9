package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizePhoneLocalToE164(t *testing.T) {
	require.Equal(t, "+966501234567", NormalizePhone("0501234567"))
}

func TestNormalizePhoneAlreadyE164Unchanged(t *testing.T) {
	require.Equal(t, "+966501234567", NormalizePhone("+966501234567"))
}

func TestNormalizePhoneIsIdempotent(t *testing.T) {
	raw := "0551112222"
	once := NormalizePhone(raw)
	twice := NormalizePhone(once)
	require.Equal(t, once, twice)
}

func TestInMemoryCreateAndListAppointments(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemory()

	created, err := repo.CreateAppointment(ctx, Appointment{
		Phone:    "0501234567",
		DoctorID: "doc-1",
		At:       time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, AppointmentPending, created.Status)
	require.NotEmpty(t, created.ID)

	appts, err := repo.ListAppointmentsForPhone(ctx, "+966501234567")
	require.NoError(t, err)
	require.Len(t, appts, 1)
	require.Equal(t, created.ID, appts[0].ID)
}

func TestInMemoryConfirmAndCancelAppointment(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemory()

	created, err := repo.CreateAppointment(ctx, Appointment{Phone: "0501111111", DoctorID: "doc-2"})
	require.NoError(t, err)

	require.NoError(t, repo.ConfirmAppointment(ctx, created.ID))
	appts, _ := repo.ListAppointmentsForPhone(ctx, created.Phone)
	require.Equal(t, AppointmentConfirmed, appts[0].Status)

	require.NoError(t, repo.CancelAppointment(ctx, created.ID))
	appts, _ = repo.ListAppointmentsForPhone(ctx, created.Phone)
	require.Equal(t, AppointmentCancelled, appts[0].Status)
}

func TestInMemoryCancelUnknownAppointmentReturnsNotFound(t *testing.T) {
	repo := NewInMemory()
	err := repo.CancelAppointment(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryListDoctorsAndInsurance(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemory()

	doctors, err := repo.ListDoctors(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, doctors)

	insurance, err := repo.ListInsurance(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, insurance)
}
