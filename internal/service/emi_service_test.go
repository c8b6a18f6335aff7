package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-pay-api/internal/models"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

type mockInstallmentStore struct {
	installments map[string][]models.Installment
	lateFees     map[int]int64
	skipped      []int
	skipResult   bool
	feeResult    bool
}

func (m *mockInstallmentStore) ListInstallments(ctx context.Context, enrollmentID string) ([]models.Installment, error) {
	return m.installments[enrollmentID], nil
}

func (m *mockInstallmentStore) SetLateFee(ctx context.Context, enrollmentID string, number int, fee int64) (bool, error) {
	if m.lateFees == nil {
		m.lateFees = make(map[int]int64)
	}
	if _, already := m.lateFees[number]; already {
		return false, nil
	}
	m.lateFees[number] = fee
	return m.feeResult, nil
}

func (m *mockInstallmentStore) SkipInstallment(ctx context.Context, enrollmentID string, number int) (bool, error) {
	m.skipped = append(m.skipped, number)
	return m.skipResult, nil
}

func newTestEMIService(store installmentStore, policy EMIPolicy) *EMIService {
	return NewEMIService(store, policy, nil, nil)
}

func TestGenerateScheduleEvenSplit(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{CadenceDays: 30})
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	schedule, err := svc.GenerateSchedule(999, 3, start)
	require.NoError(t, err)
	require.Len(t, schedule, 3)

	assert.Equal(t, int64(333), schedule[0].Amount)
	assert.Equal(t, int64(333), schedule[1].Amount)
	assert.Equal(t, int64(333), schedule[2].Amount)
	assert.Equal(t, start, schedule[0].DueDate)
	assert.Equal(t, start.AddDate(0, 0, 30), schedule[1].DueDate)
	assert.Equal(t, start.AddDate(0, 0, 60), schedule[2].DueDate)
}

func TestGenerateScheduleRemainderOnLast(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})

	schedule, err := svc.GenerateSchedule(1000, 3, time.Now())
	require.NoError(t, err)

	assert.Equal(t, int64(333), schedule[0].Amount)
	assert.Equal(t, int64(333), schedule[1].Amount)
	assert.Equal(t, int64(334), schedule[2].Amount)

	var sum int64
	for _, inst := range schedule {
		sum += inst.Amount
	}
	assert.Equal(t, int64(1000), sum)
}

func TestGenerateScheduleSumInvariant(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})
	for _, tc := range []struct {
		price int64
		n     int
	}{
		{1, 1}, {1, 12}, {100, 7}, {99999, 4}, {123456789, 11},
	} {
		schedule, err := svc.GenerateSchedule(tc.price, tc.n, time.Now())
		require.NoError(t, err)
		var sum int64
		for _, inst := range schedule {
			sum += inst.Amount
		}
		assert.Equal(t, tc.price, sum, "price %d over %d installments", tc.price, tc.n)
	}
}

func TestGenerateScheduleRejectsBadInput(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})

	_, err := svc.GenerateSchedule(1000, 0, time.Now())
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))

	_, err = svc.GenerateSchedule(-5, 3, time.Now())
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func testSchedule(txn string) []models.Installment {
	paid := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []models.Installment{
		{Number: 1, Amount: 300, Status: models.InstallmentStatusPaid, TransactionID: &txn, PaidDate: &paid},
		{Number: 2, Amount: 300, Status: models.InstallmentStatusPending, DueDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{Number: 3, Amount: 400, Status: models.InstallmentStatusPending, DueDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestValidatePaymentHappyPath(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})
	schedule := testSchedule("txn-1")

	target, replay, err := svc.ValidatePayment(schedule, 2, "txn-2", 300)
	require.NoError(t, err)
	assert.False(t, replay)
	assert.Equal(t, 2, target.Number)
}

func TestValidatePaymentReplaySameTransaction(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})
	schedule := testSchedule("txn-1")

	target, replay, err := svc.ValidatePayment(schedule, 1, "txn-1", 300)
	require.NoError(t, err)
	assert.True(t, replay)
	assert.Equal(t, 1, target.Number)
}

func TestValidatePaymentAlreadySettledDifferentTransaction(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})
	schedule := testSchedule("txn-1")

	_, _, err := svc.ValidatePayment(schedule, 1, "txn-other", 300)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrAlreadySettled))
}

func TestValidatePaymentAmountMismatch(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})
	schedule := testSchedule("txn-1")

	_, _, err := svc.ValidatePayment(schedule, 2, "txn-2", 250)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrAmountMismatch))
}

func TestValidatePaymentIncludesLateFee(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})
	schedule := testSchedule("txn-1")
	schedule[1].LateFee = 50

	_, _, err := svc.ValidatePayment(schedule, 2, "txn-2", 300)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrAmountMismatch))

	target, replay, err := svc.ValidatePayment(schedule, 2, "txn-2", 350)
	require.NoError(t, err)
	assert.False(t, replay)
	assert.Equal(t, int64(350), target.AmountOwed())
}

func TestValidatePaymentSkippedInstallment(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})
	schedule := testSchedule("txn-1")
	schedule[2].Status = models.InstallmentStatusSkipped

	_, _, err := svc.ValidatePayment(schedule, 3, "txn-3", 400)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestValidatePaymentUnknownNumber(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})

	_, _, err := svc.ValidatePayment(testSchedule("txn-1"), 9, "txn-9", 100)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestTotalsAndOverdue(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{GracePeriodDays: 5})
	schedule := testSchedule("txn-1")
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC) // #2 past due+grace, #3 not due

	outstanding, overdue, count := svc.Totals(schedule, now)
	assert.Equal(t, int64(700), outstanding)
	assert.Equal(t, int64(300), overdue)
	assert.Equal(t, 1, count)
	assert.True(t, svc.HasOverdue(schedule, now))

	// Inside the grace window nothing is overdue yet.
	within := time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC)
	assert.False(t, svc.HasOverdue(schedule, within))
}

func TestAccrueLateFeesSetOnce(t *testing.T) {
	store := &mockInstallmentStore{feeResult: true}
	svc := newTestEMIService(store, EMIPolicy{GracePeriodDays: 5, LateFeeMode: LateFeeModeFixed, LateFeeFixed: 50})
	schedule := testSchedule("txn-1")
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	updated, err := svc.AccrueLateFees(context.Background(), "enr-1", schedule, now)
	require.NoError(t, err)
	assert.Equal(t, int64(50), updated[1].LateFee)
	assert.Zero(t, updated[2].LateFee)

	// Second accrual pass is a no-op: the fee is already captured.
	again, err := svc.AccrueLateFees(context.Background(), "enr-1", updated, now)
	require.NoError(t, err)
	assert.Equal(t, int64(50), again[1].LateFee)
	assert.Len(t, store.lateFees, 1)
}

func TestAccrueLateFeesPercentMode(t *testing.T) {
	store := &mockInstallmentStore{feeResult: true}
	svc := newTestEMIService(store, EMIPolicy{GracePeriodDays: 5, LateFeeMode: LateFeeModePercent, LateFeePercent: 10})
	schedule := testSchedule("txn-1")
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	updated, err := svc.AccrueLateFees(context.Background(), "enr-1", schedule, now)
	require.NoError(t, err)
	assert.Equal(t, int64(30), updated[1].LateFee)
}

func TestNextPaymentDate(t *testing.T) {
	svc := newTestEMIService(&mockInstallmentStore{}, EMIPolicy{})
	schedule := testSchedule("txn-1")

	next := svc.NextPaymentDate(schedule)
	require.NotNil(t, next)
	assert.Equal(t, schedule[1].DueDate, *next)

	schedule[1].Status = models.InstallmentStatusPaid
	schedule[2].Status = models.InstallmentStatusPaid
	assert.Nil(t, svc.NextPaymentDate(schedule))
}

func TestSkipPendingOnly(t *testing.T) {
	store := &mockInstallmentStore{skipResult: true}
	svc := newTestEMIService(store, EMIPolicy{})

	require.NoError(t, svc.Skip(context.Background(), "enr-1", 2))

	store.skipResult = false
	err := svc.Skip(context.Background(), "enr-1", 1)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}
