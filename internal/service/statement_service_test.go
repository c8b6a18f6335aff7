package service

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-pay-api/internal/models"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
	"github.com/noah-isme/lms-pay-api/pkg/storage"
)

type statementFixture struct {
	reader *mockEnrollmentReader
	ledger *mockLedgerReader
	files  *storage.LocalStorage
	signer *storage.SignedURLSigner
	svc    *StatementService
}

func newStatementFixture(t *testing.T) *statementFixture {
	t.Helper()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := &statementFixture{
		reader: &mockEnrollmentReader{
			enrollments:  make(map[string]models.Enrollment),
			installments: make(map[string][]models.Installment),
		},
		ledger: &mockLedgerReader{entries: make(map[string][]models.PaymentRecord)},
		files:  files,
		signer: storage.NewSignedURLSigner("statement-secret", time.Hour),
	}
	f.svc = NewStatementService(f.reader, f.ledger, files, f.signer,
		StatementConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}, nil, nil, nil)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.reader.enrollments["enr-1"] = models.Enrollment{
		ID:          "enr-1",
		Status:      models.EnrollmentStatusActive,
		PaymentPlan: models.PaymentPlanInstallment,
		PricingSnapshot: models.PricingSnapshot{
			OriginalPrice: 900, FinalPrice: 900, Currency: "INR", PricingType: models.PricingTypeStandard,
		},
		AccessExpiryDate: start.AddDate(1, 0, 0),
		CreatedAt:        start,
	}
	f.reader.installments["enr-1"] = []models.Installment{
		{Number: 1, Amount: 300, Status: models.InstallmentStatusPaid, DueDate: start},
		{Number: 2, Amount: 300, Status: models.InstallmentStatusPending, DueDate: start.AddDate(0, 0, 30)},
		{Number: 3, Amount: 300, Status: models.InstallmentStatusPending, DueDate: start.AddDate(0, 0, 60)},
	}
	f.ledger.entries["enr-1"] = []models.PaymentRecord{
		{ID: "pr-1", EnrollmentID: "enr-1", TransactionID: "txn-1", Amount: 300, Currency: "INR", Method: "upi", Status: models.PaymentStatusCompleted, RecordedAt: start},
	}
	return f
}

func TestGenerateCSVStatement(t *testing.T) {
	f := newStatementFixture(t)

	result, err := f.svc.Generate(context.Background(), "enr-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, StatementFormatCSV, result.Format)
	assert.Contains(t, result.URL, "/api/v1/statements/download?token=")

	file, err := f.svc.Open(result.Token)
	require.NoError(t, err)
	defer file.Close()

	raw, err := io.ReadAll(file)
	require.NoError(t, err)
	content := string(raw)
	assert.True(t, strings.Contains(content, "enrollment"))
	assert.True(t, strings.Contains(content, "txn-1"))
	assert.True(t, strings.Contains(content, "installment"))
}

func TestGeneratePDFStatement(t *testing.T) {
	f := newStatementFixture(t)

	result, err := f.svc.Generate(context.Background(), "enr-1", "pdf")
	require.NoError(t, err)

	file, err := f.svc.Open(result.Token)
	require.NoError(t, err)
	defer file.Close()

	header := make([]byte, 5)
	_, err = io.ReadFull(file, header)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-", string(header))
}

func TestGenerateRejectsUnknownFormat(t *testing.T) {
	f := newStatementFixture(t)

	_, err := f.svc.Generate(context.Background(), "enr-1", "xlsx")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestGenerateUnknownEnrollment(t *testing.T) {
	f := newStatementFixture(t)

	_, err := f.svc.Generate(context.Background(), "ghost", "csv")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestGenerateLoadFailureIsInternal(t *testing.T) {
	f := newStatementFixture(t)
	f.reader.err = errors.New("connection reset")

	_, err := f.svc.Generate(context.Background(), "enr-1", "csv")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInternal))
}

func TestOpenRejectsForgedToken(t *testing.T) {
	f := newStatementFixture(t)

	result, err := f.svc.Generate(context.Background(), "enr-1", "csv")
	require.NoError(t, err)

	forged := result.Token[:len(result.Token)-2] + "xx"
	_, err = f.svc.Open(forged)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))
}

func TestCleanupRemovesExpiredStatements(t *testing.T) {
	f := newStatementFixture(t)

	result, err := f.svc.Generate(context.Background(), "enr-1", "csv")
	require.NoError(t, err)

	// Age the file past the TTL.
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(f.files.Path(result.RelativePath), old, old))

	f.svc.Cleanup()

	_, err = f.svc.Open(result.Token)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}
