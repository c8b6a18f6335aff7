package service

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-pay-api/internal/models"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
	"github.com/noah-isme/lms-pay-api/pkg/export"
	"github.com/noah-isme/lms-pay-api/pkg/storage"
)

// Statement formats.
const (
	StatementFormatCSV = "csv"
	StatementFormatPDF = "pdf"
)

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// StatementConfig tunes statement generation.
type StatementConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// StatementResult captures successful generation metadata.
type StatementResult struct {
	RelativePath string    `json:"relative_path"`
	Token        string    `json:"token"`
	URL          string    `json:"url"`
	Format       string    `json:"format"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// StatementService renders per-enrollment payment statements (ledger plus
// schedule) and persists them behind signed download tokens.
type StatementService struct {
	enrollments enrollmentReader
	ledger      ledgerReader
	storage     fileStorage
	csv         csvRenderer
	pdf         pdfRenderer
	signer      *storage.SignedURLSigner
	logger      *zap.Logger
	cfg         StatementConfig
}

// NewStatementService constructs a StatementService.
func NewStatementService(
	enrollments enrollmentReader,
	ledger ledgerReader,
	files fileStorage,
	signer *storage.SignedURLSigner,
	cfg StatementConfig,
	logger *zap.Logger,
	csv csvRenderer,
	pdf pdfRenderer,
) *StatementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &StatementService{
		enrollments: enrollments,
		ledger:      ledger,
		storage:     files,
		csv:         csv,
		pdf:         pdf,
		signer:      signer,
		logger:      logger,
		cfg:         cfg,
	}
}

// Generate renders the statement for an enrollment and stores it, returning a
// signed download URL.
func (s *StatementService) Generate(ctx context.Context, enrollmentID, format string) (*StatementResult, error) {
	format = strings.ToLower(format)
	if format != StatementFormatCSV && format != StatementFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported statement format %q", format))
	}

	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	entries, err := s.ledger.ListByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger")
	}
	var installments []models.Installment
	if enrollment.PaymentPlan == models.PaymentPlanInstallment {
		installments, err = s.enrollments.ListInstallments(ctx, enrollmentID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
		}
	}

	dataset, title := buildStatementDataset(enrollment, entries, installments)

	var payload []byte
	switch format {
	case StatementFormatCSV:
		payload, err = s.csv.Render(dataset)
	case StatementFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render statement")
	}

	jobID := uuid.NewString()
	filename := fmt.Sprintf("statements/%s/%s.%s", enrollmentID, jobID, format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store statement")
	}

	token, expiresAt, err := s.signer.Generate(jobID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign statement url")
	}

	s.logger.Info("statement generated",
		zap.String("enrollment_id", enrollmentID),
		zap.String("format", format),
		zap.String("path", relPath))
	return &StatementResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/statements/download?token=%s", strings.TrimRight(s.cfg.APIPrefix, "/"), token),
		Format:       format,
		ExpiresAt:    expiresAt,
	}, nil
}

// Open resolves a signed token to the stored statement file.
func (s *StatementService) Open(token string) (*os.File, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired statement token")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "statement no longer available")
	}
	return file, nil
}

// Cleanup removes statements older than the result TTL.
func (s *StatementService) Cleanup() {
	deleted, err := s.storage.CleanupOlderThan(s.cfg.ResultTTL)
	if err != nil {
		s.logger.Warn("statement cleanup failed", zap.Error(err))
		return
	}
	if len(deleted) > 0 {
		s.logger.Info("statements cleaned up", zap.Int("count", len(deleted)))
	}
}

// RunCleanupLoop periodically removes expired statements until ctx is done.
func (s *StatementService) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

func buildStatementDataset(enrollment *models.Enrollment, entries []models.PaymentRecord, installments []models.Installment) (export.Dataset, string) {
	headers := []string{"Section", "Reference", "Amount", "Currency", "Status", "Date"}
	rows := make([]map[string]string, 0, len(entries)+len(installments)+1)

	rows = append(rows, map[string]string{
		"Section":   "enrollment",
		"Reference": enrollment.ID,
		"Amount":    strconv.FormatInt(enrollment.PricingSnapshot.FinalPrice, 10),
		"Currency":  enrollment.PricingSnapshot.Currency,
		"Status":    string(enrollment.Status),
		"Date":      enrollment.CreatedAt.Format("2006-01-02"),
	})
	for _, inst := range installments {
		rows = append(rows, map[string]string{
			"Section":   "installment",
			"Reference": fmt.Sprintf("#%d", inst.Number),
			"Amount":    strconv.FormatInt(inst.AmountOwed(), 10),
			"Currency":  enrollment.PricingSnapshot.Currency,
			"Status":    string(inst.Status),
			"Date":      inst.DueDate.Format("2006-01-02"),
		})
	}
	for _, entry := range entries {
		rows = append(rows, map[string]string{
			"Section":   "payment",
			"Reference": entry.TransactionID,
			"Amount":    strconv.FormatInt(entry.Amount, 10),
			"Currency":  entry.Currency,
			"Status":    string(entry.Status),
			"Date":      entry.RecordedAt.Format("2006-01-02"),
		})
	}

	title := fmt.Sprintf("Payment statement %s", enrollment.ID)
	return export.Dataset{Headers: headers, Rows: rows}, title
}
