package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
	"github.com/unischolar/mileage-api/pkg/export"
)

type statementSource interface {
	ListApprovedForStatement(ctx context.Context, orgID string) ([]models.ExchangeDetail, error)
}

// ExportFormat identifies the rendering format of a statement.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportResult carries the rendered document and its HTTP metadata.
type ExportResult struct {
	Content     []byte
	ContentType string
	Filename    string
}

// ExportService builds settlement statements for download.
type ExportService struct {
	exchanges statementSource
	csv       *export.CSVExporter
	pdf       *export.PDFExporter
	logger    *zap.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(exchanges statementSource, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		exchanges: exchanges,
		csv:       export.NewCSVExporter(),
		pdf:       export.NewPDFExporter(),
		logger:    logger,
	}
}

var statementHeaders = []string{"Exchange ID", "Student", "Email", "Amount", "Settlement Ref", "Processed At"}

// SettlementStatement renders every approved exchange visible to the actor
// as a downloadable statement. Admins are confined to their own organization.
// The listing is unpaginated; a statement that drops rows is worse than a
// slow one.
func (s *ExportService) SettlementStatement(ctx context.Context, actor *models.JWTClaims, format ExportFormat) (*ExportResult, error) {
	if actor == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "missing credentials")
	}

	orgID := ""
	if actor.Role == models.RoleAdmin {
		orgID = actor.OrgID
	}

	details, err := s.exchanges.ListApprovedForStatement(ctx, orgID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settled exchanges")
	}

	dataset := export.Dataset{Headers: statementHeaders, Rows: make([]map[string]string, 0, len(details))}
	for _, d := range details {
		row := map[string]string{
			"Exchange ID": d.ID,
			"Student":     d.UserName,
			"Email":       d.UserEmail,
			"Amount":      strconv.FormatInt(d.Amount, 10),
		}
		if d.SettlementRef != nil {
			row["Settlement Ref"] = *d.SettlementRef
		}
		if d.ProcessedAt != nil {
			row["Processed At"] = d.ProcessedAt.UTC().Format(time.RFC3339)
		}
		dataset.Rows = append(dataset.Rows, row)
	}

	stamp := time.Now().UTC().Format("20060102")
	switch format {
	case ExportFormatCSV:
		content, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportResult{
			Content:     content,
			ContentType: "text/csv",
			Filename:    fmt.Sprintf("settlement-statement-%s.csv", stamp),
		}, nil
	case ExportFormatPDF:
		content, err := s.pdf.Render(dataset, "Settlement Statement")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportResult{
			Content:     content,
			ContentType: "application/pdf",
			Filename:    fmt.Sprintf("settlement-statement-%s.pdf", stamp),
		}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}
}
