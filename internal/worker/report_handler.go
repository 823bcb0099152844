package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/models"
)

const (
	reportSheet   = "Analyses"
	chartSheet    = "Chart"
	defaultRows   = 100
	xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// AnalysisLister reads stored analyses. The Postgres store satisfies it.
type AnalysisLister interface {
	ListAnalyses(ctx context.Context, userID, contextID string, limit int) ([]models.AnalysisRecord, error)
}

// ReportHandler exports a user's analyses to an xlsx workbook with a probability chart.
type ReportHandler struct {
	lister     AnalysisLister
	sink       *artifactSink
	chartWidth int
}

// NewReportHandler wires the lister and the configured artifact destinations.
func NewReportHandler(ctx context.Context, cfg config.Config, lister AnalysisLister) (*ReportHandler, error) {
	sink, err := newArtifactSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ReportHandler{lister: lister, sink: sink, chartWidth: cfg.ReportChartWidth}, nil
}

type reportResult struct {
	Location string `json:"location"`
	Rows     int    `json:"rows"`
}

func (h *ReportHandler) Handle(ctx context.Context, job models.Job, progress ProgressFunc) (any, error) {
	if h.lister == nil {
		return nil, errors.New("analysis store is not configured")
	}
	var payload models.ReportPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.UserID == "" || payload.ContextID == "" {
		return nil, errors.New("userId and contextId are required")
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultRows
	}

	records, err := h.lister.ListAnalyses(ctx, payload.UserID, payload.ContextID, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	progress(30)

	data, err := h.buildWorkbook(payload, records)
	if err != nil {
		return nil, err
	}
	progress(70)

	up, err := h.sink.pick(payload.Destination)
	if err != nil {
		return nil, err
	}
	key := sanitizeKey(fmt.Sprintf("reports/%s/%s.xlsx", payload.UserID, job.ID))
	location, err := up.Upload(ctx, key, data, xlsxMediaType)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	progress(100)
	return reportResult{Location: location, Rows: len(records)}, nil
}

func (h *ReportHandler) buildWorkbook(payload models.ReportPayload, records []models.AnalysisRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	title := payload.Title
	if title == "" {
		title = "Analysis report " + payload.ContextID
	}
	if err := f.SetCellValue(reportSheet, "A1", title); err != nil {
		return nil, err
	}
	header := []any{"Job ID", "Context", "Probability", "Created At", "Result"}
	if err := f.SetSheetRow(reportSheet, "A3", &header); err != nil {
		return nil, err
	}
	for i, rec := range records {
		row := []any{rec.JobID, rec.ContextID, probability(rec.Result), rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"), string(rec.Result)}
		cell, err := excelize.CoordinatesToCellName(1, i+4)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(reportSheet, cell, &row); err != nil {
			return nil, err
		}
	}
	if err := f.SetColWidth(reportSheet, "A", "E", 22); err != nil {
		return nil, err
	}

	if len(records) > 0 {
		chart, err := renderChart(records, h.chartWidth)
		if err != nil {
			return nil, err
		}
		if _, err := f.NewSheet(chartSheet); err != nil {
			return nil, fmt.Errorf("add chart sheet: %w", err)
		}
		err = f.AddPictureFromBytes(chartSheet, "B2", &excelize.Picture{
			Extension: ".png",
			File:      chart,
			Format:    &excelize.GraphicOptions{AltText: "Probability by analysis"},
		})
		if err != nil {
			return nil, fmt.Errorf("embed chart: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
