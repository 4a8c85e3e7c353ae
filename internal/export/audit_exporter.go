package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

const sheetName = "Audit Trail"

// AuditExporter renders an instance's audit trail as an xlsx workbook
type AuditExporter struct {
	outputDir string
	logger    *zap.Logger
}

// NewAuditExporter creates an audit exporter writing into outputDir
func NewAuditExporter(outputDir string, logger *zap.Logger) *AuditExporter {
	return &AuditExporter{outputDir: outputDir, logger: logger}
}

// Export writes the workbook and returns its path. Step names are looked
// up through stepNames; unknown ids fall back to the raw id.
func (e *AuditExporter) Export(instance *entity.WorkflowInstance, logs []*entity.StepLog, stepNames map[int64]string) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName(f.GetSheetName(0), sheetName)

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return "", fmt.Errorf("failed to create header style: %w", err)
	}

	e.writeRow(f, 1, []any{"Instance", instance.ID})
	e.writeRow(f, 2, []any{"Workflow", instance.WorkflowID})
	e.writeRow(f, 3, []any{"Target", fmt.Sprintf("%s/%s", instance.EntityType, instance.EntityID)})
	e.writeRow(f, 4, []any{"Status", instance.Status})

	const tableStart = 6
	e.writeRow(f, tableStart, []any{"#", "Time", "Step", "Action", "User", "Details"})
	if err := f.SetCellStyle(sheetName, "A6", "F6", header); err != nil {
		return "", fmt.Errorf("failed to style header row: %w", err)
	}

	for i, log := range logs {
		row := tableStart + 1 + i
		step := ""
		if log.StepID != nil {
			step = stepNames[*log.StepID]
			if step == "" {
				step = fmt.Sprintf("step %d", *log.StepID)
			}
		}
		user := "system"
		if log.UserID != nil {
			user = *log.UserID
		}
		details := ""
		if len(log.Data) > 0 {
			if raw, err := json.Marshal(log.Data); err == nil {
				details = string(raw)
			}
		}
		e.writeRow(f, row, []any{
			i + 1,
			log.CreatedAt.Format(time.RFC3339),
			step,
			log.Action,
			user,
			details,
		})
	}

	for col, width := range map[string]float64{"A": 6, "B": 22, "C": 20, "D": 12, "E": 16, "F": 50} {
		if err := f.SetColWidth(sheetName, col, col, width); err != nil {
			return "", fmt.Errorf("failed to set column width: %w", err)
		}
	}

	path := filepath.Join(e.outputDir, fmt.Sprintf("audit_%s_%s.xlsx", instance.ID, time.Now().Format("20060102_150405")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}

	e.logger.Info("Audit trail exported",
		zap.String("instance_id", instance.ID),
		zap.String("path", path))
	return path, nil
}

func (e *AuditExporter) writeRow(f *excelize.File, row int, values []any) {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			continue
		}
		if err := f.SetCellValue(sheetName, cell, v); err != nil {
			e.logger.Warn("Failed to set cell", zap.String("cell", cell), zap.Error(err))
		}
	}
}
