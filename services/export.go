package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"psamonitor/models"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Historial"

var exportHeader = []string{
	"planta_id", "linea_id", "timestamp", "presion_bar", "temperatura_c",
	"pureza_pct", "flujo_nm3h", "modo", "alarma", "mensaje_alarma", "horas_operacion",
}

func exportRow(r *models.TelemetryReading) []string {
	return []string{
		r.PlantID,
		r.LineID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		formatFloat(r.PressureBar),
		formatFloat(r.TemperatureC),
		formatFloat(r.PurityPct),
		formatFloat(r.FlowNm3h),
		r.Mode,
		strconv.FormatBool(r.Alarm),
		r.AlarmMessage,
		formatFloat(r.OperatingHours),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ExportCSV writes the readings of a plant in [from, to) as CSV. The same
// stored data always produces the same bytes.
func (a *HistoricalAggregator) ExportCSV(ctx context.Context, w io.Writer, plantID string, from, to time.Time) error {
	readings, err := a.History(ctx, plantID, from, to, 0)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range readings {
		if err := cw.Write(exportRow(r)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportXLSX writes the same rows as ExportCSV into a spreadsheet.
func (a *HistoricalAggregator) ExportXLSX(ctx context.Context, w io.Writer, plantID string, from, to time.Time) error {
	readings, err := a.History(ctx, plantID, from, to, 0)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			a.logger.Debug("Failed to close workbook")
		}
	}()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, r := range readings {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			r.PlantID,
			r.LineID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.PressureBar,
			r.TemperatureC,
			r.PurityPct,
			r.FlowNm3h,
			r.Mode,
			r.Alarm,
			r.AlarmMessage,
			r.OperatingHours,
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
