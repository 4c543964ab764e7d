package http

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"citysense-cloud/internal/observability/metrics"
	telemetry "citysense-cloud/internal/telemetry/domain"
)

// exportColumns is the download column order, matching the query projection.
var exportColumns = []string{
	"id", "sensor_id", "sensor_type", "street_id", "recorded_at",
	"latitude", "longitude", "altitude", "district", "neighborhood",
	"temp", "humid", "aqi", "lux", "sound_db", "atmhpa", "uv_index",
	"bsec_status", "iaq", "static_iaq", "co2_eq", "breath_voc_eq",
	"raw_temperature", "raw_humidity", "pressure_hpa", "gas_resistance_ohm",
	"gas_percentage", "stabilization_status", "run_in_status",
	"sensor_heat_comp_temp", "sensor_heat_comp_hum",
}

// pdfColumns keeps the PDF table readable on A4 landscape.
var pdfColumns = []string{
	"sensor_id", "street_id", "recorded_at", "temp", "humid", "aqi",
	"lux", "sound_db", "atmhpa", "uv_index",
}

func cellString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// BuildReadingsCSV renders query rows as CSV with a header row.
func BuildReadingsCSV(rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(exportColumns); err != nil {
		return nil, err
	}
	record := make([]string, len(exportColumns))
	for _, row := range rows {
		for i, column := range exportColumns {
			record[i] = cellString(row[column])
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReadingsXLSX renders query rows as a single-sheet workbook.
func BuildReadingsXLSX(rows []map[string]any) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "readings"
	f.SetSheetName("Sheet1", sheet)

	for i, column := range exportColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, column)
	}
	for r, row := range rows {
		for i, column := range exportColumns {
			cell, err := excelize.CoordinatesToCellName(i+1, r+2)
			if err != nil {
				return nil, err
			}
			if value := row[column]; value != nil {
				_ = f.SetCellValue(sheet, cell, value)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReadingsPDF renders a compact landscape table of the main columns.
func BuildReadingsPDF(rows []map[string]any) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 10)
	pdf.AddPage()

	pdf.Cell(0, 8, "Sensor Readings")
	pdf.Ln(10)

	width := 277.0 / float64(len(pdfColumns))
	pdf.SetFont("Arial", "B", 8)
	for _, column := range pdfColumns {
		pdf.CellFormat(width, 6, column, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, row := range rows {
		for _, column := range pdfColumns {
			pdf.CellFormat(width, 6, cellString(row[column]), "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportHandler serves GET /admin/readings/export. It accepts the same
// query parameters as the readings surface plus format=csv|xlsx|pdf.
type ExportHandler struct {
	query telemetry.ReadingQuery
}

// NewExportHandler constructs the handler.
func NewExportHandler(query telemetry.ReadingQuery) (*ExportHandler, error) {
	if query == nil {
		return nil, errors.New("export handler: nil query")
	}
	return &ExportHandler{query: query}, nil
}

func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}

	params, err := parseReadingQuery(r.URL.Query())
	if err != nil {
		metrics.IncQuery("client_error")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.query.Query(r.Context(), params)
	if err != nil {
		if clientError(err) {
			metrics.IncQuery("client_error")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		metrics.IncQuery("error")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	metrics.IncQuery("success")

	var body []byte
	var contentType, filename string
	switch format {
	case "csv":
		body, err = BuildReadingsCSV(rows)
		contentType, filename = "text/csv", "readings.csv"
	case "xlsx":
		body, err = BuildReadingsXLSX(rows)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		filename = "readings.xlsx"
	case "pdf":
		body, err = BuildReadingsPDF(rows)
		contentType, filename = "application/pdf", "readings.pdf"
	default:
		writeError(w, http.StatusBadRequest, "unknown format")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export rendering failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	_, _ = w.Write(body)
}
