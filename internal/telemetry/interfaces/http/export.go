package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	telemetry "farm-telemetry/internal/telemetry/domain"
)

// BuildReadingsPDF renders a reading history as a table.
func BuildReadingsPDF(deviceID string, from, to time.Time, readings []telemetry.SensorReading) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Sensor Readings")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", deviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("From: %s", from.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("To: %s", to.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Readings: %d", len(readings)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Observed At (UTC)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Sensor", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, reading := range readings {
		pdf.CellFormat(60, 6, reading.ObservedAt.UTC().Format("2006-01-02 15:04:05"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, reading.SensorType, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%.2f", reading.Value), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReadingsXLSX renders a reading history with a summary sheet.
func BuildReadingsXLSX(deviceID string, from, to time.Time, readings []telemetry.SensorReading) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	readingsSheet := "readings"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(readingsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Sensor Readings")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", deviceID)
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", from.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", to.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Readings")
	_ = f.SetCellValue(summarySheet, "B6", len(readings))

	_ = f.SetCellValue(readingsSheet, "A1", "Observed At (UTC)")
	_ = f.SetCellValue(readingsSheet, "B1", "Sensor")
	_ = f.SetCellValue(readingsSheet, "C1", "Value")
	_ = f.SetCellValue(readingsSheet, "D1", "Battery (V)")
	_ = f.SetCellValue(readingsSheet, "E1", "RSSI")
	for i, reading := range readings {
		row := i + 2
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("A%d", row), reading.ObservedAt.UTC().Format(time.RFC3339))
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("B%d", row), reading.SensorType)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("C%d", row), reading.Value)
		if reading.Metadata.BatteryVoltage != nil {
			_ = f.SetCellValue(readingsSheet, fmt.Sprintf("D%d", row), *reading.Metadata.BatteryVoltage)
		}
		if reading.Metadata.RSSI != nil {
			_ = f.SetCellValue(readingsSheet, fmt.Sprintf("E%d", row), *reading.Metadata.RSSI)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
