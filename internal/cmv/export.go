package cmv

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "CMV"

// WriteWorkbook renders periods as a spreadsheet with one column per week
// and one row per registry field, in registry order.
func WriteWorkbook(w io.Writer, periods []Period, tolerance decimal.Decimal) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("cmv: export: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("cmv: export: %w", err)
	}

	set := func(col, row int, value any) error {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		return f.SetCellValue(exportSheet, cell, value)
	}

	if err := set(1, 1, "Indicador"); err != nil {
		return fmt.Errorf("cmv: export: %w", err)
	}
	for i, p := range periods {
		if err := set(i+2, 1, p.Range().String()); err != nil {
			return fmt.Errorf("cmv: export: %w", err)
		}
	}

	row := 2
	for _, spec := range registry {
		if err := set(1, row, spec.Label); err != nil {
			return fmt.Errorf("cmv: export: %w", err)
		}
		for i := range periods {
			v, ok := spec.Get(&periods[i])
			var cell any
			if ok {
				cell = v.InexactFloat64()
			}
			if err := set(i+2, row, cell); err != nil {
				return fmt.Errorf("cmv: export: %w", err)
			}
		}
		row++
	}

	trailer := []struct {
		label string
		value func(Period) string
	}{
		{"Classificação do gap", func(p Period) string { return string(ClassifyGap(p.GapPct, tolerance)) }},
		{"Status", func(p Period) string { return string(p.Status) }},
		{"Responsável", func(p Period) string { return p.Responsible }},
		{"Observações", func(p Period) string { return p.Notes }},
	}
	for _, t := range trailer {
		if err := set(1, row, t.label); err != nil {
			return fmt.Errorf("cmv: export: %w", err)
		}
		for i, p := range periods {
			if err := set(i+2, row, t.value(p)); err != nil {
				return fmt.Errorf("cmv: export: %w", err)
			}
		}
		row++
	}

	last, _ := excelize.CoordinatesToCellName(len(periods)+1, 1)
	if err := f.SetCellStyle(exportSheet, "A1", last, bold); err != nil {
		return fmt.Errorf("cmv: export: %w", err)
	}
	if err := f.SetColWidth(exportSheet, "A", "A", 34); err != nil {
		return fmt.Errorf("cmv: export: %w", err)
	}
	return f.Write(w)
}
