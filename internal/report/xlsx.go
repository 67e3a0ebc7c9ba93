package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"classroll/internal/model"
)

const sheetName = "Attendance"

// WriteXLSX renders r as a single sheet workbook with a styled header row
// and ABSENT cells highlighted.
func (r Report) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	absentStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "#C00000"},
	})
	if err != nil {
		return fmt.Errorf("absent style: %w", err)
	}

	cols := r.Columns()
	if err := f.SetSheetRow(sheetName, "A1", &cols); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	last := colName(len(cols) - 1)
	_ = f.SetCellStyle(sheetName, "A1", last+"1", headerStyle)
	_ = f.SetColWidth(sheetName, "A", "B", 18)
	if len(cols) > 2 {
		_ = f.SetColWidth(sheetName, "C", last, 16)
	}

	for i, row := range r.Rows() {
		line := i + 2
		start, _ := excelize.CoordinatesToCellName(1, line)
		if err := f.SetSheetRow(sheetName, start, &row); err != nil {
			return fmt.Errorf("write row %d: %w", line, err)
		}
		for j, v := range row {
			if v != string(model.StatusAbsent) {
				continue
			}
			c, _ := excelize.CoordinatesToCellName(j+1, line)
			_ = f.SetCellStyle(sheetName, c, c, absentStyle)
		}
	}

	_ = f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}
