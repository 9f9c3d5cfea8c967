package writer

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"pricewatch/models"
)

// maxSheetName is Excel's limit on sheet title length.
const maxSheetName = 31

var xlsxHeader = []interface{}{"date", "product", "price", "shop", "url"}

// ExportXLSX writes one sheet per store, in the order given, to path.
func ExportXLSX(path string, stores map[string][]models.PriceRecord, order []string) error {
	f := excelize.NewFile()
	defer f.Close()

	priceStyle, err := f.NewStyle(&excelize.Style{NumFmt: 2})
	if err != nil {
		return err
	}
	dateStyle, err := f.NewStyle(&excelize.Style{NumFmt: 22})
	if err != nil {
		return err
	}

	for i, id := range order {
		sheet := id
		if len(sheet) > maxSheetName {
			sheet = sheet[:maxSheetName]
		}
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("add sheet %s: %w", sheet, err)
		}

		if err := f.SetSheetRow(sheet, "A1", &xlsxHeader); err != nil {
			return err
		}
		records := stores[id]
		for r, rec := range records {
			cell, _ := excelize.CoordinatesToCellName(1, r+2)
			price, _ := rec.Price.Float64()
			row := []interface{}{rec.Date, rec.Product, price, rec.Shop, rec.URL}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				return fmt.Errorf("write %s row %d: %w", sheet, r+2, err)
			}
		}
		if last := len(records) + 1; last > 1 {
			if err := f.SetCellStyle(sheet, "A2", fmt.Sprintf("A%d", last), dateStyle); err != nil {
				return err
			}
			if err := f.SetCellStyle(sheet, "C2", fmt.Sprintf("C%d", last), priceStyle); err != nil {
				return err
			}
		}
		if err := f.SetColWidth(sheet, "A", "B", 24); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
