package xlsxgen

import (
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"
)

// WriteTemplate materializes the canonical ŞABLON template at path. Used at
// startup when no template file is present; the renderer always validates the
// on-disk file afterwards.
func WriteTemplate(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(TemplateSheet)
	if err != nil {
		return fmt.Errorf("create template sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	headers := []string{
		"Malzeme", "Boy", "En", "Adet", "Yön", "Pay",
		"Bant Üst", "Bant Alt", "Bant Sol", "Bant Sağ", "Açıklama", "Delik",
	}
	for col, tag := range CanonicalTags {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetCellValue(TemplateSheet, cell, tag); err != nil {
			return fmt.Errorf("set tag cell: %w", err)
		}
		cell, err = excelize.CoordinatesToCellName(col+1, 2)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetCellValue(TemplateSheet, cell, headers[col]); err != nil {
			return fmt.Errorf("set header cell: %w", err)
		}
	}

	tmp := path + ".tmp.xlsx"
	if err := f.SaveAs(tmp); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize template: %w", err)
	}
	return nil
}
