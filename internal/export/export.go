// Package export writes the priority table to an xlsx workbook.
package export

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/priority"
)

const (
	// Category is written on every sheet under the title.
	Category = "Prioritas Koleksi — EDRS (Rule-based)"

	headerRow   = 8
	minColWidth = 10
	maxColWidth = 40
	dateLayout  = "02 January 2006, 15:04 WIB"
)

var wib = time.FixedZone("WIB", 7*60*60)

// Report is everything a workbook is built from.
type Report struct {
	GeneratedAt time.Time
	Table       []domain.ScoredRecord
	Failures    []domain.RecordFailure
	Summary     []domain.BucketSummary

	// TopBuckets each get a sheet of their first TopRows rows.
	TopBuckets []domain.RiskBucket
	TopRows    int

	// HasLabel adds the observed default column.
	HasLabel bool
}

// Write renders the workbook to w.
func Write(w io.Writer, rep *Report) error {
	book, err := build(rep)
	if err != nil {
		return err
	}
	defer book.Close()

	if _, err := book.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// WriteFile renders the workbook to path. The file appears only once it is
// complete; on any failure no partial file is left behind.
func WriteFile(path string, rep *Report) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".edrs-*.xlsx")
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = Write(tmp, rep); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close export file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move export file into place: %w", err)
	}
	return nil
}

// SheetName returns the top sheet name of a bucket.
func SheetName(bucket domain.RiskBucket) string {
	name := "Top_" + strings.ReplaceAll(strings.TrimSpace(string(bucket)), " ", "_")
	for _, r := range `:\/?*[]` {
		name = strings.ReplaceAll(name, string(r), "_")
	}
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

func build(rep *Report) (*excelize.File, error) {
	book := excelize.NewFile()
	w := &sheetWriter{book: book, rep: rep}
	if err := w.styles(); err != nil {
		book.Close()
		return nil, err
	}

	if err := book.SetSheetName(book.GetSheetName(0), "All"); err != nil {
		book.Close()
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	steps := []func() error{
		func() error { return w.table("All", "Status: Priorities EDRS (All Buckets, sorted)", rep.Table) },
	}
	for _, b := range rep.TopBuckets {
		rows := priority.Filter(rep.Table, []domain.RiskBucket{b}, rep.TopRows)
		steps = append(steps, func() error {
			return w.table(SheetName(b), "Status: Top "+string(b), rows)
		})
	}
	steps = append(steps, w.summary, w.failures)

	for _, step := range steps {
		if err := step(); err != nil {
			book.Close()
			return nil, err
		}
	}
	book.SetActiveSheet(0)
	return book, nil
}

type sheetWriter struct {
	book *excelize.File
	rep  *Report

	title, label, text, th, cell int
}

func (w *sheetWriter) styles() error {
	font := func(bold bool, size float64) *excelize.Font {
		return &excelize.Font{Bold: bold, Family: "Calibri", Size: size}
	}
	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
	fill := func(color string) excelize.Fill {
		return excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{color}}
	}

	specs := []struct {
		dst   *int
		style *excelize.Style
	}{
		{&w.title, &excelize.Style{Font: font(true, 14), Fill: fill("C6E0B4"),
			Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center"}}},
		{&w.label, &excelize.Style{Font: font(true, 11), Fill: fill("F2F2F2")}},
		{&w.text, &excelize.Style{Font: font(false, 11)}},
		{&w.th, &excelize.Style{Font: font(true, 11), Fill: fill("F2F2F2"), Border: border}},
		{&w.cell, &excelize.Style{Font: font(false, 11), Border: border}},
	}
	for _, s := range specs {
		id, err := w.book.NewStyle(s.style)
		if err != nil {
			return fmt.Errorf("failed to create style: %w", err)
		}
		*s.dst = id
	}
	return nil
}

// sheet writes a titled header block, column headers on headerRow and rows
// beneath, then sizes columns and freezes the header.
func (w *sheetWriter) sheet(name, title string, headers []string, rows [][]any) error {
	if name != "All" {
		if _, err := w.book.NewSheet(name); err != nil {
			return fmt.Errorf("failed to add sheet %s: %w", name, err)
		}
	}
	b := w.book

	if err := b.MergeCell(name, "A1", "E1"); err != nil {
		return err
	}
	meta := [][2]any{
		{"Tanggal Laporan", w.rep.GeneratedAt.In(wib).Format(dateLayout)},
		{"Total Baris", len(w.rep.Table)},
		{"Kategori", Category},
	}
	if err := b.SetCellValue(name, "A1", title); err != nil {
		return err
	}
	if err := b.SetCellStyle(name, "A1", "E1", w.title); err != nil {
		return err
	}
	for i, m := range meta {
		row := i + 3
		if err := setCell(b, name, 1, row, m[0], w.label); err != nil {
			return err
		}
		if err := setCell(b, name, 2, row, m[1], w.text); err != nil {
			return err
		}
	}

	for j, h := range headers {
		if err := setCell(b, name, j+1, headerRow, h, w.th); err != nil {
			return err
		}
	}
	for i, row := range rows {
		for j, v := range row {
			if err := setCell(b, name, j+1, headerRow+1+i, v, w.cell); err != nil {
				return err
			}
		}
	}

	for j := range headers {
		col, err := excelize.ColumnNumberToName(j + 1)
		if err != nil {
			return err
		}
		if err := b.SetColWidth(name, col, col, columnWidth(rows, j)); err != nil {
			return err
		}
	}

	return b.SetPanes(name, &excelize.Panes{
		Freeze:      true,
		YSplit:      headerRow,
		TopLeftCell: fmt.Sprintf("A%d", headerRow+1),
		ActivePane:  "bottomLeft",
	})
}

func setCell(b *excelize.File, sheet string, col, row int, v any, style int) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := b.SetCellValue(sheet, cell, v); err != nil {
		return fmt.Errorf("failed to write %s!%s: %w", sheet, cell, err)
	}
	return b.SetCellStyle(sheet, cell, cell, style)
}

// columnWidth sizes a column to the 90th percentile of its value lengths.
func columnWidth(rows [][]any, col int) float64 {
	if len(rows) == 0 {
		return minColWidth
	}
	lengths := make([]int, 0, len(rows))
	for _, row := range rows {
		if col < len(row) {
			lengths = append(lengths, utf8.RuneCountInString(fmt.Sprint(row[col])))
		}
	}
	slices.Sort(lengths)
	p90 := lengths[int(math.Floor(0.9*float64(len(lengths)-1)))]
	return float64(min(max(minColWidth, p90+2), maxColWidth))
}

func (w *sheetWriter) table(name, title string, records []domain.ScoredRecord) error {
	headers := []string{
		"ID", "LIMIT BAL", "EDRS score", "Bucket", "Next best action",
		"Count telat 3m", "Count telat 6m", "Max tunggakan 6m", "Ratio bayar last",
		"Bill trend up", "DPD proxy now", "Streak telat 2+", "Narasi hukum", "Pasal",
	}
	if w.rep.HasLabel {
		headers = append(headers, "Default payment next month")
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		f := r.Features
		var limit any = ""
		if r.Account.LimitBalance != nil {
			limit = r.Account.LimitBalance.InexactFloat64()
		}
		var text, action, articles string
		if r.Narrative != nil {
			text = r.Narrative.Text
			action = r.Narrative.NextAction
			articles = strings.Join(r.Narrative.Articles, ", ")
		}
		row := []any{
			r.Account.ID, limit, r.Score, string(r.Bucket), action,
			f.LateCount3M, f.LateCount6M, f.MaxArrears6M, math.Round(f.LastPaymentRatio*1000) / 1000,
			flag(f.BillTrendUp), flag(f.DPDNow), flag(f.LateStreak2Plus), text, articles,
		}
		if w.rep.HasLabel {
			var label any = ""
			if r.Account.Defaulted != nil {
				label = flag(*r.Account.Defaulted)
			}
			row = append(row, label)
		}
		rows = append(rows, row)
	}
	return w.sheet(name, title, headers, rows)
}

func (w *sheetWriter) summary() error {
	headers := []string{"Bucket", "Jumlah nasabah", "Rata-rata skor", "Proporsi bayar <70%", "Proporsi DPD proxy"}
	rows := make([][]any, 0, len(w.rep.Summary))
	for _, s := range w.rep.Summary {
		rows = append(rows, []any{
			string(s.Bucket), s.Count,
			math.Round(s.MeanScore*100) / 100,
			math.Round(s.ShareLowRatio*1000) / 1000,
			math.Round(s.ShareDPDNow*1000) / 1000,
		})
	}
	return w.sheet("Summary", "Status: Ringkasan Bucket", headers, rows)
}

func (w *sheetWriter) failures() error {
	headers := []string{"Baris", "ID", "Jenis", "Kolom", "Alasan"}
	rows := make([][]any, 0, len(w.rep.Failures))
	for _, f := range w.rep.Failures {
		var row any = ""
		if f.Row > 0 {
			row = f.Row
		}
		rows = append(rows, []any{row, f.AccountID, f.Kind, f.Field, f.Reason})
	}
	return w.sheet("Errors", "Status: Baris Gagal Validasi", headers, rows)
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
