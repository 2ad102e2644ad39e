package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/opensource-finance/edrs/internal/domain"
)

var generated = time.Date(2025, time.March, 4, 2, 30, 0, 0, time.UTC)

func scored(id string, score float64, bucket domain.RiskBucket) domain.ScoredRecord {
	limit := decimal.NewFromInt(100000)
	return domain.ScoredRecord{
		Account: domain.Account{ID: id, LimitBalance: &limit},
		Score:   score,
		Bucket:  bucket,
		Narrative: &domain.Narrative{
			Text:       "Narasi " + id,
			Articles:   []string{"1238", "1243"},
			NextAction: "Telepon hari ini",
		},
	}
}

func open(t *testing.T, buf *bytes.Buffer) *excelize.File {
	t.Helper()
	book, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	t.Cleanup(func() { book.Close() })
	return book
}

func cell(t *testing.T, book *excelize.File, sheet, ref string) string {
	t.Helper()
	v, err := book.GetCellValue(sheet, ref)
	require.NoError(t, err)
	return v
}

func TestWriteWorkbook(t *testing.T) {
	rep := &Report{
		GeneratedAt: generated,
		Table: []domain.ScoredRecord{
			scored("A1", 60, domain.BucketHigh),
			scored("B2", 40, "Medium"),
		},
		Failures: []domain.RecordFailure{
			{Row: 4, AccountID: "C3", Kind: domain.FailureValidation, Field: "repaymentStatus[0]", Reason: "most recent repayment status is missing"},
		},
		Summary:    []domain.BucketSummary{{Bucket: domain.BucketHigh, Count: 1, MeanScore: 60}},
		TopBuckets: []domain.RiskBucket{domain.BucketVeryHigh, domain.BucketHigh},
		TopRows:    200,
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rep))
	book := open(t, &buf)

	assert.Equal(t, []string{"All", "Top_Very_High", "Top_High", "Summary", "Errors"}, book.GetSheetList())

	assert.Equal(t, "Status: Priorities EDRS (All Buckets, sorted)", cell(t, book, "All", "A1"))
	assert.Equal(t, "Tanggal Laporan", cell(t, book, "All", "A3"))
	assert.Equal(t, "04 March 2025, 09:30 WIB", cell(t, book, "All", "B3"))
	assert.Equal(t, "2", cell(t, book, "All", "B4"))
	assert.Equal(t, Category, cell(t, book, "All", "B5"))

	assert.Equal(t, "ID", cell(t, book, "All", "A8"))
	assert.Equal(t, "EDRS score", cell(t, book, "All", "C8"))
	assert.Equal(t, "Narasi hukum", cell(t, book, "All", "M8"))
	assert.Equal(t, "A1", cell(t, book, "All", "A9"))
	assert.Equal(t, "60", cell(t, book, "All", "C9"))
	assert.Equal(t, "High", cell(t, book, "All", "D9"))
	assert.Equal(t, "Telepon hari ini", cell(t, book, "All", "E9"))
	assert.Equal(t, "Narasi A1", cell(t, book, "All", "M9"))
	assert.Equal(t, "1238, 1243", cell(t, book, "All", "N9"))
	assert.Equal(t, "B2", cell(t, book, "All", "A10"))

	assert.Equal(t, "", cell(t, book, "Top_Very_High", "A9"))
	assert.Equal(t, "A1", cell(t, book, "Top_High", "A9"))
	assert.Equal(t, "", cell(t, book, "Top_High", "A10"))

	assert.Equal(t, "Jumlah nasabah", cell(t, book, "Summary", "B8"))
	assert.Equal(t, "High", cell(t, book, "Summary", "A9"))

	assert.Equal(t, "4", cell(t, book, "Errors", "A9"))
	assert.Equal(t, "C3", cell(t, book, "Errors", "B9"))
	assert.Equal(t, "repaymentStatus[0]", cell(t, book, "Errors", "D9"))

	panes, err := book.GetPanes("All")
	require.NoError(t, err)
	assert.True(t, panes.Freeze)
	assert.Equal(t, 8, panes.YSplit)
}

func TestWriteEmptyTableHasHeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Report{GeneratedAt: generated}))
	book := open(t, &buf)

	rows, err := book.GetRows("All")
	require.NoError(t, err)
	require.Len(t, rows, headerRow)
	assert.Equal(t, "ID", rows[headerRow-1][0])
	assert.Equal(t, "0", cell(t, book, "All", "B4"))
}

func TestLabelColumn(t *testing.T) {
	rec := scored("1", 10, domain.BucketLow)
	yes := true
	rec.Account.Defaulted = &yes

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Report{GeneratedAt: generated, Table: []domain.ScoredRecord{rec}, HasLabel: true}))
	book := open(t, &buf)

	assert.Equal(t, "Default payment next month", cell(t, book, "All", "O8"))
	assert.Equal(t, "1", cell(t, book, "All", "O9"))
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.xlsx")

	require.NoError(t, WriteFile(path, &Report{GeneratedAt: generated, Table: []domain.ScoredRecord{scored("1", 1, domain.BucketLow)}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "report.xlsx", entries[0].Name())

	book, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer book.Close()
	v, err := book.GetCellValue("All", "A9")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestWriteFileFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "taken")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), []byte("x"), 0o644))

	err := WriteFile(target, &Report{GeneratedAt: generated})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "taken", entries[0].Name())
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "Top_Very_High", SheetName(domain.BucketVeryHigh))
	assert.Equal(t, "Top_a_b", SheetName("a/b"))
	assert.Len(t, SheetName("an extremely long bucket name that overflows"), 31)
}

func TestColumnWidth(t *testing.T) {
	assert.Equal(t, float64(minColWidth), columnWidth(nil, 0))
	assert.Equal(t, float64(maxColWidth), columnWidth([][]any{{string(make([]byte, 80))}}, 0))
	assert.Equal(t, float64(14), columnWidth([][]any{{"123456789012"}}, 0))
}
