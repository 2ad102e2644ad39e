// Package ingest reads uploaded collection datasets into account records.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/opensource-finance/edrs/internal/domain"
)

// Format is an input file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for file types that cannot be read.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Result is a parsed dataset. Rows whose cells could not be parsed are
// reported in Failures instead of Accounts.
type Result struct {
	Format   Format                 `json:"format"`
	Columns  []string               `json:"columns"`
	HasLabel bool                   `json:"hasLabel"`
	Accounts []domain.Account       `json:"accounts"`
	Failures []domain.RecordFailure `json:"failures"`
}

// DetectFormat picks the format from a file name.
func DetectFormat(name string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case "":
		return "", fmt.Errorf("%w: file %q has no extension", ErrUnsupportedFormat, name)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// ParseFormat validates an explicit format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
	}
}

// ReadFile opens path and reads it with the format implied by its name.
func ReadFile(path string) (*Result, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	return Read(f, format)
}

// Read parses a dataset.
func Read(r io.Reader, format Format) (*Result, error) {
	var (
		rows      [][]string
		headerRow int
		err       error
	)
	switch format {
	case FormatCSV:
		rows, err = readCSV(r)
	case FormatXLSX:
		rows, headerRow, err = readXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) <= headerRow {
		return nil, fmt.Errorf("%w: file has no header row", domain.ErrSchema)
	}

	res, err := parseTable(rows[headerRow:], headerRow)
	if err != nil {
		return nil, err
	}
	res.Format = format
	return res, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	rows, err := decodeCSV(data, ',')
	if err == nil && len(rows) > 0 && len(rows[0]) > 1 {
		return rows, nil
	}
	// Locale exports often use semicolons.
	semi, semiErr := decodeCSV(data, ';')
	if semiErr == nil {
		return semi, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return rows, nil
}

func decodeCSV(data []byte, comma rune) ([][]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

// readXLSX returns the rows of the first sheet and which row holds the
// header. Some published workbooks put a title above the header.
func readXLSX(r io.Reader) ([][]string, int, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, 0, fmt.Errorf("%w: workbook has no sheets", domain.ErrSchema)
	}
	// Raw values, so number formats like #,##0 neither add separators nor round.
	rows, err := book.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}

	for hdr := 0; hdr <= 1 && hdr < len(rows); hdr++ {
		l := newLayout(rows[hdr])
		if l.has(ColID) && l.has(ColLimit) {
			return rows, hdr, nil
		}
	}
	return rows, 0, nil
}

// parseTable converts rows, the first of which is the header. offset is the
// number of rows above the header in the source file.
func parseTable(rows [][]string, offset int) (*Result, error) {
	l := newLayout(rows[0])
	if err := l.check(); err != nil {
		return nil, err
	}

	res := &Result{
		Columns:  l.columns,
		HasLabel: l.label >= 0,
		Accounts: make([]domain.Account, 0, len(rows)-1),
	}
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		// 1-based row number as shown by spreadsheet tools.
		line := offset + i + 2
		acc, failure := l.parseRow(row, line)
		if failure != nil {
			res.Failures = append(res.Failures, *failure)
			continue
		}
		res.Accounts = append(res.Accounts, acc)
	}
	return res, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (l layout) parseRow(row []string, line int) (domain.Account, *domain.RecordFailure) {
	cell := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	acc := domain.Account{ID: normalizeID(cell(l.id)), Row: line}
	fail := func(col int, err error) *domain.RecordFailure {
		return &domain.RecordFailure{
			Row:       line,
			AccountID: acc.ID,
			Kind:      domain.FailureParse,
			Field:     l.names[col],
			Reason:    err.Error(),
		}
	}

	var err error
	if acc.LimitBalance, err = parseDecimal(cell(l.limit)); err != nil {
		return acc, fail(l.limit, err)
	}
	for _, col := range l.statuses {
		v, err := parseInt(cell(col))
		if err != nil {
			return acc, fail(col, err)
		}
		acc.RepaymentStatus = append(acc.RepaymentStatus, v)
	}
	for _, col := range l.bills {
		v, err := parseDecimal(cell(col))
		if err != nil {
			return acc, fail(col, err)
		}
		acc.BillAmounts = append(acc.BillAmounts, v)
	}
	for _, col := range l.payments {
		v, err := parseDecimal(cell(col))
		if err != nil {
			return acc, fail(col, err)
		}
		acc.PaymentAmounts = append(acc.PaymentAmounts, v)
	}
	if l.label >= 0 {
		if acc.Defaulted, err = parseLabel(cell(l.label)); err != nil {
			return acc, fail(l.label, err)
		}
	}
	for col, name := range l.profile {
		if v := cell(col); v != "" {
			if acc.Profile == nil {
				acc.Profile = make(map[string]string, len(l.profile))
			}
			acc.Profile[name] = v
		}
	}
	return acc, nil
}

// normalizeID strips the ".0" spreadsheets append to integer identifiers.
func normalizeID(s string) string {
	if whole, frac, ok := strings.Cut(s, "."); ok && strings.Trim(frac, "0") == "" && whole != "" {
		if _, err := strconv.ParseUint(whole, 10, 64); err == nil {
			return whole
		}
	}
	return s
}

func parseDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("%q is not a number", s)
	}
	return &d, nil
}

func parseInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return &v, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	v := int(d.IntPart())
	return &v, nil
}

func parseLabel(s string) (*bool, error) {
	var v bool
	switch strings.ToLower(s) {
	case "":
		return nil, nil
	case "1", "1.0", "true", "yes", "ya":
		v = true
	case "0", "0.0", "false", "no", "tidak":
		v = false
	default:
		return nil, fmt.Errorf("%q is not a default label", s)
	}
	return &v, nil
}
