package ingest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/opensource-finance/edrs/internal/domain"
)

const uciSample = `ID,LIMIT_BAL,SEX,AGE,PAY_0,PAY_2,PAY_3,PAY_4,PAY_5,PAY_6,BILL_AMT1,BILL_AMT2,BILL_AMT3,PAY_AMT1,PAY_AMT2,PAY_AMT3,default.payment.next.month
1,20000,2,24,2,2,-1,-1,-2,-2,3913,3102,689,0,689,0,1
2,120000,2,26,-1,2,0,0,0,2,2682,1725,2682,0,1000,1000,1
3,90000,2,34,0,0,0,0,0,0,29239,14027,13559,1518,1500,1000,0
`

func TestCanonical(t *testing.T) {
	tests := map[string]string{
		" id ":                       ColID,
		"Limit Bal":                  ColLimit,
		"limit-balance":              ColLimit,
		"LIMIT_BAL":                  ColLimit,
		"Default Payment Next Month": ColLabel,
		"default.payment.next.month": ColLabel,
		"pay_0":                      "PAY_0",
		"Pay 2":                      "PAY_2",
		"bill amt1":                  "BILL_AMT1",
		"PAY_AMT6":                   "PAY_AMT6",
		"EDUCATION":                  "EDUCATION",
		"PAY_7":                      "PAY_7",
	}
	for in, want := range tests {
		assert.Equal(t, want, Canonical(in), "Canonical(%q)", in)
	}
}

func TestReadCSV(t *testing.T) {
	res, err := Read(strings.NewReader(uciSample), FormatCSV)
	require.NoError(t, err)

	assert.Equal(t, FormatCSV, res.Format)
	assert.True(t, res.HasLabel)
	assert.Empty(t, res.Failures)
	require.Len(t, res.Accounts, 3)

	first := res.Accounts[0]
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, 2, first.Row)
	assert.Equal(t, "20000", first.LimitBalance.String())
	require.Len(t, first.RepaymentStatus, 6)
	assert.Equal(t, 2, *first.RepaymentStatus[0])
	assert.Equal(t, -2, *first.RepaymentStatus[5])
	require.Len(t, first.BillAmounts, 3)
	assert.Equal(t, "3913", first.BillAmounts[0].String())
	assert.Equal(t, "0", first.PaymentAmounts[0].String())
	require.NotNil(t, first.Defaulted)
	assert.True(t, *first.Defaulted)
	assert.Equal(t, map[string]string{"SEX": "2", "AGE": "24"}, first.Profile)
	assert.False(t, *res.Accounts[2].Defaulted)
}

func TestReadCSVSemicolonAndBOM(t *testing.T) {
	src := "\xef\xbb\xbf" + strings.ReplaceAll(uciSample, ",", ";")

	res, err := Read(strings.NewReader(src), FormatCSV)
	require.NoError(t, err)
	require.Len(t, res.Accounts, 3)
	assert.Equal(t, "1", res.Accounts[0].ID)
}

func TestReadCSVSchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no id", "LIMIT_BAL,PAY_0,PAY_2,PAY_3,BILL_AMT1,PAY_AMT1\n1,0,0,0,1,1\n", "ID"},
		{"few statuses", "ID,LIMIT_BAL,PAY_0,PAY_2,BILL_AMT1,PAY_AMT1\n1,1,0,0,1,1\n", "PAY_*"},
		{"no bill", "ID,LIMIT_BAL,PAY_0,PAY_2,PAY_3,PAY_AMT1\n1,1,0,0,0,1\n", "BILL_AMT1"},
		{"empty", "", "header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.src), FormatCSV)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrSchema), "expected ErrSchema, got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadCSVRowFailures(t *testing.T) {
	src := "ID,LIMIT_BAL,PAY_0,PAY_2,PAY_3,BILL_AMT1,PAY_AMT1,Unnamed: 0\n" +
		"A1,1000,x,0,0,10,10,\n" +
		"\n" +
		"A2,1000,,0,0,10,10,\n" +
		"A3,1000,1.0,0,0,10,10,\n"

	res, err := Read(strings.NewReader(src), FormatCSV)
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	f := res.Failures[0]
	assert.Equal(t, 2, f.Row)
	assert.Equal(t, "A1", f.AccountID)
	assert.Equal(t, "PAY_0", f.Field)
	assert.Equal(t, domain.FailureParse, f.Kind)

	require.Len(t, res.Accounts, 2)
	assert.Nil(t, res.Accounts[0].RepaymentStatus[0], "blank cells stay blank for validation")
	assert.Equal(t, 1, *res.Accounts[1].RepaymentStatus[0])
	assert.False(t, res.HasLabel)
	assert.NotContains(t, res.Columns, "Unnamed: 0")
}

func TestReadXLSXWithTitleRow(t *testing.T) {
	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	rows := [][]any{
		{"default of credit card clients"},
		{"ID", "LIMIT_BAL", "PAY_0", "PAY_2", "PAY_3", "BILL_AMT1", "PAY_AMT1", "default payment next month"},
		{1, 50000, 1, 0, 0, 1200.5, 100, 0},
		{2.0, 70000, 0, 0, 0, 900, 900, 1},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, book.SetSheetRow(sheet, cell, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, book.Write(&buf))

	res, err := Read(&buf, FormatXLSX)
	require.NoError(t, err)

	require.Len(t, res.Accounts, 2)
	assert.Equal(t, "1", res.Accounts[0].ID)
	assert.Equal(t, 3, res.Accounts[0].Row)
	assert.Equal(t, "1200.5", res.Accounts[0].BillAmounts[0].String())
	assert.Equal(t, "2", res.Accounts[1].ID)
	assert.True(t, res.HasLabel)
}

func TestReadXLSXIgnoresNumberFormats(t *testing.T) {
	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	rows := [][]any{
		{"ID", "LIMIT_BAL", "PAY_0", "PAY_2", "PAY_3", "BILL_AMT1", "PAY_AMT1"},
		{1, 20000, 2, 2, -1, 3913.5, 1250.25},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, book.SetSheetRow(sheet, cell, &row))
	}
	thousands, err := book.NewStyle(&excelize.Style{NumFmt: 3}) // #,##0
	require.NoError(t, err)
	require.NoError(t, book.SetCellStyle(sheet, "B2", "G2", thousands))
	var buf bytes.Buffer
	require.NoError(t, book.Write(&buf))

	res, err := Read(&buf, FormatXLSX)
	require.NoError(t, err)

	assert.Empty(t, res.Failures)
	require.Len(t, res.Accounts, 1)
	acc := res.Accounts[0]
	assert.Equal(t, "20000", acc.LimitBalance.String())
	assert.Equal(t, "3913.5", acc.BillAmounts[0].String())
	assert.Equal(t, "1250.25", acc.PaymentAmounts[0].String())
	assert.Equal(t, 2, *acc.RepaymentStatus[0])
}

func TestDetectFormat(t *testing.T) {
	f, err := DetectFormat("UCI_Credit_Card.CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = DetectFormat("report.xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	for _, name := range []string{"default of credit card clients.xls", "data.parquet", "README"} {
		_, err := DetectFormat(name)
		assert.True(t, errors.Is(err, ErrUnsupportedFormat), name)
	}

	_, err = ParseFormat("XLSX")
	assert.NoError(t, err)
	_, err = ParseFormat("json")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, "12", normalizeID("12.0"))
	assert.Equal(t, "12.5", normalizeID("12.5"))
	assert.Equal(t, "A.0", normalizeID("A.0"))
	assert.Equal(t, "7", normalizeID("7"))
}
