package ingest

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/opensource-finance/edrs/internal/domain"
)

// Canonical column names.
const (
	ColID    = "ID"
	ColLimit = "LIMIT_BAL"
	ColLabel = "default.payment.next.month"
)

var (
	separators = regexp.MustCompile(`[\s.\-_]+`)
	statusCol  = regexp.MustCompile(`^pay([0-6])$`)
	billCol    = regexp.MustCompile(`^billamt([1-6])$`)
	paymentCol = regexp.MustCompile(`^payamt([1-6])$`)
)

// Canonical maps a raw header to its canonical column name. Headers that
// are not scoring columns are returned trimmed but otherwise unchanged.
func Canonical(header string) string {
	s := strings.TrimSpace(header)
	norm := strings.ToLower(separators.ReplaceAllString(s, ""))

	switch norm {
	case "id":
		return ColID
	case "limitbal", "limitbalance", "limitamount", "limit":
		return ColLimit
	case "defaultpaymentnextmonth", "defaultpayment":
		return ColLabel
	}
	if m := statusCol.FindStringSubmatch(norm); m != nil {
		return "PAY_" + m[1]
	}
	if m := billCol.FindStringSubmatch(norm); m != nil {
		return "BILL_AMT" + m[1]
	}
	if m := paymentCol.FindStringSubmatch(norm); m != nil {
		return "PAY_AMT" + m[1]
	}
	return s
}

// layout records where each scoring column sits in a header row.
type layout struct {
	columns  []string
	id       int
	limit    int
	label    int
	statuses []int
	bills    []int
	payments []int
	profile  map[int]string
	names    map[int]string
}

type indexed struct {
	month int
	col   int
}

func newLayout(header []string) layout {
	l := layout{id: -1, limit: -1, label: -1, profile: map[int]string{}, names: map[int]string{}}
	var statuses, bills, payments []indexed

	for i, raw := range header {
		name := Canonical(raw)
		if name == "" || strings.HasPrefix(name, "Unnamed") {
			continue
		}
		l.columns = append(l.columns, name)
		l.names[i] = name

		switch {
		case name == ColID:
			l.id = i
		case name == ColLimit:
			l.limit = i
		case name == ColLabel:
			l.label = i
		case strings.HasPrefix(name, "PAY_AMT"):
			payments = append(payments, indexed{month: monthOf(name, "PAY_AMT"), col: i})
		case strings.HasPrefix(name, "BILL_AMT"):
			bills = append(bills, indexed{month: monthOf(name, "BILL_AMT"), col: i})
		case len(name) == len("PAY_0") && strings.HasPrefix(name, "PAY_") && name[4] >= '0' && name[4] <= '6':
			statuses = append(statuses, indexed{month: monthOf(name, "PAY_"), col: i})
		default:
			l.profile[i] = name
		}
	}

	l.statuses = ordered(statuses)
	l.bills = ordered(bills)
	l.payments = ordered(payments)
	return l
}

func monthOf(name, prefix string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(name, prefix))
	return n
}

// ordered returns column positions most recent month first.
func ordered(cols []indexed) []int {
	slices.SortFunc(cols, func(a, b indexed) int { return a.month - b.month })
	out := make([]int, len(cols))
	for i, c := range cols {
		out[i] = c.col
	}
	return out
}

func (l layout) has(name string) bool {
	return slices.Contains(l.columns, name)
}

// check reports the first schema problem of the layout.
func (l layout) check() error {
	for _, c := range []string{ColID, ColLimit} {
		if !l.has(c) {
			return fmt.Errorf("%w: column %s is required", domain.ErrSchema, c)
		}
	}
	if len(l.statuses) < domain.MinHistoryMonths {
		return fmt.Errorf("%w: need at least %d PAY_* columns, found %d",
			domain.ErrSchema, domain.MinHistoryMonths, len(l.statuses))
	}
	if !l.has("BILL_AMT1") || !l.has("PAY_AMT1") {
		return fmt.Errorf("%w: columns BILL_AMT1 and PAY_AMT1 are required", domain.ErrSchema)
	}
	return nil
}
