package api

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/narrative"
	"github.com/opensource-finance/edrs/internal/priority"
	"github.com/opensource-finance/edrs/internal/repository"
)

//go:embed templates/*.html
var templateFS embed.FS

type pages struct {
	tmpl *template.Template
}

func newPages() *pages {
	funcs := template.FuncMap{
		"amount": func(d *decimal.Decimal) string {
			if d == nil {
				return "-"
			}
			return narrative.FormatAmount(d.IntPart())
		},
		"status": func(s *int) string {
			if s == nil {
				return "-"
			}
			return fmt.Sprint(*s)
		},
		"score": narrative.FormatScore,
		"rank":  func(i int) int { return i + 1 },
		"pct":   func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
		"label": func(b *bool) string {
			switch {
			case b == nil:
				return "-"
			case *b:
				return "default"
			default:
				return "no default"
			}
		},
		"accountURL": func(runID, accountID string) string {
			return "/ui/accounts/" + url.PathEscape(accountID) + "?run=" + url.QueryEscape(runID)
		},
	}
	return &pages{
		tmpl: template.Must(template.New("pages").Funcs(funcs).ParseFS(templateFS, "templates/*.html")),
	}
}

func (p *pages) render(w http.ResponseWriter, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

type bucketOption struct {
	Bucket   domain.RiskBucket
	Selected bool
}

type indexPage struct {
	TenantID  string
	Version   string
	Scorecard string
	Run       *domain.ScoringRun
	Table     []domain.ScoredRecord
	Buckets   []bucketOption
	Top       int
	Async     bool
	Message   string
}

// Index renders the latest run of the tenant with bucket and top-N filters.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	q := r.URL.Query()

	var selected []domain.RiskBucket
	for _, v := range q["bucket"] {
		selected = append(selected, priority.ParseBuckets(v)...)
	}
	page := indexPage{
		TenantID:  tenantID,
		Version:   h.version,
		Scorecard: h.service.Model().Version(),
		Top:       priority.ParseTopN(q.Get("top"), h.defaultTopN),
		Async:     h.async,
		Message:   q.Get("msg"),
	}
	buckets := h.service.Model().Buckets()

	run, err := h.loadRun(ctx, tenantID, latestRun)
	switch {
	case err == nil:
		page.Run = run
		page.Table = priority.Filter(run.Table, selected, page.Top)
		if len(run.Bands) > 0 {
			buckets = runBuckets(run)
		}
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, errRepoUnavailable):
	default:
		h.renderError(w, err)
		return
	}
	for _, b := range buckets {
		page.Buckets = append(page.Buckets, bucketOption{Bucket: b, Selected: slices.Contains(selected, b)})
	}

	if err := h.pages.render(w, http.StatusOK, "index.html", page); err != nil {
		h.logger.Error("failed to render page", "page", "index", "error", err)
	}
}

// runBuckets lists the buckets a run was scored with, highest risk first.
func runBuckets(run *domain.ScoringRun) []domain.RiskBucket {
	out := make([]domain.RiskBucket, len(run.Bands))
	for i, b := range run.Bands {
		out[len(run.Bands)-1-i] = b.Bucket
	}
	return out
}

// UploadForm accepts the upload form of the index page.
func (h *Handler) UploadForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ds, err := h.readUpload(w, r)
	if err != nil {
		h.renderError(w, err)
		return
	}
	resp, _, err := h.acceptDataset(ctx, GetTenantID(ctx), ds)
	if err != nil {
		h.renderError(w, err)
		return
	}

	msg := fmt.Sprintf("%s scored: run %s", ds.Name, resp.RunID)
	if resp.Status == domain.RunPending {
		msg = fmt.Sprintf("%s queued: run %s", ds.Name, resp.RunID)
	}
	http.Redirect(w, r, "/?msg="+url.QueryEscape(msg), http.StatusSeeOther)
}

type accountPage struct {
	RunID    string
	Record   domain.ScoredRecord
	Profile  []profileField
	Months   []monthRow
	Insight  string
	HasLabel bool
}

type profileField struct {
	Name, Value string
}

type monthRow struct {
	Month   int
	Status  *int
	Bill    *decimal.Decimal
	Payment *decimal.Decimal
}

// AccountPage renders one account of a run, the latest one by default.
func (h *Handler) AccountPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.URL.Query().Get("run")
	if runID == "" {
		runID = latestRun
	}
	run, err := h.loadRun(ctx, GetTenantID(ctx), runID)
	if err != nil {
		h.renderError(w, err)
		return
	}
	rec, ok := priority.Find(run.Table, chi.URLParam(r, "accountID"))
	if !ok {
		h.renderError(w, fmt.Errorf("%w: account %s is not in run %s", repository.ErrNotFound, chi.URLParam(r, "accountID"), run.ID))
		return
	}

	page := accountPage{
		RunID:    run.ID,
		Record:   rec,
		Insight:  h.service.Insight(run, rec),
		HasLabel: run.HasLabel,
	}
	for name, v := range rec.Account.Profile {
		page.Profile = append(page.Profile, profileField{Name: name, Value: v})
	}
	slices.SortFunc(page.Profile, func(a, b profileField) int { return strings.Compare(a.Name, b.Name) })

	acc := rec.Account
	months := max(len(acc.RepaymentStatus), len(acc.BillAmounts), len(acc.PaymentAmounts))
	for i := range months {
		m := monthRow{Month: i + 1}
		if i < len(acc.RepaymentStatus) {
			m.Status = acc.RepaymentStatus[i]
		}
		if i < len(acc.BillAmounts) {
			m.Bill = acc.BillAmounts[i]
		}
		if i < len(acc.PaymentAmounts) {
			m.Payment = acc.PaymentAmounts[i]
		}
		page.Months = append(page.Months, m)
	}

	if err := h.pages.render(w, http.StatusOK, "account.html", page); err != nil {
		h.logger.Error("failed to render page", "page", "account", "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("page failed", "error", err)
		msg = "internal server error"
	}
	data := map[string]any{"Status": status, "Message": msg}
	if rerr := h.pages.render(w, status, "error.html", data); rerr != nil {
		h.logger.Error("failed to render page", "page", "error", "error", rerr)
	}
}
