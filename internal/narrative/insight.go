package narrative

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/opensource-finance/edrs/internal/domain"
)

// English digit grouping: 1,000,000.
var printer = message.NewPrinter(language.English)

const (
	edrsDefinition = "EDRS (Early Delinquency Risk Score) adalah skor aturan untuk mengestimasi risiko " +
		"keterlambatan dini. Skor tinggi menandakan risiko menunggak lebih besar."
	limitDefinition = "LIMIT BAL adalah batas kredit aktif yang disetujui untuk nasabah. " +
		"Semakin besar limit, eksposur potensi kerugian lebih tinggi meskipun skor risiko tetap " +
		"ditentukan oleh perilaku bayar dan indikator lain."
	rescheduleDefinition = "Reschedule yang dimaksud adalah penjadwalan ulang secara ringan untuk membantu " +
		"pemulihan kedisiplinan bayar. Contohnya memajukan atau memundurkan tanggal bayar " +
		"pada bulan berjalan, membuat rencana cicilan atas tunggakan, atau penyesuaian jangka " +
		"pendek lain. Bila kendala berlanjut, evaluasi restrukturisasi yang lebih formal dapat dipertimbangkan."
)

// Insight summarizes the facts behind a scored record in Indonesian. It only
// restates values already on the record.
func Insight(rec domain.ScoredRecord, bands []domain.BucketBand) string {
	f := rec.Features

	limit := "tidak tercatat"
	if rec.Account.LimitBalance != nil {
		limit = FormatAmount(rec.Account.LimitBalance.IntPart())
	}
	pct := "dalam kisaran umum portofolio"
	if rec.LimitPercentile > 0 {
		pct = fmt.Sprintf("lebih tinggi daripada sekitar %.0f%% pelanggan", rec.LimitPercentile)
	}
	trend := "stabil"
	if f.BillTrendUp {
		trend = "meningkat"
	}
	action := "belum tersedia"
	if rec.Narrative != nil {
		action = rec.Narrative.NextAction
	}

	lines := []string{
		fmt.Sprintf("ID %s memiliki limit kredit aktif (LIMIT_BAL) sebesar %s. Nilai limit ini %s.", rec.Account.ID, limit, pct),
		fmt.Sprintf("Dalam enam bulan terakhir terjadi %d keterlambatan dengan %d kejadian pada tiga bulan terakhir.",
			f.LateCount6M, f.LateCount3M),
		fmt.Sprintf("Keterlambatan terlama tercatat %d bulan.", f.MaxArrears6M),
		fmt.Sprintf("Tren tagihan %s dan %s.", trend, RatioText(f.LastPaymentRatio)),
		fmt.Sprintf("Nasabah tergolong %s dengan EDRS score %s.", rec.Bucket, FormatScore(rec.Score)),
		edrsDefinition + " " + bandDefinition(bands),
		limitDefinition,
		fmt.Sprintf("Rekomendasi saat ini adalah %s. %s", action, rescheduleDefinition),
	}
	return strings.Join(lines, " ")
}

// RatioText describes the last payment ratio.
func RatioText(ratio float64) string {
	if ratio < 1e-6 {
		return "rasio pembayaran terakhir tidak ada"
	}
	return fmt.Sprintf("rasio pembayaran terakhir sekitar %.0f%% dari tagihan terakhir", ratio*100)
}

// FormatAmount renders an integer amount with thousands separators.
func FormatAmount(v int64) string {
	return printer.Sprintf("%d", v)
}

// FormatScore renders a score without trailing zeros.
func FormatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func bandDefinition(bands []domain.BucketBand) string {
	if len(bands) == 0 {
		return ""
	}
	parts := make([]string, len(bands))
	for i, b := range bands {
		parts[i] = fmt.Sprintf("%s mulai %s", b.Bucket, FormatScore(b.Lower))
	}
	list := parts[0]
	if n := len(parts); n > 1 {
		list = strings.Join(parts[:n-1], ", ") + ", dan " + parts[n-1]
	}
	return fmt.Sprintf("Kisaran skor %s hingga %s dengan batas kategori %s.",
		FormatScore(domain.MinScore), FormatScore(domain.MaxScore), list)
}
