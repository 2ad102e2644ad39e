package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/edrs/internal/bus"
	"github.com/opensource-finance/edrs/internal/cache"
	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/narrative"
	"github.com/opensource-finance/edrs/internal/pipeline"
	"github.com/opensource-finance/edrs/internal/repository"
	"github.com/opensource-finance/edrs/internal/rules"
)

// The fourth account has no status for the most recent month.
const sample = `ID,LIMIT_BAL,PAY_0,PAY_2,PAY_3,BILL_AMT1,BILL_AMT2,PAY_AMT1,PAY_AMT2,default.payment.next.month
1,20000,2,2,-1,3913,3102,0,689,1
2,120000,-1,2,0,2682,1725,0,1000,1
3,90000,0,0,0,29239,14027,1518,1500,0
4,50000,,0,0,46990,48233,2000,2019,0
`

type fixture struct {
	bus     *bus.ChannelBus
	repo    *repository.SQLRepository
	service *pipeline.Service
	runs    *cache.Runs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })

	repo, err := repository.New(context.Background(), domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if _, err := engine.Load(rules.DefaultScorecard()); err != nil {
		t.Fatalf("failed to load scorecard: %v", err)
	}
	service, err := pipeline.New(engine, narrative.Default())
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	return &fixture{
		bus:     eventBus,
		repo:    repo,
		service: service,
		runs:    cache.NewRuns(cache.NewLRUCache(16), time.Minute),
	}
}

func (f *fixture) start(t *testing.T, tenants ...string) *Worker {
	t.Helper()
	w := NewWorker(f.bus, f.repo, f.service, f.runs, nil)
	if err := w.Start(Config{TenantIDs: tenants}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

// await returns the first event published on topic.
func (f *fixture) await(t *testing.T, tenantID, topic string) <-chan domain.RunEvent {
	t.Helper()
	ch := make(chan domain.RunEvent, 1)
	_, err := f.bus.Subscribe(context.Background(), tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		var event domain.RunEvent
		if err := bus.Decode(msg, &event); err != nil {
			return err
		}
		select {
		case ch <- event:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return ch
}

func wait(t *testing.T, ch <-chan domain.RunEvent) domain.RunEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for run event")
		return domain.RunEvent{}
	}
}

func TestWorkerStartAndStop(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.bus, f.repo, f.service, nil, nil)

	if err := w.Start(Config{}); err == nil {
		t.Error("expected error without tenants")
	}

	if err := w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}
	for _, topic := range stats.Topics {
		if topic != domain.TopicDatasetUploaded {
			t.Errorf("unexpected topic %s", topic)
		}
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if stats := w.GetStats(); stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerScoresDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	f.start(t, tenantID)
	completed := f.await(t, tenantID, domain.TopicRunCompleted)

	ds := &domain.Dataset{ID: "ds-1", Name: "uci.csv", Format: "csv", Content: []byte(sample)}
	if err := f.repo.SaveDataset(ctx, tenantID, ds); err != nil {
		t.Fatalf("SaveDataset failed: %v", err)
	}

	event := domain.DatasetUploaded{DatasetID: "ds-1", RunID: "run-async"}
	if err := bus.PublishJSON(ctx, f.bus, tenantID, domain.TopicDatasetUploaded, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := wait(t, completed)
	if got.RunID != "run-async" || got.DatasetID != "ds-1" {
		t.Errorf("unexpected completion event: %+v", got)
	}
	if got.Scored != 3 || got.Failed != 1 {
		t.Errorf("expected 3 scored and 1 failed, got %d and %d", got.Scored, got.Failed)
	}

	run, err := f.repo.GetRun(ctx, tenantID, "run-async")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Errorf("expected completed run, got %s", run.Status)
	}
	if !run.HasLabel {
		t.Error("expected labelled run")
	}
	if len(run.Failures) != 1 || run.Failures[0].AccountID != "4" || run.Failures[0].Kind != domain.FailureValidation {
		t.Errorf("unexpected failures: %+v", run.Failures)
	}

	cached, err := f.runs.Get(ctx, tenantID, "run-async")
	if err != nil || cached == nil {
		t.Fatalf("expected cached run, got %v, %v", cached, err)
	}
	if len(cached.Table) != 3 {
		t.Errorf("expected 3 cached records, got %d", len(cached.Table))
	}
}

func TestWorkerReportsUnreadableDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	f.start(t, tenantID)
	failed := f.await(t, tenantID, domain.TopicRunFailed)

	ds := &domain.Dataset{ID: "ds-bad", Name: "bad.csv", Format: "csv", Content: []byte("foo,bar\n1,2\n")}
	if err := f.repo.SaveDataset(ctx, tenantID, ds); err != nil {
		t.Fatalf("SaveDataset failed: %v", err)
	}
	event := domain.DatasetUploaded{DatasetID: "ds-bad", RunID: "run-bad"}
	if err := bus.PublishJSON(ctx, f.bus, tenantID, domain.TopicDatasetUploaded, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := wait(t, failed)
	if got.RunID != "run-bad" || got.Error == "" {
		t.Errorf("unexpected failure event: %+v", got)
	}

	run, err := f.repo.GetRun(ctx, tenantID, "run-bad")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunFailed || run.Error == "" {
		t.Errorf("expected failed run with error, got %s %q", run.Status, run.Error)
	}
}

func TestWorkerMissingDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "tenant-001")
	failed := f.await(t, "tenant-001", domain.TopicRunFailed)

	event := domain.DatasetUploaded{DatasetID: "absent"}
	if err := bus.PublishJSON(ctx, f.bus, "tenant-001", domain.TopicDatasetUploaded, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := wait(t, failed)
	if got.DatasetID != "absent" || got.Error == "" {
		t.Errorf("unexpected failure event: %+v", got)
	}
}

func TestWorkerTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, "tenant-a")
	failed := f.await(t, "tenant-a", domain.TopicRunFailed)

	// The dataset belongs to tenant-b, which tenant-a's upload cannot see.
	ds := &domain.Dataset{ID: "ds-b", Name: "b.csv", Format: "csv", Content: []byte(sample)}
	if err := f.repo.SaveDataset(ctx, "tenant-b", ds); err != nil {
		t.Fatalf("SaveDataset failed: %v", err)
	}
	_ = bus.PublishJSON(ctx, f.bus, "tenant-a", domain.TopicDatasetUploaded, domain.DatasetUploaded{DatasetID: "ds-b"})

	got := wait(t, failed)
	if got.DatasetID != "ds-b" {
		t.Errorf("unexpected failure event: %+v", got)
	}
}
