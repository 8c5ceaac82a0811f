package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/internal/testutil"
	"github.com/Sternrassler/nft-collection-archiver/pkg/asset"
	"github.com/Sternrassler/nft-collection-archiver/pkg/client"
	"github.com/Sternrassler/nft-collection-archiver/pkg/jobstore"
	"github.com/Sternrassler/nft-collection-archiver/pkg/pagination"
	"github.com/Sternrassler/nft-collection-archiver/pkg/provider"
	"github.com/Sternrassler/nft-collection-archiver/pkg/ratelimit"
	"github.com/Sternrassler/nft-collection-archiver/pkg/staging"
	"github.com/Sternrassler/nft-collection-archiver/pkg/storage"
)

const testCollection = "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d"

// sleepRecorder records every requested sleep without sleeping.
type sleepRecorder struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations = append(r.durations, d)
	return nil
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.durations...)
}

// recordingStore remembers every checkpoint cursor.
type recordingStore struct {
	*jobstore.MemoryStore

	mu           sync.Mutex
	checkpoints  []int64
	onCheckpoint func(cursor int64)
	failAt       int64
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: jobstore.NewMemoryStore()}
}

func (s *recordingStore) MarkInProgress(ctx context.Context, id string, cursor int64, link string) error {
	if s.failAt != 0 && cursor == s.failAt {
		return errors.New("disk full")
	}
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, cursor)
	hook := s.onCheckpoint
	s.mu.Unlock()

	err := s.MemoryStore.MarkInProgress(ctx, id, cursor, link)
	if hook != nil {
		hook(cursor)
	}
	return err
}

// countingStore counts PutObject calls per key.
type countingStore struct {
	mu   sync.Mutex
	puts map[string]int
}

func (c *countingStore) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.puts == nil {
		c.puts = make(map[string]int)
	}
	c.puts[key]++
	return nil
}

type harness struct {
	mock    *testutil.MockUpstream
	sleeps  *sleepRecorder
	store   *recordingStore
	objects *countingStore
	job     *Job
	root    string
}

func newHarness(t *testing.T, items int, name string) *harness {
	t.Helper()
	return newPausingHarness(t, items, name, 0)
}

// newPausingHarness is newHarness with a courtesy pause after every batch.
func newPausingHarness(t *testing.T, items int, name string, pause time.Duration) *harness {
	t.Helper()

	h := &harness{
		mock:    testutil.NewMockUpstream(items, name),
		sleeps:  &sleepRecorder{},
		store:   newRecordingStore(),
		objects: &countingStore{},
		root:    t.TempDir(),
	}
	t.Cleanup(h.mock.Close)

	newClient := func(name string) *client.Client {
		cfg := client.DefaultConfig(name, "archiver-test")
		cfg.Sleep = h.sleeps.Sleep
		c, err := client.New(cfg)
		if err != nil {
			t.Fatalf("client.New() error = %v", err)
		}
		return c
	}

	prov, err := provider.New(newClient("provider"), provider.Config{BaseURL: h.mock.URL()})
	if err != nil {
		t.Fatalf("provider.New() error = %v", err)
	}
	assets := newClient("assets")

	job, err := New(Deps{
		Fetcher:  pagination.NewFetcher(prov, pagination.DefaultConfig()),
		Metadata: prov,
		Stagers: func(dir string) (Stager, error) {
			return staging.New(assets, staging.Config{Dir: dir, Pause: pause, Sleep: h.sleeps.Sleep})
		},
		Uploader: storage.NewUploader(h.objects, "nft-images"),
		Store:    h.store,
	}, Config{
		StagingRoot: h.root,
		ConsoleURL:  "https://console.example/nft-images?tab=objects",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.job = job
	return h
}

func (h *harness) uploadedOnce(t *testing.T, label string, n int) {
	t.Helper()
	h.objects.mu.Lock()
	defer h.objects.mu.Unlock()

	if len(h.objects.puts) != n {
		t.Errorf("uploaded %d distinct objects, want %d", len(h.objects.puts), n)
	}
	for i := 0; i < n; i++ {
		key := storage.ObjectKey(label, testCollection, fmt.Sprintf("%d.png", i))
		if got := h.objects.puts[key]; got != 1 {
			t.Errorf("object %s uploaded %d times, want 1", key, got)
		}
	}
}

func TestRun_EndToEnd(t *testing.T) {
	h := newPausingHarness(t, 120, "Test Apes", staging.DefaultPause)
	// The asset host throttles once, on item 60 of the second batch.
	h.mock.QueueFaultAfter(testutil.RouteAssets, 60, testutil.NewRateLimitResponse("10"))

	if err := h.job.Run(context.Background(), testCollection); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []int64{50, 100, 120}
	if fmt.Sprint(h.store.checkpoints) != fmt.Sprint(want) {
		t.Fatalf("checkpoints = %v, want %v", h.store.checkpoints, want)
	}

	record, err := h.store.Get(context.Background(), testCollection)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != jobstore.StatusFinished || record.Cursor != 120 {
		t.Errorf("record = %+v, want finished at 120", record)
	}
	if record.DestinationLink != storage.DestinationLink("https://console.example/nft-images?tab=objects", "Test Apes", testCollection) {
		t.Errorf("DestinationLink = %q", record.DestinationLink)
	}

	var pauses, backoffs []time.Duration
	for _, d := range h.sleeps.all() {
		if d == staging.DefaultPause {
			pauses = append(pauses, d)
		} else {
			backoffs = append(backoffs, d)
		}
	}
	if len(pauses) != 3 {
		t.Errorf("courtesy pauses = %v, want one per batch", pauses)
	}
	if len(backoffs) != 1 || backoffs[0] < ratelimit.DefaultCooldown {
		t.Errorf("backoffs = %v, want exactly one >= %v", backoffs, ratelimit.DefaultCooldown)
	}
	sleeps := h.sleeps.all()
	if len(sleeps) == 4 && (sleeps[0] != staging.DefaultPause || sleeps[1] < ratelimit.DefaultCooldown) {
		t.Errorf("sleeps = %v, want the backoff after the first batch pause", sleeps)
	}

	if n := h.mock.RequestCount(testutil.RouteAssets); n != 121 {
		t.Errorf("asset requests = %d, want 121 (one retried)", n)
	}
	tokens := h.mock.StartTokens()
	wantTokens := []string{"0", "50", "100", "120"}
	if fmt.Sprint(tokens) != fmt.Sprint(wantTokens) {
		t.Errorf("start tokens = %v, want %v", tokens, wantTokens)
	}

	h.uploadedOnce(t, "Test Apes", 120)

	entries, err := os.ReadDir(filepath.Join(h.root, testCollection))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("%d files left in staging directory", len(entries))
	}
}

func TestRun_ProviderThrottled(t *testing.T) {
	h := newHarness(t, 120, "Test Apes")
	h.mock.QueueFault(testutil.RouteCollection, testutil.NewRateLimitResponse("10"))

	if err := h.job.Run(context.Background(), testCollection); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sleeps := h.sleeps.all()
	if len(sleeps) != 1 || sleeps[0] < ratelimit.DefaultCooldown {
		t.Errorf("sleeps = %v, want exactly one >= %v", sleeps, ratelimit.DefaultCooldown)
	}
	tokens := h.mock.StartTokens()
	wantTokens := []string{"0", "0", "50", "100", "120"}
	if fmt.Sprint(tokens) != fmt.Sprint(wantTokens) {
		t.Errorf("start tokens = %v, want %v", tokens, wantTokens)
	}
	h.uploadedOnce(t, "Test Apes", 120)
}

func TestRun_IdempotentResumption(t *testing.T) {
	h := newHarness(t, 120, "Test Apes")
	h.mock.FailAsset(75, testutil.NewNotFoundResponse())

	err := h.job.Run(context.Background(), testCollection)
	if !errors.Is(err, staging.ErrDownloadFailed) {
		t.Fatalf("Run() error = %v, want download failure", err)
	}

	record, _ := h.store.Get(context.Background(), testCollection)
	if record.Status != jobstore.StatusInProgress || record.Cursor != 50 {
		t.Fatalf("record after failure = %+v, want in-progress at 50", record)
	}

	h.mock.ClearAssetFaults()
	before := len(h.mock.StartTokens())

	if err := h.job.Run(context.Background(), testCollection); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if got := h.mock.StartTokens()[before]; got != "50" {
		t.Errorf("resumed at startToken %s, want 50", got)
	}
	record, _ = h.store.Get(context.Background(), testCollection)
	if record.Status != jobstore.StatusFinished || record.Cursor != 120 {
		t.Errorf("record = %+v, want finished at 120", record)
	}
	h.uploadedOnce(t, "Test Apes", 120)
}

func TestRun_FinishedIsNoop(t *testing.T) {
	h := newHarness(t, 10, "Test Apes")
	if err := h.store.MarkFinished(context.Background(), testCollection, "link"); err != nil {
		t.Fatal(err)
	}

	if err := h.job.Run(context.Background(), testCollection); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.mock.RequestCount(testutil.RouteCollection); n != 0 {
		t.Errorf("collection requests = %d, want 0", n)
	}
}

func TestRun_PlaceholderLabel(t *testing.T) {
	h := newHarness(t, 3, "")
	h.mock.QueueFault(testutil.RouteMetadata, testutil.NewServerErrorResponse())

	if err := h.job.Run(context.Background(), testCollection); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	h.uploadedOnce(t, PlaceholderLabel, 3)
}

func TestRun_EmptyCollection(t *testing.T) {
	h := newHarness(t, 0, "Empty")

	if err := h.job.Run(context.Background(), testCollection); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	record, _ := h.store.Get(context.Background(), testCollection)
	if record.Status != jobstore.StatusFinished || record.Cursor != 0 {
		t.Errorf("record = %+v, want finished at 0", record)
	}
}

func TestRun_UnreachableProviderNotFinished(t *testing.T) {
	h := newHarness(t, 120, "Test Apes")
	h.mock.QueueFault(testutil.RouteCollection, testutil.NewServerErrorResponse())

	err := h.job.Run(context.Background(), testCollection)
	if !client.IsUpstreamUnavailable(err) {
		t.Fatalf("Run() error = %v, want upstream unavailable", err)
	}
	record, _ := h.store.Get(context.Background(), testCollection)
	if record.Status == jobstore.StatusFinished {
		t.Error("job marked finished although the provider failed")
	}
}

func TestRun_CancelledAtCheckpoint(t *testing.T) {
	h := newHarness(t, 120, "Test Apes")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.onCheckpoint = func(cursor int64) {
		if cursor == 50 {
			cancel()
		}
	}

	err := h.job.Run(ctx, testCollection)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	record, _ := h.store.Get(context.Background(), testCollection)
	if record.Status != jobstore.StatusInProgress || record.Cursor != 50 {
		t.Errorf("record = %+v, want in-progress at 50", record)
	}
	if tokens := h.mock.StartTokens(); len(tokens) != 1 {
		t.Errorf("start tokens = %v, want one fetch", tokens)
	}
}

func TestRun_PersistenceFailure(t *testing.T) {
	h := newHarness(t, 120, "Test Apes")
	h.store.failAt = 100

	err := h.job.Run(context.Background(), testCollection)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Run() error = %v, want ErrPersistence", err)
	}
	record, _ := h.store.Get(context.Background(), testCollection)
	if record.Cursor != 50 {
		t.Errorf("cursor = %d, want 50", record.Cursor)
	}
}

// panicFetcher panics on every call.
type panicFetcher struct{}

func (panicFetcher) FetchBatch(context.Context, string, int64, int) ([]asset.Ref, error) {
	panic("boom")
}

func TestProcess_AbsorbsPanics(t *testing.T) {
	job, err := New(Deps{
		Fetcher:  panicFetcher{},
		Stagers:  func(dir string) (Stager, error) { return &nopStager{dir: dir}, nil },
		Uploader: storage.NewUploader(&countingStore{}, "b"),
		Store:    jobstore.NewMemoryStore(),
	}, Config{StagingRoot: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	// Must not panic.
	job.Process(context.Background(), testCollection)
}

type nopStager struct{ dir string }

func (s *nopStager) Stage(context.Context, []asset.Ref) ([]asset.Staged, error) { return nil, nil }
func (s *nopStager) Clear() error                                               { return nil }
func (s *nopStager) Dir() string                                                { return s.dir }

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{}, Config{StagingRoot: "x"}); err == nil {
		t.Error("expected error for missing deps")
	}

	deps := Deps{
		Fetcher:  panicFetcher{},
		Stagers:  func(dir string) (Stager, error) { return &nopStager{dir: dir}, nil },
		Uploader: storage.NewUploader(&countingStore{}, "b"),
		Store:    jobstore.NewMemoryStore(),
	}
	if _, err := New(deps, Config{}); err == nil {
		t.Error("expected error for missing staging root")
	}

	job, err := New(deps, Config{StagingRoot: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if job.config.BatchSize != DefaultBatchSize || job.config.StageAttempts != DefaultStageAttempts {
		t.Errorf("config = %+v, want defaults", job.config)
	}
}
