// -----------------------------------------------------------------------
// Scheduler Tests - tick-driven state machine over real cache and metadata
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/cache"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/lifecycle"
	"github.com/ternarybob/conductor/internal/metadata/local"
	"github.com/ternarybob/conductor/internal/metrics"
	"github.com/ternarybob/conductor/internal/models"
)

const testTenant = "acme"

// fakeState is the plugin payload of the scripted executor.
type fakeState struct {
	Key string `json:"key"`
}

// fakeExecutor is a scripted batch backend: tests queue per-key statuses
// and result payloads, then drive the scheduler tick by tick.
type fakeExecutor struct {
	mu            sync.Mutex
	defaultStatus models.BatchStatus
	statuses      map[string][]models.BatchStatus
	results       map[string][]byte
	submitted     map[string]int
	cancelled     map[string]bool
	deleted       map[string]bool
	submitErrs    []error
	statusErrs    []error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		defaultStatus: models.BatchStatus{Code: models.BatchRunning},
		statuses:      make(map[string][]models.BatchStatus),
		results:       make(map[string][]byte),
		submitted:     make(map[string]int),
		cancelled:     make(map[string]bool),
		deleted:       make(map[string]bool),
	}
}

func (e *fakeExecutor) pushStatus(key string, statuses ...models.BatchStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[key] = append(e.statuses[key], statuses...)
}

func (e *fakeExecutor) keyOf(state []byte) string {
	var s fakeState
	_ = json.Unmarshal(state, &s)
	return s.Key
}

func (e *fakeExecutor) Protocol() string { return "fake" }

func (e *fakeExecutor) HasFeature(feature interfaces.ExecutorFeature) bool {
	return feature == interfaces.FeatureCancellation
}

func (e *fakeExecutor) CreateBatch(ctx context.Context, batchKey string) ([]byte, error) {
	data, err := json.Marshal(fakeState{Key: batchKey})
	return data, err
}

func (e *fakeExecutor) AddVolume(ctx context.Context, state []byte, volume string) ([]byte, error) {
	return state, nil
}

func (e *fakeExecutor) AddFile(ctx context.Context, state []byte, volume, fileName string, content []byte) ([]byte, error) {
	return state, nil
}

func (e *fakeExecutor) ConfigureBatchStorage(ctx context.Context, state []byte, storage *models.StorageDefinition, apply func(key, value string)) ([]byte, error) {
	if storage != nil {
		for key, location := range storage.Items {
			apply(key, location)
		}
	}
	return state, nil
}

func (e *fakeExecutor) SubmitBatch(ctx context.Context, state []byte, config interfaces.BatchConfig) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.submitErrs) > 0 {
		err := e.submitErrs[0]
		e.submitErrs = e.submitErrs[1:]
		return nil, err
	}
	e.submitted[config.BatchKey]++
	return state, nil
}

func (e *fakeExecutor) CancelBatch(ctx context.Context, state []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[e.keyOf(state)] = true
	return state, nil
}

func (e *fakeExecutor) DeleteBatch(ctx context.Context, state []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted[e.keyOf(state)] = true
	return nil
}

func (e *fakeExecutor) GetBatchStatus(ctx context.Context, state []byte) (*models.BatchStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.statusErrs) > 0 {
		err := e.statusErrs[0]
		e.statusErrs = e.statusErrs[1:]
		return nil, err
	}
	key := e.keyOf(state)
	queue := e.statuses[key]
	if len(queue) == 0 {
		status := e.defaultStatus
		return &status, nil
	}
	status := queue[0]
	if len(queue) > 1 {
		e.statuses[key] = queue[1:]
	}
	return &status, nil
}

func (e *fakeExecutor) HasOutputFile(ctx context.Context, state []byte, volume, fileName string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.results[e.keyOf(state)]
	return ok, nil
}

func (e *fakeExecutor) GetOutputFile(ctx context.Context, state []byte, volume, fileName string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payload, ok := e.results[e.keyOf(state)]
	if !ok {
		return nil, models.NewErrorf(models.ErrNotFound, "no result for %s", e.keyOf(state))
	}
	return payload, nil
}

// flakyMeta injects transient WriteBatch failures in front of the real store.
type flakyMeta struct {
	interfaces.MetadataClient
	mu                 sync.Mutex
	writeBatchFailures int
}

func (m *flakyMeta) WriteBatch(ctx context.Context, tenant string, batch *models.WriteBatchRequest) ([]*models.TagHeader, error) {
	m.mu.Lock()
	fail := m.writeBatchFailures > 0
	if fail {
		m.writeBatchFailures--
	}
	m.mu.Unlock()
	if fail {
		return nil, models.NewError(models.ErrTransientIO, "metadata write timed out")
	}
	return m.MetadataClient.WriteBatch(ctx, tenant, batch)
}

type harness struct {
	cache interfaces.JobCache
	meta  interfaces.MetadataClient
	exec  *fakeExecutor
	clock *common.FakeClock
	lc    *lifecycle.Service
	sched *Scheduler
}

func newHarness(t *testing.T, wrapMeta func(interfaces.MetadataClient) interfaces.MetadataClient) *harness {
	t.Helper()
	logger := arbor.NewLogger()
	clock := common.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	store, err := local.NewStore(&local.Config{
		Path: filepath.Join(t.TempDir(), "metadata"),
	}, clock, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var meta interfaces.MetadataClient = store
	if wrapMeta != nil {
		meta = wrapMeta(meta)
	}

	jobCache := cache.NewMemoryCache(clock, logger)
	exec := newFakeExecutor()
	lc := lifecycle.NewService(meta, logger)

	sched, err := New(&common.SchedulerConfig{
		TickInterval:     "1s",
		PollInterval:     "1ms",
		LeaseDuration:    "30s",
		OperationTimeout: "5s",
		Workers:          4,
		MaxRetries:       2,
	}, jobCache, exec, lc, meta, nil, clock, logger)
	require.NoError(t, err)

	return &harness{cache: jobCache, meta: meta, exec: exec, clock: clock, lc: lc, sched: sched}
}

// tick advances the clock past the poll interval and runs one scan.
func (h *harness) tick() {
	h.clock.Advance(time.Second)
	h.sched.Tick(context.Background())
}

func (h *harness) enqueue(t *testing.T, request *models.JobRequest) string {
	t.Helper()
	ctx := context.Background()

	job, err := lifecycle.NewJob(testTenant, request)
	require.NoError(t, err)
	assembled, err := h.lc.AssembleAndValidate(ctx, job)
	require.NoError(t, err)
	saved, err := h.lc.SaveInitialMetadata(ctx, assembled)
	require.NoError(t, err)

	saved.StatusCode = models.JobStatusQueued
	value, err := models.NewJobState(saved).Encode()
	require.NoError(t, err)

	ticket, err := h.cache.OpenNewTicket(ctx, saved.JobKey, 30*time.Second)
	require.NoError(t, err)
	_, err = h.cache.AddEntry(ctx, ticket, models.JobStatusQueued, value)
	require.NoError(t, err)
	require.NoError(t, h.cache.CloseTicket(ctx, ticket))
	return saved.JobKey
}

// entryState reads and decodes the latest cache entry for a key.
func (h *harness) entryState(t *testing.T, key string) *models.JobState {
	t.Helper()
	entry, err := h.cache.GetLatestEntry(context.Background(), key)
	require.NoError(t, err)
	state, err := models.DecodeJobState(entry.Value)
	require.NoError(t, err)
	return state
}

// recordedStatus reads the job's status tag from the metadata store.
func (h *harness) recordedStatus(t *testing.T, jobKey string) (models.JobStatusCode, string) {
	t.Helper()
	state := h.jobSelector(t, jobKey)
	tag, err := h.meta.ReadObject(context.Background(), testTenant, state)
	require.NoError(t, err)
	return models.JobStatusCode(tag.Attrs[lifecycle.AttrJobStatus]), tag.Attrs[lifecycle.AttrJobError]
}

func (h *harness) jobSelector(t *testing.T, jobKey string) models.TagSelector {
	t.Helper()
	// Job keys have the form JOB-<id>-v<version>; resolve by latest
	entry, err := h.meta.Search(context.Background(), testTenant, models.SearchParams{
		ObjectType: models.ObjectTypeJob,
	})
	require.NoError(t, err)
	for _, tag := range entry {
		if tag.Header.Key() == jobKey {
			selector := tag.Header.ToSelector()
			selector.LatestTag = true
			return selector
		}
	}
	t.Fatalf("job %s not found in metadata", jobKey)
	return models.TagSelector{}
}

func importModelRequest() *models.JobRequest {
	return &models.JobRequest{
		Definition: models.JobDefinition{
			JobType: models.JobTypeImportModel,
			ImportModel: &models.ImportModelJob{
				Repository: "git://models/risk",
				Version:    "1.4.0",
				EntryPoint: "risk.pd_model.PDModel",
			},
		},
	}
}

func successPayload(t *testing.T, jobKey string) []byte {
	t.Helper()
	payload, err := json.Marshal(&models.JobResultFile{
		JobKey:     jobKey,
		StatusCode: models.JobStatusSucceeded,
		Outputs: map[string]*models.ObjectDefinition{
			"model": {
				ObjectType: models.ObjectTypeModel,
				Model:      &models.ModelDefinition{Repository: "git://models/risk", Version: "1.4.0", EntryPoint: "risk.pd_model.PDModel"},
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func TestScheduler_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	key := h.enqueue(t, importModelRequest())

	h.exec.pushStatus(key,
		models.BatchStatus{Code: models.BatchQueued},
		models.BatchStatus{Code: models.BatchRunning},
		models.BatchStatus{Code: models.BatchSucceeded},
	)
	h.exec.results[key] = successPayload(t, key)

	h.tick() // QUEUED -> SUBMITTED
	assert.Equal(t, models.JobStatusSubmitted, h.entryState(t, key).Job.StatusCode)
	assert.Equal(t, 1, h.exec.submitted[key])

	h.tick() // poll: batch still queued
	assert.Equal(t, models.JobStatusSubmitted, h.entryState(t, key).Job.StatusCode)

	h.tick() // poll: batch running
	assert.Equal(t, models.JobStatusRunning, h.entryState(t, key).Job.StatusCode)

	h.tick() // poll: batch done
	assert.Equal(t, models.JobStatusFinishing, h.entryState(t, key).Job.StatusCode)

	h.tick() // fetch result
	assert.Equal(t, models.JobStatusSucceeded, h.entryState(t, key).Job.StatusCode)

	h.tick() // record result and drop the entry
	_, err := h.cache.GetLatestEntry(context.Background(), key)
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))

	status, message := h.recordedStatus(t, key)
	assert.Equal(t, models.JobStatusSucceeded, status)
	assert.Empty(t, message)
	assert.True(t, h.exec.deleted[key], "batch workspace deleted after recording")

	// The recorded RESULT object points at the written output
	results, err := h.meta.Search(context.Background(), testTenant, models.SearchParams{
		ObjectType: models.ObjectTypeResult,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.JobStatusSucceeded, results[0].Definition.Result.StatusCode)
	assert.Len(t, results[0].Definition.Result.Outputs, 1)
}

func TestScheduler_TransientSubmitRetries(t *testing.T) {
	h := newHarness(t, nil)
	key := h.enqueue(t, importModelRequest())

	h.exec.submitErrs = []error{models.NewError(models.ErrTransientIO, "executor unreachable")}

	h.tick()
	state := h.entryState(t, key)
	assert.Equal(t, models.JobStatusQueued, state.Job.StatusCode)
	assert.Equal(t, 1, state.Retries)

	h.tick()
	state = h.entryState(t, key)
	assert.Equal(t, models.JobStatusSubmitted, state.Job.StatusCode)
	assert.Equal(t, 0, state.Retries)
}

func TestScheduler_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, nil)
	key := h.enqueue(t, importModelRequest())
	h.tick() // submit

	transient := models.NewError(models.ErrTransientIO, "poll timed out")
	h.exec.statusErrs = []error{transient, transient, transient}

	h.tick()
	h.tick()
	state := h.entryState(t, key)
	assert.Equal(t, models.JobStatusSubmitted, state.Job.StatusCode)
	assert.Equal(t, 2, state.Retries)

	h.tick()
	state = h.entryState(t, key)
	assert.Equal(t, models.JobStatusFailed, state.Job.StatusCode)
	assert.Contains(t, state.Job.StatusMessage, "retry budget exhausted after 2 attempts")
}

func TestScheduler_NonTransientSubmitFails(t *testing.T) {
	h := newHarness(t, nil)
	key := h.enqueue(t, importModelRequest())

	h.exec.submitErrs = []error{models.NewError(models.ErrExecutorFailed, "image not found")}

	h.tick()
	state := h.entryState(t, key)
	assert.Equal(t, models.JobStatusFailed, state.Job.StatusCode)
	assert.Contains(t, state.Job.StatusMessage, "image not found")

	h.tick() // record the failure
	_, err := h.cache.GetLatestEntry(context.Background(), key)
	require.Error(t, err)

	status, message := h.recordedStatus(t, key)
	assert.Equal(t, models.JobStatusFailed, status)
	assert.Contains(t, message, "image not found")
}

func TestScheduler_CancelledJobIsFinalized(t *testing.T) {
	h := newHarness(t, nil)
	key := h.enqueue(t, importModelRequest())
	h.tick() // submit

	// A cancel request lands between ticks, the way CancelJob applies it
	ctx := context.Background()
	entry, err := h.cache.GetLatestEntry(ctx, key)
	require.NoError(t, err)
	state, err := models.DecodeJobState(entry.Value)
	require.NoError(t, err)
	state.Job.StatusCode = models.JobStatusCancelled
	state.Job.StatusMessage = "cancelled by request"
	value, err := state.Encode()
	require.NoError(t, err)
	ticket, err := h.cache.OpenTicket(ctx, key, entry.Revision, 30*time.Second)
	require.NoError(t, err)
	_, err = h.cache.UpdateEntry(ctx, ticket, models.JobStatusCancelled, value)
	require.NoError(t, err)
	require.NoError(t, h.cache.CloseTicket(ctx, ticket))

	h.tick() // cancel the batch, record, remove

	assert.True(t, h.exec.cancelled[key], "executor cancellation requested")
	_, err = h.cache.GetLatestEntry(ctx, key)
	require.Error(t, err)

	status, message := h.recordedStatus(t, key)
	assert.Equal(t, models.JobStatusCancelled, status)
	assert.Equal(t, "cancelled by request", message)
}

func TestScheduler_TransientRecordReusesPreallocatedIDs(t *testing.T) {
	flaky := &flakyMeta{}
	h := newHarness(t, func(meta interfaces.MetadataClient) interfaces.MetadataClient {
		flaky.MetadataClient = meta
		return flaky
	})

	key := h.enqueue(t, importModelRequest())
	h.exec.pushStatus(key, models.BatchStatus{Code: models.BatchSucceeded})
	h.exec.results[key] = successPayload(t, key)

	h.tick() // submit
	h.tick() // poll -> FINISHING
	h.tick() // fetch -> SUCCEEDED

	// First recording attempt: ids preallocated, batch write fails
	flaky.mu.Lock()
	flaky.writeBatchFailures = 1
	flaky.mu.Unlock()
	h.tick()

	state := h.entryState(t, key)
	assert.Equal(t, models.JobStatusSucceeded, state.Job.StatusCode)
	assert.Equal(t, 1, state.Retries)
	firstMapping := state.Job.ResultMapping["model"]
	require.NotEmpty(t, firstMapping.ObjectID)

	// Retry succeeds and must write under the same preallocated id
	h.tick()
	_, err := h.cache.GetLatestEntry(context.Background(), key)
	require.Error(t, err)

	outputs, err := h.meta.Search(context.Background(), testTenant, models.SearchParams{
		ObjectType: models.ObjectTypeModel,
		Terms:      []models.SearchTerm{{Attr: lifecycle.AttrJobOutput, Value: key}},
	})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, firstMapping.ObjectID, outputs[0].Header.ObjectID)
}

func TestScheduler_CorruptEntryQuarantined(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.cache.OpenNewTicket(ctx, "JOB-corrupt-v1", 30*time.Second)
	require.NoError(t, err)
	_, err = h.cache.AddEntry(ctx, ticket, models.JobStatusRunning, []byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, h.cache.CloseTicket(ctx, ticket))

	h.tick()

	entry, err := h.cache.GetLatestEntry(ctx, "JOB-corrupt-v1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, entry.Status)
	assert.Equal(t, []byte("garbage"), entry.Value, "original blob preserved for diagnostics")

	// Quarantined entries are left alone on later ticks
	revision := entry.Revision
	h.tick()
	entry, err = h.cache.GetLatestEntry(ctx, "JOB-corrupt-v1")
	require.NoError(t, err)
	assert.Equal(t, revision, entry.Revision)
}

func TestScheduler_JobGroupLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	// Children fail: no result payload behind a succeeded batch
	h.exec.defaultStatus = models.BatchStatus{Code: models.BatchSucceeded}

	groupKey := h.enqueue(t, &models.JobRequest{
		Definition: models.JobDefinition{
			JobType: models.JobTypeJobGroup,
			JobGroup: &models.JobGroup{
				Jobs: []models.JobDefinition{
					importModelRequest().Definition,
					importModelRequest().Definition,
				},
			},
		},
	})

	h.tick() // parent spawns children
	parent := h.entryState(t, groupKey)
	assert.Equal(t, models.JobStatusRunning, parent.Job.StatusCode)
	require.Len(t, parent.Job.ChildKeys, 2)
	for _, childKey := range parent.Job.ChildKeys {
		child := h.entryState(t, childKey)
		assert.Equal(t, models.JobStatusQueued, child.Job.StatusCode)
		assert.Equal(t, groupKey, child.Job.ParentKey)
	}

	// Children run to their terminal status and are recorded; the parent
	// aggregates them, fails and is recorded itself.
	var status models.JobStatusCode
	var message string
	for i := 0; i < 20; i++ {
		h.tick()
		if _, err := h.cache.GetLatestEntry(context.Background(), groupKey); err != nil {
			status, message = h.recordedStatus(t, groupKey)
			break
		}
	}
	assert.Equal(t, models.JobStatusFailed, status)
	assert.Equal(t, "2 of 2 child jobs failed", message)

	for _, childKey := range parent.Job.ChildKeys {
		childStatus, _ := h.recordedStatus(t, childKey)
		assert.Equal(t, models.JobStatusFailed, childStatus)
	}
}

func TestScheduler_TransitionsMirroredOntoJobTag(t *testing.T) {
	h := newHarness(t, nil)
	key := h.enqueue(t, importModelRequest())

	// Before the first tick only the initial recording exists
	status, _ := h.recordedStatus(t, key)
	assert.Equal(t, models.JobStatusPending, status)

	h.tick() // QUEUED -> SUBMITTED
	status, _ = h.recordedStatus(t, key)
	assert.Equal(t, models.JobStatusSubmitted, status)

	h.tick() // poll: batch running
	assert.Equal(t, models.JobStatusRunning, h.entryState(t, key).Job.StatusCode)
	status, _ = h.recordedStatus(t, key)
	assert.Equal(t, models.JobStatusRunning, status)
}

func TestScheduler_TickDurationFromInjectedClock(t *testing.T) {
	metrics.Reset()
	h := newHarness(t, nil)
	h.enqueue(t, importModelRequest())
	h.tick()

	// The clock never moves inside a tick, so a measurement against it
	// records exactly zero. Wall time would not.
	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := recorder.Body.String()
	assert.Contains(t, body, "conductor_scheduler_tick_duration_seconds_count 1")
	assert.Contains(t, body, "conductor_scheduler_tick_duration_seconds_sum 0\n")
}

func TestScheduler_MaintenanceSweep(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, importModelRequest())

	// The sweep only observes and logs; it must not mutate entries
	h.sched.runMaintenance()

	entries, err := h.cache.QueryState(context.Background(), models.PendingStatuses)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.JobStatusQueued, entries[0].Status)
}

func TestScheduler_SnapshotCountsTicks(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, importModelRequest())

	h.tick()
	h.tick()

	stats := h.sched.Snapshot()
	assert.Equal(t, int64(2), stats.Ticks)
	assert.Equal(t, 1, stats.LastQueued)
	assert.False(t, stats.LastTick.IsZero())
}
