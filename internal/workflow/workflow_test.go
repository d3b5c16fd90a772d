package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/lehigh-university-libraries/labasset/internal/label"
	"github.com/lehigh-university-libraries/labasset/internal/models"
	"github.com/lehigh-university-libraries/labasset/internal/storage"
)

type fakeSource struct {
	img *models.Image
	err error
}

func (s *fakeSource) Acquire(ctx context.Context) (*models.Image, error) {
	if s.err != nil {
		return nil, s.err
	}
	c := *s.img
	return &c, nil
}

func (s *fakeSource) Release() error { return nil }

func imageSource() *fakeSource {
	return &fakeSource{img: &models.Image{Data: []byte("jpeg-bytes"), Filename: "shot.jpg", MIMEType: "image/jpeg"}}
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	response string
	err      error
	gate     chan struct{}
	calls    int
	last     string
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, img models.Image, description, instruction string) (string, error) {
	a.mu.Lock()
	a.calls++
	a.last = instruction
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.response, a.err
}

type fakeInventory struct {
	mu        sync.Mutex
	templates []models.Template
	nextID    int
	createErr error
	getErr    error
	attachErr error
	creates   []models.NewRecord
	attached  []int
	records   map[int]models.Record
}

func newInventory() *fakeInventory {
	return &fakeInventory{
		templates: []models.Template{{ID: 7, Title: "Chemical", Body: "<p>Name</p><p>CAS</p>"}, {ID: 8, Title: "Glassware"}},
		nextID:    42,
		records:   make(map[int]models.Record),
	}
}

func (f *fakeInventory) Templates(ctx context.Context) ([]models.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Template(nil), f.templates...), nil
}

func (f *fakeInventory) CreateRecord(ctx context.Context, rec models.NewRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, rec)
	if f.createErr != nil {
		return 0, f.createErr
	}
	id := f.nextID
	f.nextID++
	f.records[id] = models.Record{ID: id, Title: rec.Title}
	return id, nil
}

func (f *fakeInventory) GetRecord(ctx context.Context, id int) (*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &rec, nil
}

func (f *fakeInventory) AttachImage(ctx context.Context, id int, img models.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, id)
	return f.attachErr
}

func (f *fakeInventory) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

type fakeRecorder struct {
	mu      sync.Mutex
	commits []models.LedgerEntry
	labels  map[int]string
}

func (r *fakeRecorder) RecordCommit(ctx context.Context, entry models.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, entry)
	return nil
}

func (r *fakeRecorder) RecordLabel(ctx context.Context, id int, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.labels == nil {
		r.labels = make(map[int]string)
	}
	r.labels[id] = path
	return nil
}

type failingLabels struct {
	mu  sync.Mutex
	err error
	ok  *label.Renderer
}

func (l *failingLabels) Render(id int, title string) (string, error) {
	l.mu.Lock()
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return "", err
	}
	return l.ok.Render(id, title)
}

func (l *failingLabels) URL(id int) string { return l.ok.URL(id) }

func (l *failingLabels) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

type harness struct {
	o        *Orchestrator
	analyzer *fakeAnalyzer
	inv      *fakeInventory
	recorder *fakeRecorder
	labels   *failingLabels
	qrDir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	qrDir := t.TempDir()
	renderer, err := label.New(
		config.ELabFTW{APIURL: "https://elab.example.edu/api/v2"},
		config.Storage{QRCodeDir: qrDir},
		config.Label{},
		nil,
	)
	require.NoError(t, err)

	h := &harness{
		analyzer: &fakeAnalyzer{response: `{"summary":{"asset_name":"Sodium Chloride"},"cas":"7647-14-5"}`},
		inv:      newInventory(),
		recorder: &fakeRecorder{},
		labels:   &failingLabels{ok: renderer},
		qrDir:    qrDir,
	}
	h.o, err = New(Deps{
		Analyzer:  h.analyzer,
		Inventory: h.inv,
		Labels:    h.labels,
		Images:    storage.New(t.TempDir()),
		Recorder:  h.recorder,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return h
}

// toResultReady drives the orchestrator through acquire, template and analysis.
func (h *harness) toResultReady(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))
	require.NoError(t, h.o.SelectTemplate(ctx, 7))
	_, err := h.o.Analyze(ctx, "")
	require.NoError(t, err)
	require.Equal(t, ResultReady, h.o.Snapshot().State)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestAcquireFailureKeepsIdle(t *testing.T) {
	h := newHarness(t)

	err := h.o.AcquireImage(context.Background(), &fakeSource{err: errors.New("camera unplugged")})
	require.Error(t, err)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, ActAcquire, opErr.Op)

	snap := h.o.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Nil(t, snap.Draft)
	require.NotNil(t, snap.Failure)
	assert.Contains(t, snap.Failure.Message, "camera unplugged")
}

func TestAcquireFailureKeepsExistingDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))
	before := h.o.Snapshot().Draft.ID

	require.Error(t, h.o.AcquireImage(ctx, &fakeSource{img: &models.Image{}}))

	snap := h.o.Snapshot()
	assert.Equal(t, ImageReady, snap.State)
	assert.Equal(t, before, snap.Draft.ID)
}

func TestAcquireStoresImageAndCarriesTemplate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.SelectTemplate(ctx, 7))
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))

	snap := h.o.Snapshot()
	assert.Equal(t, ImageReady, snap.State)
	assert.Equal(t, 7, snap.Draft.TemplateID)
	assert.NotEmpty(t, snap.Draft.ImagePath)
	assert.Equal(t, ".jpg", filepath.Ext(snap.Draft.ImagePath))
}

func TestSelectUnknownTemplate(t *testing.T) {
	h := newHarness(t)
	err := h.o.SelectTemplate(context.Background(), 99)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
	assert.Zero(t, h.o.Snapshot().TemplateID)
}

func TestAnalyzeRequiresTemplate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))

	_, err := h.o.StartAnalysis(ctx, "")
	assert.ErrorIs(t, err, ErrNoTemplate)
	assert.Equal(t, ImageReady, h.o.Snapshot().State)
	assert.False(t, h.o.Snapshot().Allows(ActAnalyze))
}

func TestAnalyzeStructuredResponse(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)

	snap := h.o.Snapshot()
	assert.Equal(t, "Sodium Chloride", snap.Draft.Title)
	assert.Equal(t, "7647-14-5", snap.Draft.Result["cas"])
	assert.True(t, snap.Allows(ActCommit))
	assert.True(t, snap.Allows(ActEdit))
}

func TestAnalyzeLineResponse(t *testing.T) {
	h := newHarness(t)
	h.analyzer.response = "Name: Beaker\nVolume: 500ml"
	h.toResultReady(t)

	snap := h.o.Snapshot()
	assert.Equal(t, "Beaker", snap.Draft.Title)
	assert.Equal(t, "Beaker", snap.Draft.Result["name"])
	assert.Equal(t, "500ml", snap.Draft.Result["volume"])
}

func TestAnalyzeReturnsOwnResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))
	require.NoError(t, h.o.SelectTemplate(ctx, 7))

	done, err := h.o.StartAnalysis(ctx, "")
	require.NoError(t, err)
	out := <-done
	require.NoError(t, out.Err)

	// A new image replaces the draft before the caller reads the result.
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))
	assert.Empty(t, h.o.Snapshot().Draft.Result)
	assert.Equal(t, "7647-14-5", out.Fields["cas"])

	out.Fields["cas"] = "changed"
	fields, err := h.o.Analyze(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "7647-14-5", fields["cas"])
	fields["cas"] = "changed"
	assert.Equal(t, "7647-14-5", h.o.Snapshot().Draft.Result["cas"])
}

func TestAnalyzePassesInstruction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))
	require.NoError(t, h.o.SelectTemplate(ctx, 7))

	_, err := h.o.Analyze(ctx, "focus on the label")
	require.NoError(t, err)
	assert.Equal(t, "focus on the label", h.analyzer.last)
}

func TestAnalysisFailureAndRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))
	require.NoError(t, h.o.SelectTemplate(ctx, 7))

	h.analyzer.err = errors.New("rate limited")
	_, err := h.o.Analyze(ctx, "")
	require.Error(t, err)

	snap := h.o.Snapshot()
	assert.Equal(t, Error, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, ActAnalyze, snap.Failure.Op)
	assert.Equal(t, ImageReady, snap.Failure.Retry)
	assert.True(t, snap.Allows(ActAnalyze))
	assert.True(t, snap.Allows(ActRecover))
	assert.False(t, snap.Allows(ActCommit))

	h.analyzer.err = nil
	_, err = h.o.Analyze(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, ResultReady, h.o.Snapshot().State)
	assert.Nil(t, h.o.Snapshot().Failure)
}

func TestRecoverReturnsToRetryState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))
	require.NoError(t, h.o.SelectTemplate(ctx, 7))
	h.analyzer.response = "   "
	_, err := h.o.Analyze(ctx, "")
	require.Error(t, err)

	require.NoError(t, h.o.Recover())
	assert.Equal(t, ImageReady, h.o.Snapshot().State)
	assert.ErrorIs(t, h.o.Recover(), ErrInvalidState)
}

func TestCommitCreatesRecordAndLabel(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)

	events, cancel := h.o.Subscribe()
	defer cancel()

	done, err := h.o.StartCommit(context.Background())
	require.NoError(t, err)
	out := <-done
	require.NoError(t, out.Err)
	require.NoError(t, out.LabelErr)

	assert.Equal(t, 42, out.RecordID)
	assert.Equal(t, LabelReady, out.State)
	assert.Equal(t, "Sodium Chloride_42.png", filepath.Base(out.LabelPath))
	assert.Equal(t, h.qrDir, filepath.Dir(out.LabelPath))

	snap := h.o.Snapshot()
	assert.Equal(t, LabelReady, snap.State)
	assert.Equal(t, 42, snap.Draft.RecordID)
	assert.Equal(t, out.LabelPath, snap.Draft.LabelPath)
	assert.True(t, snap.Allows(ActLabel))
	assert.False(t, snap.Allows(ActCommit))

	require.Len(t, h.inv.creates, 1)
	created := h.inv.creates[0]
	assert.Equal(t, 7, created.CategoryID)
	assert.Equal(t, "Sodium Chloride", created.Title)
	assert.Equal(t, "Sodium Chloride", created.Fields["title"])
	assert.Equal(t, []int{42}, h.inv.attached)

	require.Len(t, h.recorder.commits, 1)
	assert.Equal(t, "https://elab.example.edu/database.php?mode=view&id=42", h.recorder.commits[0].RecordURL)
	assert.Equal(t, out.LabelPath, h.recorder.labels[42])

	var seen []State
	for len(events) > 0 {
		ev := <-events
		seen = append(seen, ev.Snapshot.State)
	}
	assert.Equal(t, []State{Committing, Committed, LabelReady}, seen)
}

type customURLLabels struct{ dir string }

func (l customURLLabels) Render(id int, title string) (string, error) {
	return filepath.Join(l.dir, fmt.Sprintf("%d.png", id)), nil
}

func (l customURLLabels) URL(id int) string { return fmt.Sprintf("https://inventory.test/items/%d", id) }

func TestCommitRecordsRendererURL(t *testing.T) {
	h := newHarness(t)
	o, err := New(Deps{
		Analyzer:  h.analyzer,
		Inventory: h.inv,
		Labels:    customURLLabels{dir: t.TempDir()},
		Recorder:  h.recorder,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.o = o
	h.toResultReady(t)

	_, err = h.o.Commit(context.Background())
	require.NoError(t, err)
	require.Len(t, h.recorder.commits, 1)
	assert.Equal(t, "https://inventory.test/items/42", h.recorder.commits[0].RecordURL)
}

func TestCommitRejectedWhileAnalyzing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.AcquireImage(ctx, imageSource()))
	require.NoError(t, h.o.SelectTemplate(ctx, 7))

	gate := make(chan struct{})
	h.analyzer.gate = gate
	done, err := h.o.StartAnalysis(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Analyzing, h.o.Snapshot().State)
	assert.Empty(t, h.o.Snapshot().Actions)

	_, err = h.o.StartCommit(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, h.o.AcquireImage(ctx, imageSource()), ErrBusy)
	assert.ErrorIs(t, h.o.SelectTemplate(ctx, 8), ErrBusy)
	_, err = h.o.StartAnalysis(ctx, "")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, h.inv.createCount())

	close(gate)
	out := <-done
	require.NoError(t, out.Err)
	assert.Equal(t, ResultReady, h.o.Snapshot().State)
}

func TestCommitUnreachableWithoutResult(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		want  error
	}{
		{
			name:  "idle",
			setup: func(t *testing.T, h *harness) {},
			want:  ErrInvalidState,
		},
		{
			name: "image ready",
			setup: func(t *testing.T, h *harness) {
				require.NoError(t, h.o.AcquireImage(context.Background(), imageSource()))
				require.NoError(t, h.o.SelectTemplate(context.Background(), 7))
			},
			want: ErrInvalidState,
		},
		{
			name: "empty edited result",
			setup: func(t *testing.T, h *harness) {
				h.toResultReady(t)
				require.NoError(t, h.o.EditResult(models.Fields{}))
			},
			want: ErrEmptyResult,
		},
		{
			name: "already committed",
			setup: func(t *testing.T, h *harness) {
				h.toResultReady(t)
				_, err := h.o.Commit(context.Background())
				require.NoError(t, err)
			},
			want: ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)
			before := h.inv.createCount()

			_, err := h.o.StartCommit(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, h.o.Snapshot().Allows(ActCommit))
			assert.Equal(t, before, h.inv.createCount())
		})
	}
}

func TestCommitFailureAndRetry(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)
	ctx := context.Background()

	h.inv.mu.Lock()
	h.inv.createErr = errors.New("503 service unavailable")
	h.inv.mu.Unlock()

	_, err := h.o.Commit(ctx)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, Committing, opErr.State)

	snap := h.o.Snapshot()
	assert.Equal(t, Error, snap.State)
	assert.Equal(t, ResultReady, snap.Failure.Retry)
	assert.Equal(t, "Sodium Chloride", snap.Draft.Title)
	assert.True(t, snap.Allows(ActCommit))
	assert.True(t, snap.Allows(ActEdit))

	h.inv.mu.Lock()
	h.inv.createErr = nil
	h.inv.mu.Unlock()

	id, err := h.o.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.Equal(t, LabelReady, h.o.Snapshot().State)
}

func TestAttachFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)
	h.inv.attachErr = errors.New("upload too large")

	id, err := h.o.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	snap := h.o.Snapshot()
	assert.Equal(t, LabelReady, snap.State)
	require.Len(t, snap.Draft.Warnings, 1)
	assert.Contains(t, snap.Draft.Warnings[0], "upload too large")
}

func TestLabelFailureKeepsCommitted(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)
	h.labels.setErr(errors.New("disk full"))

	done, err := h.o.StartCommit(context.Background())
	require.NoError(t, err)
	out := <-done
	require.NoError(t, out.Err)
	require.Error(t, out.LabelErr)
	assert.Equal(t, 42, out.RecordID)

	snap := h.o.Snapshot()
	assert.Equal(t, Committed, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, ActLabel, snap.Failure.Op)
	assert.True(t, snap.Allows(ActLabel))

	h.labels.setErr(nil)
	path, err := h.o.GenerateLabel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Sodium Chloride_42.png", filepath.Base(path))
	assert.Equal(t, LabelReady, h.o.Snapshot().State)
	assert.Nil(t, h.o.Snapshot().Failure)
}

func TestGenerateLabelRequiresCommit(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)
	_, err := h.o.GenerateLabel(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEditResult(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)

	edited := models.Fields{"asset_name": "Potassium Chloride", "quantity": 3}
	require.NoError(t, h.o.EditResult(edited))
	first := h.o.Snapshot().Draft
	require.NoError(t, h.o.EditResult(edited))
	second := h.o.Snapshot().Draft

	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, "Potassium Chloride", second.Title)
	assert.Equal(t, float64(3), second.Result["quantity"])
	assert.Equal(t, ResultReady, h.o.Snapshot().State)
}

func TestEditResultTextRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)
	before := h.o.Snapshot().Draft.Result

	for _, text := range []string{"not json", "[1,2,3]", `{"a":`} {
		t.Run(text, func(t *testing.T) {
			err := h.o.EditResultText(text)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, before, h.o.Snapshot().Draft.Result)
		})
	}

	require.NoError(t, h.o.EditResultText(`{"name":"Flask"}`))
	assert.Equal(t, "Flask", h.o.Snapshot().Draft.Title)
}

func TestEditNotAllowedBeforeAnalysis(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.AcquireImage(context.Background(), imageSource()))
	assert.ErrorIs(t, h.o.EditResult(models.Fields{"name": "x"}), ErrInvalidState)
}

func TestEditAfterCommitFailureReturnsToResultReady(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)
	h.inv.createErr = errors.New("boom")
	_, err := h.o.Commit(context.Background())
	require.Error(t, err)

	require.NoError(t, h.o.EditResult(models.Fields{"name": "Flask"}))
	assert.Equal(t, ResultReady, h.o.Snapshot().State)
}

func TestNewImageAfterLabelStartsNewDraft(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)
	_, err := h.o.Commit(context.Background())
	require.NoError(t, err)
	old := h.o.Snapshot().Draft.ID

	require.NoError(t, h.o.AcquireImage(context.Background(), imageSource()))
	snap := h.o.Snapshot()
	assert.Equal(t, ImageReady, snap.State)
	assert.NotEqual(t, old, snap.Draft.ID)
	assert.Zero(t, snap.Draft.RecordID)
	assert.Equal(t, 7, snap.Draft.TemplateID)
}

func TestSnapshotIsACopy(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)

	snap := h.o.Snapshot()
	snap.Draft.Result["cas"] = "tampered"
	snap.Draft.Title = "tampered"

	again := h.o.Snapshot()
	assert.Equal(t, "7647-14-5", again.Draft.Result["cas"])
	assert.Equal(t, "Sodium Chloride", again.Draft.Title)
}

func TestSubscribeCancel(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.o.Subscribe()
	cancel()
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	require.NoError(t, h.o.AcquireImage(context.Background(), imageSource()))
}

func TestConcurrentSnapshots(t *testing.T) {
	h := newHarness(t)
	h.toResultReady(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.o.EditResult(models.Fields{"name": fmt.Sprintf("Flask %d", i)})
			_ = h.o.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.True(t, strings.HasPrefix(h.o.Snapshot().Draft.Title, "Flask "))
}
