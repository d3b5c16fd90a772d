package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/labasset/internal/analysis"
	"github.com/lehigh-university-libraries/labasset/internal/images"
	"github.com/lehigh-university-libraries/labasset/internal/models"
)

// Analyzer describes an image against a template
type Analyzer interface {
	Analyze(ctx context.Context, img models.Image, templateDescription, instruction string) (string, error)
}

// Inventory is the remote record store
type Inventory interface {
	Templates(ctx context.Context) ([]models.Template, error)
	CreateRecord(ctx context.Context, rec models.NewRecord) (int, error)
	GetRecord(ctx context.Context, id int) (*models.Record, error)
	AttachImage(ctx context.Context, id int, img models.Image) error
}

// LabelRenderer draws the label for a record and builds the record URL
// the label encodes.
type LabelRenderer interface {
	Render(recordID int, title string) (string, error)
	URL(recordID int) string
}

// ImageStore keeps a local copy of acquired images
type ImageStore interface {
	Save(img models.Image) (string, error)
}

// Recorder keeps local history of committed drafts
type Recorder interface {
	RecordCommit(ctx context.Context, entry models.LedgerEntry) error
	RecordLabel(ctx context.Context, recordID int, labelPath string) error
}

// Deps are the orchestrator collaborators. Images and Recorder are optional.
type Deps struct {
	Analyzer  Analyzer
	Inventory Inventory
	Labels    LabelRenderer
	Images    ImageStore
	Recorder  Recorder
	Logger    *slog.Logger
}

// Orchestrator sequences capture, analysis, commit and labelling for one
// draft at a time. It is safe for concurrent use; background calls report
// through the channel returned by the Start methods and through Subscribe.
type Orchestrator struct {
	analyzer  Analyzer
	inventory Inventory
	labels    LabelRenderer
	images    ImageStore
	recorder  Recorder
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	retry     State
	draft     *Draft
	template  *models.Template
	templates map[int]models.Template
	failure   *Failure
	acquiring bool
	labeling  bool

	subs    map[int]chan Event
	nextSub int
}

// New creates an idle orchestrator.
func New(d Deps) (*Orchestrator, error) {
	if d.Analyzer == nil || d.Inventory == nil || d.Labels == nil {
		return nil, errors.New("workflow requires analyzer, inventory, and label renderer")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		analyzer:  d.Analyzer,
		inventory: d.Inventory,
		labels:    d.Labels,
		images:    d.Images,
		recorder:  d.Recorder,
		logger:    logger.With("component", "workflow"),
		state:     Idle,
		templates: make(map[int]models.Template),
		subs:      make(map[int]chan Event),
	}, nil
}

// Snapshot returns the current state, a copy of the draft and the enabled actions.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Templates lists the inventory templates and refreshes the local cache.
func (o *Orchestrator) Templates(ctx context.Context) ([]models.Template, error) {
	list, err := o.inventory.Templates(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.templates = make(map[int]models.Template, len(list))
	for _, t := range list {
		o.templates[t.ID] = t
	}
	o.mu.Unlock()
	return list, nil
}

// AcquireImage replaces the draft with a new one built around the image
// from src. A failed acquisition leaves the state and draft untouched.
func (o *Orchestrator) AcquireImage(ctx context.Context, src images.Source) error {
	o.mu.Lock()
	if o.state.Busy() || o.acquiring {
		err := o.opErrorLocked(ActAcquire, ErrBusy)
		o.mu.Unlock()
		return err
	}
	o.acquiring = true
	o.mu.Unlock()

	img, err := src.Acquire(ctx)
	if err == nil && (img == nil || len(img.Data) == 0) {
		err = images.ErrEmpty
	}

	var path string
	if err == nil && o.images != nil {
		if path, err = o.images.Save(*img); err != nil {
			o.logger.Warn("Failed to store image locally", "error", err)
			path, err = "", nil
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.acquiring = false

	if err != nil {
		o.failure = &Failure{Op: ActAcquire, State: o.state, Retry: o.state, Message: err.Error()}
		o.logger.Warn("Image acquisition failed", "state", o.state, "error", err)
		o.emitLocked(ActAcquire)
		return &OpError{Op: ActAcquire, State: o.state, Err: err}
	}

	draft := &Draft{
		ID:        uuid.NewString(),
		Image:     img,
		ImagePath: path,
		CreatedAt: time.Now(),
	}
	if o.template != nil {
		draft.TemplateID = o.template.ID
	}
	if img.Path == "" {
		img.Path = path
	}

	o.draft = draft
	o.failure = nil
	o.transitionLocked(ImageReady, ActAcquire)
	o.logger.Info("Image acquired", "draft", draft.ID, "filename", img.Filename, "size", len(img.Data))
	return nil
}

// SelectTemplate chooses the template for the current and future drafts.
func (o *Orchestrator) SelectTemplate(ctx context.Context, id int) error {
	o.mu.Lock()
	if err := o.checkSelectLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	t, ok := o.templates[id]
	o.mu.Unlock()

	if !ok {
		if _, err := o.Templates(ctx); err != nil {
			o.mu.Lock()
			defer o.mu.Unlock()
			return o.opErrorLocked(ActSelectTemplate, fmt.Errorf("fetch templates: %w", err))
		}
		o.mu.Lock()
		t, ok = o.templates[id]
		o.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !ok {
		return o.opErrorLocked(ActSelectTemplate, fmt.Errorf("%w: %d", ErrUnknownTemplate, id))
	}
	if err := o.checkSelectLocked(); err != nil {
		return err
	}

	o.template = &t
	if o.draft != nil && o.draft.RecordID == 0 {
		o.draft.TemplateID = t.ID
	}
	o.logger.Info("Template selected", "template_id", t.ID, "title", t.Title)
	o.emitLocked(ActSelectTemplate)
	return nil
}

func (o *Orchestrator) checkSelectLocked() error {
	if o.acquiring || o.state.Busy() {
		return o.opErrorLocked(ActSelectTemplate, ErrBusy)
	}
	switch o.state {
	case Idle, ImageReady, ResultReady, Error:
		return nil
	default:
		return o.opErrorLocked(ActSelectTemplate, ErrInvalidState)
	}
}

// StartAnalysis sends the draft image to the analyzer in the background.
// The returned channel receives exactly one Outcome.
func (o *Orchestrator) StartAnalysis(ctx context.Context, instruction string) (<-chan Outcome, error) {
	o.mu.Lock()
	if err := o.checkAnalyzeLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}

	draftID := o.draft.ID
	img := *o.draft.Image
	description := o.template.Describe()
	o.failure = nil
	o.transitionLocked(Analyzing, ActAnalyze)
	o.mu.Unlock()

	done := make(chan Outcome, 1)
	go func() {
		done <- o.runAnalysis(context.WithoutCancel(ctx), draftID, img, description, instruction)
	}()
	return done, nil
}

func (o *Orchestrator) checkAnalyzeLocked() error {
	if o.acquiring || o.state.Busy() {
		return o.opErrorLocked(ActAnalyze, ErrBusy)
	}
	if !(o.state == ImageReady || (o.state == Error && o.retry == ImageReady)) {
		return o.opErrorLocked(ActAnalyze, ErrInvalidState)
	}
	if o.draft == nil || o.draft.Image == nil {
		return o.opErrorLocked(ActAnalyze, ErrNoImage)
	}
	if o.draft.TemplateID == 0 || o.template == nil {
		return o.opErrorLocked(ActAnalyze, ErrNoTemplate)
	}
	return nil
}

func (o *Orchestrator) runAnalysis(ctx context.Context, draftID string, img models.Image, description, instruction string) Outcome {
	start := time.Now()
	text, err := o.analyzer.Analyze(ctx, img, description, instruction)

	var fields models.Fields
	if err == nil {
		fields, err = analysis.ParseResponse(text)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.draft == nil || o.draft.ID != draftID {
		// The draft cannot change while analyzing; guard anyway.
		return Outcome{Op: ActAnalyze, State: o.state, Err: errors.New("draft replaced during analysis")}
	}

	if err != nil {
		o.failLocked(ActAnalyze, ImageReady, err)
		o.logger.Error("Analysis failed", "draft", draftID, "error", err, "duration", time.Since(start))
		return Outcome{Op: ActAnalyze, State: o.state, Err: &OpError{Op: ActAnalyze, State: Analyzing, Err: err}}
	}

	o.draft.Result = fields
	o.draft.Title = analysis.DeriveTitle(fields)
	o.transitionLocked(ResultReady, ActAnalyze)
	o.logger.Info("Analysis complete", "draft", draftID, "title", o.draft.Title, "fields", len(fields), "duration", time.Since(start))
	return Outcome{Op: ActAnalyze, State: o.state, Title: o.draft.Title, Fields: fields.Clone()}
}

// Analyze runs StartAnalysis and waits for the outcome.
func (o *Orchestrator) Analyze(ctx context.Context, instruction string) (models.Fields, error) {
	done, err := o.StartAnalysis(ctx, instruction)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-done:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Fields, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EditResult replaces the analysis result with operator-edited fields.
func (o *Orchestrator) EditResult(fields models.Fields) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkEditLocked(); err != nil {
		return err
	}
	if fields == nil {
		return &ValidationError{Reason: "result must be an object"}
	}

	normalized, err := normalizeFields(fields)
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	o.applyEditLocked(normalized)
	return nil
}

// EditResultText parses text as a JSON object and applies it as the result.
func (o *Orchestrator) EditResultText(text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkEditLocked(); err != nil {
		return err
	}

	fields, err := analysis.ParseObject(text)
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	o.applyEditLocked(fields)
	return nil
}

func (o *Orchestrator) checkEditLocked() error {
	if o.acquiring || o.state.Busy() {
		return o.opErrorLocked(ActEdit, ErrBusy)
	}
	if !(o.state == ResultReady || (o.state == Error && o.retry == ResultReady)) {
		return o.opErrorLocked(ActEdit, ErrInvalidState)
	}
	return nil
}

func (o *Orchestrator) applyEditLocked(fields models.Fields) {
	o.draft.Result = fields
	o.draft.Title = analysis.DeriveTitle(fields)
	if o.state == Error {
		o.failure = nil
		o.transitionLocked(ResultReady, ActEdit)
		return
	}
	o.emitLocked(ActEdit)
}

// normalizeFields round-trips through JSON so edited values have the same
// shapes as parsed model output.
func normalizeFields(fields models.Fields) (models.Fields, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out models.Fields
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartCommit creates the inventory record in the background, then attaches
// the image and renders the label. The channel receives one Outcome.
func (o *Orchestrator) StartCommit(ctx context.Context) (<-chan Outcome, error) {
	o.mu.Lock()
	if err := o.checkCommitLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}

	title := analysis.DeriveTitle(o.draft.Result)
	fields := o.draft.Result.Clone()
	fields["title"] = title
	rec := models.NewRecord{
		CategoryID: o.draft.TemplateID,
		Title:      title,
		Fields:     fields,
		Tags:       fields.Strings("tags"),
	}
	draftID := o.draft.ID
	var img *models.Image
	if o.draft.Image != nil {
		c := *o.draft.Image
		img = &c
	}
	o.failure = nil
	o.transitionLocked(Committing, ActCommit)
	o.mu.Unlock()

	done := make(chan Outcome, 1)
	go func() {
		done <- o.runCommit(context.WithoutCancel(ctx), draftID, rec, img)
	}()
	return done, nil
}

func (o *Orchestrator) checkCommitLocked() error {
	if o.acquiring || o.state.Busy() {
		return o.opErrorLocked(ActCommit, ErrBusy)
	}
	if !(o.state == ResultReady || (o.state == Error && o.retry == ResultReady)) {
		return o.opErrorLocked(ActCommit, ErrInvalidState)
	}
	if o.draft == nil {
		return o.opErrorLocked(ActCommit, ErrNoImage)
	}
	if o.draft.TemplateID == 0 {
		return o.opErrorLocked(ActCommit, ErrNoTemplate)
	}
	if len(o.draft.Result) == 0 {
		return o.opErrorLocked(ActCommit, ErrEmptyResult)
	}
	if o.draft.RecordID != 0 {
		return o.opErrorLocked(ActCommit, ErrAlreadyCommitted)
	}
	return nil
}

func (o *Orchestrator) runCommit(ctx context.Context, draftID string, rec models.NewRecord, img *models.Image) Outcome {
	id, err := o.inventory.CreateRecord(ctx, rec)

	o.mu.Lock()
	if err == nil && id <= 0 {
		err = fmt.Errorf("inventory returned invalid record id %d", id)
	}
	if err != nil {
		o.failLocked(ActCommit, ResultReady, err)
		o.logger.Error("Commit failed", "draft", draftID, "error", err)
		out := Outcome{Op: ActCommit, State: o.state, Err: &OpError{Op: ActCommit, State: Committing, Err: err}}
		o.mu.Unlock()
		return out
	}

	o.draft.RecordID = id
	o.draft.Title = rec.Title
	o.labeling = true
	o.transitionLocked(Committed, ActCommit)
	imagePath := o.draft.ImagePath
	templateID := o.draft.TemplateID
	o.mu.Unlock()
	o.logger.Info("Record created", "draft", draftID, "record_id", id, "title", rec.Title)

	if img != nil {
		if err := o.inventory.AttachImage(ctx, id, *img); err != nil {
			o.logger.Warn("Failed to attach image", "record_id", id, "error", err)
			o.mu.Lock()
			if o.draft != nil && o.draft.ID == draftID {
				o.draft.Warnings = append(o.draft.Warnings, "image upload failed: "+err.Error())
				o.emitLocked(ActCommit)
			}
			o.mu.Unlock()
		}
	}

	if o.recorder != nil {
		now := time.Now()
		entry := models.LedgerEntry{
			RecordID:   id,
			Title:      rec.Title,
			TemplateID: templateID,
			ImagePath:  imagePath,
			RecordURL:  o.labels.URL(id),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := o.recorder.RecordCommit(ctx, entry); err != nil {
			o.logger.Warn("Failed to record commit", "record_id", id, "error", err)
		}
	}

	path, labelErr := o.renderLabel(ctx, draftID, id)
	return Outcome{
		Op:        ActCommit,
		State:     o.Snapshot().State,
		Title:     rec.Title,
		RecordID:  id,
		LabelPath: path,
		LabelErr:  labelErr,
	}
}

// Commit runs StartCommit and waits for the record id. A label failure is
// not a commit failure; it is reported through Snapshot.
func (o *Orchestrator) Commit(ctx context.Context) (int, error) {
	done, err := o.StartCommit(ctx)
	if err != nil {
		return 0, err
	}
	select {
	case out := <-done:
		return out.RecordID, out.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// GenerateLabel renders the label again for a committed draft.
func (o *Orchestrator) GenerateLabel(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.labeling {
		err := o.opErrorLocked(ActLabel, ErrBusy)
		o.mu.Unlock()
		return "", err
	}
	if o.state != Committed && o.state != LabelReady {
		err := o.opErrorLocked(ActLabel, ErrInvalidState)
		o.mu.Unlock()
		return "", err
	}
	if o.draft == nil || o.draft.RecordID == 0 {
		err := o.opErrorLocked(ActLabel, ErrNotCommitted)
		o.mu.Unlock()
		return "", err
	}
	o.labeling = true
	draftID, id := o.draft.ID, o.draft.RecordID
	o.mu.Unlock()

	return o.renderLabel(ctx, draftID, id)
}

// renderLabel looks the record up, renders its label and records the path.
// The caller must have set labeling.
func (o *Orchestrator) renderLabel(ctx context.Context, draftID string, id int) (string, error) {
	path, err := o.lookupAndRender(ctx, id)

	o.mu.Lock()
	o.labeling = false
	if o.draft == nil || o.draft.ID != draftID {
		o.mu.Unlock()
		o.logger.Info("Draft replaced before label finished", "record_id", id, "path", path)
		return path, err
	}
	if err != nil {
		o.failure = &Failure{Op: ActLabel, State: o.state, Retry: o.state, Message: err.Error()}
		o.logger.Error("Label generation failed", "record_id", id, "error", err)
		o.emitLocked(ActLabel)
		opErr := &OpError{Op: ActLabel, State: o.state, Err: err}
		o.mu.Unlock()
		return "", opErr
	}
	o.draft.LabelPath = path
	o.failure = nil
	o.transitionLocked(LabelReady, ActLabel)
	o.mu.Unlock()

	if o.recorder != nil {
		if err := o.recorder.RecordLabel(ctx, id, path); err != nil {
			o.logger.Warn("Failed to record label", "record_id", id, "error", err)
		}
	}
	return path, nil
}

func (o *Orchestrator) lookupAndRender(ctx context.Context, id int) (string, error) {
	rec, err := o.inventory.GetRecord(ctx, id)
	if err != nil {
		return "", fmt.Errorf("lookup record %d: %w", id, err)
	}
	if rec.Title == "" {
		return "", fmt.Errorf("record %d has no title", id)
	}
	path, err := o.labels.Render(id, rec.Title)
	if err != nil {
		return "", fmt.Errorf("render label: %w", err)
	}
	return path, nil
}

// Recover takes the Error state back to the state the failed step can be retried from.
func (o *Orchestrator) Recover() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Error {
		return o.opErrorLocked(ActRecover, ErrInvalidState)
	}
	o.failure = nil
	o.transitionLocked(o.retry, ActRecover)
	return nil
}

// Subscribe registers for transition events. Slow subscribers miss events
// rather than block the orchestrator. cancel must be called to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan Event, 16)
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subs, id)
			close(ch)
		})
	}
}

func (o *Orchestrator) failLocked(op Action, retry State, err error) {
	from := o.state
	o.retry = retry
	o.failure = &Failure{Op: op, State: from, Retry: retry, Message: err.Error()}
	o.transitionLocked(Error, op)
}

func (o *Orchestrator) opErrorLocked(op Action, err error) error {
	return &OpError{Op: op, State: o.state, Err: err}
}

func (o *Orchestrator) transitionLocked(to State, op Action) {
	from := o.state
	o.state = to
	o.logger.Debug("State changed", "from", from, "to", to, "op", op)
	o.emitLocked(op)
}

func (o *Orchestrator) emitLocked(op Action) {
	if len(o.subs) == 0 {
		return
	}
	ev := Event{Op: op, Snapshot: o.snapshotLocked(), Time: time.Now()}
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:   o.state,
		Draft:   o.draft.clone(),
		Actions: o.actionsLocked(),
	}
	if o.template != nil {
		s.TemplateID = o.template.ID
		s.TemplateTitle = o.template.Title
	}
	if o.failure != nil {
		f := *o.failure
		s.Failure = &f
	}
	return s
}

func (o *Orchestrator) actionsLocked() []Action {
	actions := []Action{}
	if o.acquiring || o.state.Busy() {
		return actions
	}
	actions = append(actions, ActAcquire)

	switch o.state {
	case Idle, ImageReady, ResultReady, Error:
		actions = append(actions, ActSelectTemplate)
	}
	if o.checkAnalyzeLocked() == nil {
		actions = append(actions, ActAnalyze)
	}
	if o.checkEditLocked() == nil {
		actions = append(actions, ActEdit)
	}
	if o.checkCommitLocked() == nil {
		actions = append(actions, ActCommit)
	}
	if !o.labeling && (o.state == Committed || o.state == LabelReady) && o.draft != nil && o.draft.RecordID != 0 {
		actions = append(actions, ActLabel)
	}
	if o.state == Error {
		actions = append(actions, ActRecover)
	}
	return actions
}
