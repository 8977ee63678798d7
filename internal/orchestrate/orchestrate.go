// Package orchestrate drives the scan and apply phases: a bounded worker
// pool processes photo pairs, a single coordinator owns proposal and
// checkpoint state, and a file lock keeps concurrent runs off the same root.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"backsync/internal/config"
	"backsync/internal/dateparse"
	"backsync/internal/discover"
	"backsync/internal/exifsync"
	"backsync/internal/geocode"
	"backsync/internal/normalize"
	"backsync/internal/proposal"
	"backsync/internal/report"
	"backsync/internal/transcribe"
)

// ErrLocked is returned when another run holds the work-directory lock.
var ErrLocked = errors.New("another run holds the lock")

// Syncer is the slice of exifsync the orchestrator needs.
type Syncer interface {
	Check(ctx context.Context) error
	Apply(ctx context.Context, e proposal.Entry) error
	ReadTags(ctx context.Context, path string, tags []string) (map[string]string, error)
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	cfg         config.Config
	transcriber transcribe.Transcriber
	resolver    *geocode.Resolver
	normalizer  *normalize.Normalizer
	parser      *dateparse.Parser
	syncer      Syncer
	checkpoints *Checkpoints
	bus         *report.Bus
	collector   *report.Collector
}

func New(cfg config.Config, tr transcribe.Transcriber, resolver *geocode.Resolver, syncer Syncer, checkpoints *Checkpoints, bus *report.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		transcriber: tr,
		resolver:    resolver,
		normalizer:  normalize.New(cfg),
		parser:      dateparse.New(cfg.MinYear, cfg.MaxYear),
		syncer:      syncer,
		checkpoints: checkpoints,
		bus:         bus,
		collector:   report.NewCollector(),
	}
}

// Summary returns the aggregated counters for the current run.
func (o *Orchestrator) Summary() report.Summary { return o.collector.Snapshot() }

func (o *Orchestrator) publish(ev report.Event) {
	ev.At = config.Now()
	o.collector.Observe(ev)
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

func (o *Orchestrator) lock() (*flock.Flock, error) {
	if err := os.MkdirAll(o.cfg.WorkDir, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(o.cfg.WorkDir, "backsync.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !held {
		return nil, ErrLocked
	}
	return lock, nil
}

type workItem struct {
	idx  int
	pair discover.PhotoPair
}

type workResult struct {
	idx        int
	entry      proposal.Entry
	failReason string
}

// Scan processes every pair under root and writes the merged proposal file.
func (o *Orchestrator) Scan(ctx context.Context, root string, resume bool) (*proposal.Document, error) {
	lock, err := o.lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	res, err := discover.New(o.cfg).Discover(root)
	if err != nil {
		return nil, err
	}
	pairs := discover.FilterWithBacks(res.Pairs)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Original < pairs[j].Original })
	for range pairs {
		o.publish(report.Event{Kind: report.KindDiscovered})
	}

	done := make(map[string]proposal.Entry)
	var runID string
	if resume {
		state, err := o.checkpoints.FindResumable(ctx, root)
		if err != nil {
			return nil, err
		}
		if state != nil {
			runID = state.RunID
			done = state.Entries
			log.Printf("scan: resuming run %s with %d finished pairs", runID, len(done))
		}
	}
	if runID == "" {
		runID = uuid.NewString()
		if err := o.checkpoints.BeginRun(ctx, runID, root, len(pairs), config.Now()); err != nil {
			return nil, err
		}
		log.Printf("scan: run %s over %d pairs", runID, len(pairs))
	}

	// The feeder gets its own read-only snapshot of the resumed paths so the
	// coordinator loop stays the only goroutine touching done.
	resumed := make(map[string]struct{}, len(done))
	for path := range done {
		resumed[path] = struct{}{}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan workItem)
	results := make(chan workResult)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				results <- o.process(scanCtx, item)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for idx, pair := range pairs {
			if _, ok := resumed[pair.Original]; ok {
				continue
			}
			select {
			case <-scanCtx.Done():
				return
			case jobs <- workItem{idx: idx, pair: pair}:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	// abort unblocks the feeder and workers before an early error return so
	// no goroutine stays parked on jobs or results.
	abort := func() {
		cancel()
		go func() {
			for range results {
			}
		}()
	}

	// Single-writer coordination: only this loop touches checkpoints.
	batch := make(map[int]proposal.Entry)
	finalized := make(map[int]struct{})
	for idx, pair := range pairs {
		if _, ok := done[pair.Original]; ok {
			finalized[idx] = struct{}{}
		}
	}
	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		last := -1
		for idx := range finalized {
			if idx > last && contiguous(finalized, idx) {
				last = idx
			}
		}
		if err := o.checkpoints.SaveBatch(ctx, runID, last, batch, config.Now()); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		o.publish(report.Event{Kind: report.KindCheckpoint})
		batch = make(map[int]proposal.Entry)
		return nil
	}

	for result := range results {
		done[result.entry.OriginalPath] = result.entry
		batch[result.idx] = result.entry
		finalized[result.idx] = struct{}{}

		switch {
		case result.failReason != "":
			o.publish(report.Event{Kind: report.KindFailed, Path: result.entry.OriginalPath, Reason: result.failReason})
		case result.entry.Status == proposal.StatusSkip:
			o.publish(report.Event{Kind: report.KindSkipped, Path: result.entry.OriginalPath, Reason: result.entry.Reason})
		default:
			o.publish(report.Event{Kind: report.KindProcessed, Path: result.entry.OriginalPath})
		}

		if len(batch) >= o.cfg.BatchSize {
			if err := flushBatch(); err != nil {
				abort()
				return nil, err
			}
		}
	}
	if err := flushBatch(); err != nil {
		abort()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// The checkpoint is consistent; a later --resume picks up here.
		return nil, err
	}
	if err := o.checkpoints.FinishRun(ctx, runID, config.Now()); err != nil {
		return nil, err
	}

	doc := &proposal.Document{GeneratedAt: config.Now(), RunID: runID}
	for _, pair := range pairs {
		if entry, ok := done[pair.Original]; ok {
			doc.Entries = append(doc.Entries, entry)
		}
	}

	previous, problems, err := proposal.Load(o.cfg.ProposalPath)
	if err != nil {
		return nil, err
	}
	for _, p := range problems {
		log.Printf("scan: previous proposal %s", p)
	}
	doc = proposal.Merge(previous, doc)
	if err := proposal.Save(o.cfg.ProposalPath, doc); err != nil {
		return nil, err
	}
	log.Printf("scan: proposal written to %s (%d entries)", o.cfg.ProposalPath, len(doc.Entries))
	return doc, nil
}

// process runs one pair through transcription, extraction, and normalization
// under the per-item timeout. Failures degrade to a skipped entry rather than
// aborting the run.
func (o *Orchestrator) process(ctx context.Context, item workItem) workResult {
	itemCtx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout())
	defer cancel()

	pair := item.pair
	transcript, err := o.transcriber.Transcribe(itemCtx, pair.Back)
	if err != nil {
		reason := "transcription failed"
		switch {
		case errors.Is(err, transcribe.ErrNoSidecar):
			reason = "no transcript"
		case errors.Is(itemCtx.Err(), context.DeadlineExceeded):
			reason = "transcription timeout"
		}
		log.Printf("scan: %s: %v", filepath.Base(pair.Back), err)
		return workResult{
			idx:        item.idx,
			entry:      skipEntry(pair, reason),
			failReason: reason,
		}
	}
	if transcript.Empty() {
		return workResult{idx: item.idx, entry: skipEntry(pair, "nothing readable on back")}
	}

	text := transcript.RawText
	if transcript.DateText != "" && !strings.Contains(text, transcript.DateText) {
		text = transcript.DateText + "\n" + text
	}
	candidates := o.parser.ExtractFromTranscript(text)
	candidates = append(candidates, o.parser.ExtractFromFilename(filepath.Base(pair.Original))...)
	var date *dateparse.Candidate
	if selected, ok := dateparse.Select(candidates); ok {
		date = &selected
	}

	place, err := o.resolver.Resolve(itemCtx, transcript.LocationText)
	if err != nil {
		log.Printf("scan: geocode %s: %v", filepath.Base(pair.Back), err)
	}

	rec := o.normalizer.Build(pair.Original, pair.Back, transcript, date, place)
	entry := o.buildEntry(itemCtx, rec)
	return workResult{idx: item.idx, entry: entry}
}

func skipEntry(pair discover.PhotoPair, reason string) proposal.Entry {
	return proposal.Entry{
		OriginalPath: pair.Original,
		BackPath:     pair.Back,
		Status:       proposal.StatusSkip,
		Reason:       reason,
	}
}

// buildEntry renders a MetadataRecord into proposal fields. Current tag
// values are read best-effort; a missing exiftool leaves them blank.
func (o *Orchestrator) buildEntry(ctx context.Context, rec normalize.MetadataRecord) proposal.Entry {
	entry := proposal.Entry{
		OriginalPath: rec.OriginalPath,
		BackPath:     rec.BackPath,
		Status:       proposal.StatusPending,
		Confidence:   rec.Confidence,
	}

	add := func(kind proposal.FieldKind, proposed string) {
		if strings.TrimSpace(proposed) == "" {
			return
		}
		entry.Fields = append(entry.Fields, proposal.Field{Kind: kind, Proposed: proposed})
	}

	if rec.HasDate {
		add(proposal.FieldDate, exifsync.FormatDate(rec.Date, rec.HasTime))
	}
	add(proposal.FieldCaption, rec.Caption)
	add(proposal.FieldComment, rec.Comment)
	add(proposal.FieldKeywords, strings.Join(rec.Keywords, "; "))
	if rec.Place.Resolved {
		add(proposal.FieldGPS, exifsync.FormatLatLon(rec.Place.Lat, rec.Place.Lon))
		add(proposal.FieldCity, rec.Place.City)
		add(proposal.FieldCountry, rec.Place.Country)
	}
	add(proposal.FieldRoll, rec.Codes.RollID)
	if rec.Codes.Frame > 0 {
		add(proposal.FieldFrame, strconv.Itoa(rec.Codes.Frame))
	}

	if len(entry.Fields) == 0 {
		entry.Status = proposal.StatusSkip
		entry.Reason = "no usable metadata"
		return entry
	}

	if o.syncer != nil {
		var tags []string
		for _, f := range entry.Fields {
			tags = append(tags, proposal.TagsFor(f.Kind)...)
		}
		current, err := o.syncer.ReadTags(ctx, rec.OriginalPath, tags)
		if err != nil {
			log.Printf("scan: read tags %s: %v", filepath.Base(rec.OriginalPath), err)
		} else {
			for i := range entry.Fields {
				entry.Fields[i].Current = current[proposal.TagsFor(entry.Fields[i].Kind)[0]]
			}
		}
	}
	return entry
}

// Apply writes every PENDING entry of the proposal file into its original
// image, single-threaded, and records APPLIED/FAILED back into the file.
// In dry-run mode outcomes are reported but the file keeps its statuses.
func (o *Orchestrator) Apply(ctx context.Context, dryRun bool) error {
	lock, err := o.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	doc, problems, err := proposal.Load(o.cfg.ProposalPath)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("no proposal at %s, run scan first", o.cfg.ProposalPath)
	}
	for _, p := range problems {
		log.Printf("apply: proposal %s", p)
	}

	if o.syncer == nil {
		return errors.New("exif synchronizer not configured")
	}
	if err := o.syncer.Check(ctx); err != nil {
		return err
	}

	for i := range doc.Entries {
		entry := &doc.Entries[i]
		switch entry.Status {
		case proposal.StatusPending:
		case proposal.StatusSkip, proposal.StatusApplied:
			o.publish(report.Event{Kind: report.KindSkipped, Path: entry.OriginalPath, Reason: string(entry.Status)})
			continue
		default:
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}

		if err := o.syncer.Apply(ctx, *entry); err != nil {
			if !dryRun {
				entry.Status = proposal.StatusFailed
				entry.Reason = failReason(err)
			}
			o.publish(report.Event{Kind: report.KindFailed, Path: entry.OriginalPath, Reason: failReason(err)})
			continue
		}
		if !dryRun {
			entry.Status = proposal.StatusApplied
			entry.Reason = ""
		}
		o.publish(report.Event{Kind: report.KindApplied, Path: entry.OriginalPath})
	}

	if dryRun {
		return ctx.Err()
	}
	if err := proposal.Save(o.cfg.ProposalPath, doc); err != nil {
		return err
	}
	return ctx.Err()
}

func failReason(err error) string {
	if errors.Is(err, exifsync.ErrOriginalMissing) {
		return "original not found"
	}
	return err.Error()
}

// contiguous reports whether every index from 0 through idx is finalized.
func contiguous(finalized map[int]struct{}, idx int) bool {
	for i := 0; i <= idx; i++ {
		if _, ok := finalized[i]; !ok {
			return false
		}
	}
	return true
}
