// Package pruner bounds the growth of the message store. On a timer it
// walks every channel with pruning thresholds, optionally archives eligible
// messages to disk, then deletes them in bounded batches. Event-log rows
// age out on the same schedule.
package pruner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meridianhq/meridian/internal/archive"
	"github.com/meridianhq/meridian/internal/events"
	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

// ErrRunning is returned by Run when a pruner cycle is already in progress.
var ErrRunning = errors.New("pruner run already in progress")

// Config wires the pruner's collaborators.
type Config struct {
	Store  storage.Store
	Logger *slog.Logger
	Events *events.Bus
	// Clock defaults to the wall clock. Tests substitute a mock.
	Clock clock.Clock
}

// Pruner owns the schedule and the run state. One instance per engine.
type Pruner struct {
	store  storage.Store
	logger *slog.Logger
	bus    *events.Bus
	clock  clock.Clock

	mu       sync.Mutex
	settings Settings
	live     *Status
	last     *Status
	running  bool
	abort    chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Pruner with settings loaded from the store.
func New(ctx context.Context, cfg Config) (*Pruner, error) {
	if cfg.Store == nil {
		return nil, errors.New("pruner requires a store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	settings, err := LoadSettings(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	return &Pruner{
		store:    cfg.Store,
		logger:   cfg.Logger.With("component", "pruner"),
		bus:      cfg.Events,
		clock:    cfg.Clock,
		settings: settings,
		stopCh:   make(chan struct{}),
	}, nil
}

// Settings returns the current configuration.
func (p *Pruner) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// UpdateSettings persists and applies a new configuration. The schedule
// picks up the new interval on its next tick.
func (p *Pruner) UpdateSettings(ctx context.Context, s Settings) error {
	if err := SaveSettings(ctx, p.store, s); err != nil {
		return err
	}
	p.mu.Lock()
	p.settings = s
	p.mu.Unlock()
	return nil
}

// LiveStatus returns a snapshot of the in-flight run, or nil when idle.
func (p *Pruner) LiveStatus() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live.clone()
}

// LastStatus returns the most recent completed run, or nil before the first.
func (p *Pruner) LastStatus() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last.clone()
}

// Start launches the polling loop. The loop does not keep the process
// alive; Stop tears it down.
func (p *Pruner) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		interval := time.Duration(p.Settings().PollingIntervalHours) * time.Hour
		ticker := p.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !p.Settings().Enabled {
					continue
				}
				// A tick during a run is skipped, not queued.
				if err := p.Run(ctx); err != nil && !errors.Is(err, ErrRunning) {
					p.logger.Error("pruner run failed", "error", err)
				}
			}
		}
	}()
}

// Stop aborts any in-flight run and halts the polling loop.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.Abort()
	p.wg.Wait()
}

// Abort asks the current run to stop after its current batch. No-op when
// idle.
func (p *Pruner) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && p.abort != nil {
		select {
		case <-p.abort:
		default:
			close(p.abort)
		}
	}
}

func (p *Pruner) aborted() bool {
	p.mu.Lock()
	ch := p.abort
	p.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Run executes one full pruning cycle synchronously. Returns ErrRunning if
// a cycle is already in progress.
func (p *Pruner) Run(ctx context.Context) error {
	return p.runCycle(ctx, nil)
}

// RunBefore executes one cycle with every channel's message threshold
// replaced by the given cutoff. Channels without thresholds are included;
// the CLI uses this for ad-hoc pruning.
func (p *Pruner) RunBefore(ctx context.Context, cutoff time.Time) error {
	return p.runCycle(ctx, &cutoff)
}

func (p *Pruner) runCycle(ctx context.Context, override *time.Time) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	p.running = true
	p.abort = make(chan struct{})
	settings := p.settings
	status := newStatus(p.clock.Now())
	p.live = status
	p.mu.Unlock()

	err := p.run(ctx, settings, status, override)

	p.mu.Lock()
	status.EndTime = p.clock.Now()
	status.CurrentChannelID = ""
	status.CurrentChannelName = ""
	p.last = status.clone()
	p.live = nil
	p.running = false
	p.abort = nil
	p.mu.Unlock()

	p.emit(ctx, status)
	return err
}

func (p *Pruner) run(ctx context.Context, settings Settings, status *Status, override *time.Time) error {
	started := p.clock.Now()
	p.logger.Info("pruner run started")

	if settings.PruneEvents && settings.MaxEventAgeDays > 0 {
		p.setPhase(status, func(s *Status) { s.PruningEvents = true })
		before := started.AddDate(0, 0, -settings.MaxEventAgeDays)
		n, err := p.store.PruneEvents(ctx, before)
		p.setPhase(status, func(s *Status) { s.PruningEvents = false; s.EventsPruned = n })
		if err != nil {
			p.logger.Error("event pruning failed", "error", err)
		} else if n > 0 {
			p.logger.Info("pruned events", "count", n, "before", before)
		}
	}

	tasks, err := p.buildTasks(ctx, started, override)
	if err != nil {
		return err
	}
	p.setPhase(status, func(s *Status) {
		for _, t := range tasks {
			s.Pending[t.channel.ID] = struct{}{}
		}
	})

	var firstErr error
	for _, t := range tasks {
		if p.aborted() || ctx.Err() != nil {
			p.logger.Info("pruner run aborted")
			break
		}
		p.setPhase(status, func(s *Status) {
			s.CurrentChannelID = t.channel.ID
			s.CurrentChannelName = t.channel.Name
		})

		msgs, content, err := p.pruneChannelWithRetries(ctx, settings, t, status)
		p.setPhase(status, func(s *Status) {
			delete(s.Pending, t.channel.ID)
			s.MessagesPruned += msgs
			s.ContentPruned += content
			if err != nil {
				s.Failed[t.channel.ID] = struct{}{}
			} else {
				s.Processed[t.channel.ID] = struct{}{}
			}
		})
		if err != nil {
			p.logger.Error("channel prune failed",
				"channel_id", t.channel.ID, "channel_name", t.channel.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if msgs > 0 || content > 0 {
			p.logger.Info("channel pruned",
				"channel_id", t.channel.ID, "messages", msgs, "content_rows", content)
		}
	}

	p.logger.Info("pruner run finished",
		"messages_pruned", status.MessagesPruned,
		"duration", p.clock.Since(started))
	return firstErr
}

// task is one channel's pruning work for a run. A zero threshold disables
// that kind of removal.
type task struct {
	channel       *types.Channel
	messageBefore time.Time
	contentBefore time.Time
}

// buildTasks resolves per-channel thresholds. Channels with DISABLED
// storage, no thresholds, or no tables are skipped. METADATA storage keeps
// no content, so its content threshold is dropped.
func (p *Pruner) buildTasks(ctx context.Context, now time.Time, override *time.Time) ([]task, error) {
	channels, err := p.store.GetChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	var tasks []task
	for _, ch := range channels {
		props := ch.Properties
		if props.StorageMode == types.StorageDisabled {
			continue
		}
		if override == nil && props.PruneMetaDataDays == nil && props.PruneContentDays == nil {
			continue
		}
		ok, err := p.store.HasChannelTables(ctx, ch.ID)
		if err != nil || !ok {
			continue
		}
		if override != nil {
			tasks = append(tasks, task{channel: ch, messageBefore: *override})
			continue
		}
		t := task{channel: ch}
		if props.PruneMetaDataDays != nil {
			t.messageBefore = now.AddDate(0, 0, -*props.PruneMetaDataDays)
		}
		if props.PruneContentDays != nil && props.StorageMode != types.StorageMetadata {
			t.contentBefore = now.AddDate(0, 0, -*props.PruneContentDays)
		}
		if t.messageBefore.IsZero() && t.contentBefore.IsZero() {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (p *Pruner) pruneChannelWithRetries(ctx context.Context, settings Settings, t task, status *Status) (int64, int64, error) {
	attempts := settings.RetryCount + 1
	var msgs, content int64
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var m, c int64
		m, c, err = p.pruneChannel(ctx, settings, t, status)
		msgs += m
		content += c
		if err == nil || p.aborted() || ctx.Err() != nil {
			break
		}
		p.logger.Warn("channel prune attempt failed",
			"channel_id", t.channel.ID, "attempt", attempt, "error", err)
	}
	return msgs, content, err
}

// pruneChannel runs the content pass and then the full-message pass. When
// both thresholds are set the content threshold is usually the earlier cut,
// so content-only rows vanish first and whole messages follow once they age
// past the metadata threshold.
func (p *Pruner) pruneChannel(ctx context.Context, settings Settings, t task, status *Status) (int64, int64, error) {
	var msgs, content int64

	if !t.contentBefore.IsZero() {
		n, err := p.pruneContent(ctx, settings, t)
		content += n
		if err != nil {
			return msgs, content, err
		}
	}
	if !t.messageBefore.IsZero() {
		n, err := p.pruneMessages(ctx, settings, t, status)
		msgs += n
		if err != nil {
			return msgs, content, err
		}
	}
	return msgs, content, nil
}

func (p *Pruner) pruneContent(ctx context.Context, settings Settings, t task) (int64, error) {
	ids, err := p.store.GetPrunableMessageIDs(ctx, t.channel.ID, storage.PruneOptions{
		Before:         t.contentBefore,
		SkipStatuses:   settings.SkipStatuses,
		SkipIncomplete: settings.SkipIncomplete,
		Limit:          IDRetrieveLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch content-prunable ids: %w", err)
	}
	var total int64
	for _, batch := range batches(ids, settings.PruningBlockSize) {
		if p.aborted() || ctx.Err() != nil {
			return total, nil
		}
		n, err := p.store.RemoveContent(ctx, t.channel.ID, batch)
		total += n
		if err != nil {
			return total, fmt.Errorf("remove content: %w", err)
		}
		if _, err := p.store.RemoveAttachments(ctx, t.channel.ID, batch); err != nil {
			return total, fmt.Errorf("remove attachments: %w", err)
		}
	}
	return total, nil
}

func (p *Pruner) pruneMessages(ctx context.Context, settings Settings, t task, status *Status) (int64, error) {
	ids, err := p.store.GetPrunableMessageIDs(ctx, t.channel.ID, storage.PruneOptions{
		Before:         t.messageBefore,
		SkipStatuses:   settings.SkipStatuses,
		SkipIncomplete: settings.SkipIncomplete,
		Limit:          IDRetrieveLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch prunable ids: %w", err)
	}

	var writer *archive.Writer
	if settings.ArchiveEnabled {
		if writer, err = archive.NewWriter(settings.Archiver); err != nil {
			return 0, err
		}
	}

	var total int64
	for _, batch := range batches(ids, settings.PruningBlockSize) {
		if p.aborted() || ctx.Err() != nil {
			return total, nil
		}
		deletable := batch
		if writer != nil {
			p.setPhase(status, func(s *Status) { s.Archiving = true })
			deletable, err = p.archiveBatch(ctx, writer, t.channel.ID, batch)
			p.setPhase(status, func(s *Status) { s.Archiving = false })
			if err != nil {
				return total, err
			}
			if len(deletable) == 0 {
				continue
			}
		}
		p.setPhase(status, func(s *Status) { s.Pruning = true })
		n, err := p.store.RemoveMessages(ctx, t.channel.ID, deletable)
		p.setPhase(status, func(s *Status) { s.Pruning = false })
		total += n
		if err != nil {
			return total, fmt.Errorf("remove messages: %w", err)
		}
	}
	return total, nil
}

// archiveBatch writes the batch to the archive and returns only the ids
// that made it to disk. Messages that fail to encode stay in the store for
// the next run.
func (p *Pruner) archiveBatch(ctx context.Context, writer *archive.Writer, channelID string, ids []int64) ([]int64, error) {
	messages, err := p.store.GetMessagesByIDs(ctx, channelID, ids)
	if err != nil {
		return nil, fmt.Errorf("load messages for archive: %w", err)
	}
	archived := make([]int64, 0, len(messages))
	for _, msg := range messages {
		if err := writer.Write(msg); err != nil {
			p.logger.Error("archive write failed",
				"channel_id", channelID, "message_id", msg.MessageID, "error", err)
			continue
		}
		archived = append(archived, msg.MessageID)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush archive: %w", err)
	}
	return archived, nil
}

func (p *Pruner) setPhase(status *Status, fn func(*Status)) {
	p.mu.Lock()
	fn(status)
	p.mu.Unlock()
}

func (p *Pruner) emit(ctx context.Context, status *Status) {
	if p.bus == nil {
		return
	}
	event := &events.Event{
		Type: events.TypePrunerRun,
		Time: status.EndTime,
		Attributes: map[string]string{
			"messages_pruned": strconv.FormatInt(status.MessagesPruned, 10),
			"content_pruned":  strconv.FormatInt(status.ContentPruned, 10),
			"events_pruned":   strconv.FormatInt(status.EventsPruned, 10),
			"channels":        strconv.Itoa(len(status.Processed)),
			"failed":          strconv.Itoa(len(status.Failed)),
		},
	}
	if err := p.bus.Dispatch(ctx, event); err != nil {
		p.logger.Warn("pruner event dispatch failed", "error", err)
	}
}

func batches(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = 1000
	}
	var out [][]int64
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
