package uploader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"lecturebot/internal/catalog"
	"lecturebot/internal/delivery"
	logx "lecturebot/pkg/logx"
)

// run is the per-batch loop. It returns nil when the batch is removed or
// deactivated and ctx.Err() when cancelled.
func (s *Service) run(ctx context.Context, t *task, log logx.Logger) error {
	if !sleepCtx(ctx, s.cfg.WarmUp) {
		return ctx.Err()
	}

	for {
		t.setState(stateChecking)
		b, ok, err := s.d.Batches.GetBatch(ctx, t.batchID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("batch lookup failed", logx.Err(err))
			t.setState(stateRetrying)
			if !sleepCtx(ctx, s.cfg.RetryInterval) {
				return ctx.Err()
			}
			continue
		}
		if !ok || !b.Active {
			log.Info("batch removed or inactive, task exiting", logx.Bool("found", ok))
			return nil
		}

		token, chatID := b.Token, b.ChatID
		if token == "" {
			token = t.token
		}
		if chatID == 0 {
			chatID = t.chatID
		}

		items, ok := s.d.Catalog.FetchSchedule(ctx, t.batchID, token)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !ok {
			s.d.Metrics.cycle("schedule_failed")
			s.publish(EventScheduleFailed, TaskEvent{BatchID: t.batchID})
			log.Warn("schedule unavailable, retrying later", logx.Duration("retry_in", s.cfg.RetryInterval))
			t.setState(stateRetrying)
			if !sleepCtx(ctx, s.cfg.RetryInterval) {
				return ctx.Err()
			}
			continue
		}

		t.setState(stateProcessing)
		fresh := 0
		for _, it := range items {
			if s.d.Ledger.Has(it.ID) {
				continue
			}
			fresh++
			ilog := log.With(logx.String("item", it.ID))
			if err := s.processItem(ctx, t.batchID, chatID, token, it, ilog); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.d.Metrics.item("unclassified")
				ilog.Error("item pipeline failed, will retry next cycle", logx.Err(err))
				continue
			}
			if err := s.d.Ledger.MarkProcessed(ctx, it.ID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ilog.Error("mark processed failed", logx.Err(err))
				continue
			}
			s.d.Metrics.item("processed")
			s.publish(EventItemProcessed, ItemEvent{
				BatchID: t.batchID, ItemID: it.ID, Title: it.Title,
				Documents: len(it.Documents), Video: it.Video != nil,
			})
		}

		now := time.Now()
		if err := s.d.Batches.TouchBatch(ctx, t.batchID, now); err != nil && ctx.Err() == nil {
			log.Warn("last-check update failed", logx.Err(err))
		}
		t.cycles.Add(1)
		t.lastCycle.Store(now.UnixNano())
		s.d.Metrics.cycle("ok")
		log.Debug("cycle complete", logx.Int("items", len(items)), logx.Int("new", fresh))

		t.setState(stateSleeping)
		if !sleepCtx(ctx, s.cfg.Interval) {
			return ctx.Err()
		}
	}
}

// processItem delivers an item's documents then its video. A nil return
// means the item is done (delivered or failed in a handled way) and may be
// marked. Cancellation and anything unclassified come back as errors.
func (s *Service) processItem(ctx context.Context, batchID string, chatID int64, token string, it catalog.ScheduleItem, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("item pipeline panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for i, doc := range it.Documents {
		loc, ok := doc.Location()
		if !ok {
			s.d.Metrics.document("skipped")
			log.Debug("document has no location", logx.Int("index", i))
			continue
		}
		if err := s.d.Sink.SendDocument(ctx, chatID, loc, doc.Title); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, delivery.ErrTransport) {
				return err
			}
			s.d.Metrics.document("failed")
			log.Warn("document send failed", logx.Int("index", i), logx.Err(err))
		} else {
			s.d.Metrics.document("sent")
		}
		if !sleepCtx(ctx, s.cfg.DocumentPacing) {
			return ctx.Err()
		}
	}

	if it.Video == nil {
		return nil
	}
	if it.Video.Kind == catalog.VideoExternal {
		s.d.Metrics.video("external")
		log.Debug("video externally hosted, skipped", logx.String("url_type", it.Video.URLType))
		return nil
	}
	return s.deliverVideo(ctx, batchID, chatID, token, it, log)
}

func (s *Service) deliverVideo(ctx context.Context, batchID string, chatID int64, token string, it catalog.ScheduleItem, log logx.Logger) error {
	manifest, ok := s.d.Catalog.FetchRawMediaLocation(ctx, it.ID, batchID, token)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !ok {
		s.d.Metrics.video("unresolved")
		log.Warn("video location unavailable, skipping video")
		return nil
	}
	stream, ok := s.d.Resolver.ResolvePlayableStream(ctx, manifest)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !ok {
		s.d.Metrics.video("unresolved")
		log.Warn("stream resolution failed, skipping video")
		return nil
	}

	err := s.d.Sink.DeliverVideo(ctx, chatID, stream, it.Title)
	switch {
	case err == nil:
		s.d.Metrics.video("delivered")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, delivery.ErrDownload):
		s.d.Metrics.video("download_failed")
		log.Warn("video download failed", logx.Err(err))
		return nil
	case errors.Is(err, delivery.ErrTransport):
		s.d.Metrics.video("transport_failed")
		log.Warn("video upload failed", logx.Err(err))
		return nil
	default:
		return err
	}
}

// sleepCtx waits d or until ctx ends; false means ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
