package memory

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Decay sweeps a user's rows older than cutoff, deleting the vector entry
// first and then marking the row decayed. The sweep is resumable: progress is
// checkpointed in a per-(user, agent) cursor, and already-decayed rows are
// excluded at the store level, so a rerun after interruption scans only what
// the previous run did not finish.
func (c *Coordinator) Decay(ctx context.Context, userID string, cutoff time.Time, opts DecayOptions) (*DecayReport, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "missing"}
	}
	if cutoff.IsZero() {
		return nil, &ValidationError{Field: "cutoff", Reason: "missing"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.DecayTimeout)
	defer cancel()

	cursor, err := c.loadCursor(ctx, userID, opts.AgentName)
	if err != nil {
		return nil, asStoreErr("relational", err)
	}
	// A fresh sweep starts from the beginning; a resumed one continues where
	// the interrupted run checkpointed.
	afterID := int64(0)
	if cursor.LastSweptAt.Equal(cutoff) {
		afterID = cursor.LastRowID
	}

	report := &DecayReport{}
	for {
		var batch []Record
		if err := c.retry.Do(ctx, "memlog.scan", func(ctx context.Context) error {
			var err error
			batch, err = c.rel.ScanDecayable(ctx, userID, opts.AgentName, cutoff, afterID, c.opts.DecayBatch)
			return err
		}); err != nil {
			c.auditDecay(ctx, userID, opts.AgentName, report, err)
			return report, asStoreErr("relational", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			report.Scanned++
			afterID = rec.ID

			if c.exempt(&rec, opts) {
				report.Retained++
				continue
			}
			if err := c.decayOne(ctx, &rec); err != nil {
				// Row stays live but the cursor moves on; a later sweep with
				// a fresh cutoff picks it up again.
				report.Failed++
				c.logger.Warn("decay of row failed",
					zap.Int64("row_id", rec.ID), zap.Error(err))
				continue
			}
			report.Decayed++
		}

		cursor.LastSweptAt = cutoff
		cursor.LastRowID = afterID
		if err := c.retry.Do(ctx, "cursor.save", func(ctx context.Context) error {
			return c.rel.SaveDecayCursor(ctx, cursor)
		}); err != nil {
			c.auditDecay(ctx, userID, opts.AgentName, report, err)
			return report, asStoreErr("relational", err)
		}

		if len(batch) < c.opts.DecayBatch {
			break
		}
	}

	c.auditDecay(ctx, userID, opts.AgentName, report, nil)
	return report, nil
}

// decayOne deletes vector first, row second. A crash between the two leaves a
// committed row without a vector entry; it is still older than cutoff and not
// yet past the cursor, so the next sweep marks it decayed. The reverse order
// would strand an unreferenced vector entry forever.
func (c *Coordinator) decayOne(ctx context.Context, rec *Record) error {
	if rec.VectorRef != "" {
		if err := c.retry.Do(ctx, "vector.delete", func(ctx context.Context) error {
			return c.vec.Delete(ctx, []string{rec.VectorRef})
		}); err != nil {
			return asStoreErr("vector", err)
		}
	} else if rec.VectorState == StatePending {
		// An unconfirmed vector entry may exist without a recorded ref; it
		// still carries the row back-reference.
		if err := c.retry.Do(ctx, "vector.delete", func(ctx context.Context) error {
			return c.vec.DeleteByRowID(ctx, rec.ID)
		}); err != nil {
			return asStoreErr("vector", err)
		}
	}
	if err := c.retry.Do(ctx, "memlog.decay", func(ctx context.Context) error {
		return c.rel.MarkDecayed(ctx, rec.ID)
	}); err != nil {
		return asStoreErr("relational", err)
	}
	return nil
}

// exempt reports whether a row survives the sweep: explicitly retained rows
// always, and long_term goal/belief rows unless the sweep overrides.
func (c *Coordinator) exempt(rec *Record, opts DecayOptions) bool {
	if rec.Retain {
		return true
	}
	if opts.IncludeExempt {
		return false
	}
	return rec.MemoryType == LongTerm && (rec.HasTag("goal") || rec.HasTag("belief"))
}

func (c *Coordinator) loadCursor(ctx context.Context, userID, agentName string) (*DecayCursor, error) {
	var cursor *DecayCursor
	err := c.retry.Do(ctx, "cursor.load", func(ctx context.Context) error {
		var err error
		cursor, err = c.rel.GetDecayCursor(ctx, userID, agentName)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return &DecayCursor{UserID: userID, AgentName: agentName}, nil
	}
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (c *Coordinator) auditDecay(ctx context.Context, userID, agentName string, report *DecayReport, sweepErr error) {
	ev := &AuditEvent{
		EventType: "memory_decay", Severity: SeverityInfo,
		Message: "decay sweep completed",
		Data: map[string]any{
			"scanned": report.Scanned, "decayed": report.Decayed,
			"retained": report.Retained, "failed": report.Failed,
		},
		UserID: userID, AgentName: agentName,
	}
	if sweepErr != nil {
		ev.Severity = SeverityError
		ev.Message = "decay sweep interrupted"
		ev.Data["error"] = sweepErr.Error()
	}
	c.audit(ctx, ev)
}

// RepairPending completes or reclaims rows stuck in pending past the grace
// period. A row whose vector entry exists gets confirmed; a row with no
// vector entry is reclaimed as decayed. Safe to run concurrently with writes:
// only rows older than the grace window are touched.
func (c *Coordinator) RepairPending(ctx context.Context) (repaired, reclaimed int, err error) {
	cutoff := c.now().Add(-c.opts.PendingGrace)

	var stale []Record
	if err := c.retry.Do(ctx, "memlog.stale", func(ctx context.Context) error {
		var err error
		stale, err = c.rel.StalePending(ctx, cutoff, c.opts.DecayBatch)
		return err
	}); err != nil {
		return 0, 0, asStoreErr("relational", err)
	}

	for _, rec := range stale {
		hits, err := c.vec.FindByRowID(ctx, rec.ID)
		if err != nil {
			c.logger.Warn("repair lookup failed", zap.Int64("row_id", rec.ID), zap.Error(err))
			continue
		}
		if len(hits) > 0 {
			// Vector write succeeded but the confirm step was lost.
			if err := c.rel.ConfirmVector(ctx, rec.ID, hits[0].ID); err != nil {
				c.logger.Warn("repair confirm failed", zap.Int64("row_id", rec.ID), zap.Error(err))
				continue
			}
			repaired++
			continue
		}
		// No vector entry ever landed; reclaim the row.
		if err := c.rel.MarkDecayed(ctx, rec.ID); err != nil {
			c.logger.Warn("repair reclaim failed", zap.Int64("row_id", rec.ID), zap.Error(err))
			continue
		}
		reclaimed++
	}

	if repaired > 0 || reclaimed > 0 {
		c.audit(ctx, &AuditEvent{
			EventType: "pending_repair", Severity: SeverityInfo,
			Message: "stale pending rows processed",
			Data:    map[string]any{"repaired": repaired, "reclaimed": reclaimed},
		})
	}
	return repaired, reclaimed, nil
}

// RunMaintenance runs the periodic background pass: repair stale pending
// rows, then decay each user's rows older than the configured threshold.
// Blocks until ctx is cancelled.
func (c *Coordinator) RunMaintenance(ctx context.Context, interval time.Duration, decayThreshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, _, err := c.RepairPending(ctx); err != nil {
			c.logger.Warn("maintenance repair pass failed", zap.Error(err))
		}

		users, err := c.rel.ListUsers(ctx)
		if err != nil {
			c.logger.Warn("maintenance user listing failed", zap.Error(err))
			continue
		}
		cutoff := c.now().Add(-decayThreshold).Truncate(time.Second)
		for _, userID := range users {
			report, err := c.Decay(ctx, userID, cutoff, DecayOptions{})
			if err != nil {
				c.logger.Warn("maintenance decay failed",
					zap.String("user_id", userID), zap.Error(err))
				continue
			}
			if report.Decayed > 0 {
				c.logger.Info("maintenance decay swept",
					zap.String("user_id", userID),
					zap.Int("decayed", report.Decayed),
					zap.Int("retained", report.Retained))
			}
		}
	}
}
