package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"housecup.org/internal/docstore"
	"housecup.org/internal/obs"
	"housecup.org/internal/policy"
	"housecup.org/internal/stream"
)

const (
	reasonNotFound    = "not found"
	reasonZeroBalance = "balance already zero"
)

// ParseIdentifiers splits pasted text on newlines, commas and whitespace,
// dropping blanks and repeats while keeping first-seen order.
func ParseIdentifiers(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	return normalizeIdentifiers(fields)
}

func normalizeIdentifiers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// writeGroup is the set of writes that adjusts one member.
type writeGroup struct {
	externalID string
	member     Member
	applied    int64
	writes     []docstore.Write
	grouped    bool // the last write increments the member's group
}

// BulkAdjust applies the same adjustment to every member named by external
// id. Writes are committed in chunks that each fit one store batch, so the
// call as a whole is not atomic: the report lists exactly the identifiers
// whose chunk committed. Members deleted while the call runs are reported
// "not found" and do not hold up the rest of their chunk. A failing chunk
// stops the run; it and every unprocessed identifier are reported failed and
// the error wraps ErrStoreUnavailable.
//
// Deductions under the clamp policy commit each chunk as a transaction that
// re-reads balances, so concurrent deductions cannot take a balance below
// zero. Updated holds each member as committed, in Successful order.
func (e *Engine) BulkAdjust(ctx context.Context, externalIDs []string, delta int64, remark, awarderID string) (*BulkReport, error) {
	remark, err := validateAdjustment(delta, remark, awarderID)
	if err != nil {
		return nil, err
	}
	report := &BulkReport{Successful: []string{}, Failed: []BulkFailure{}, Updated: []Member{}}
	ids := normalizeIdentifiers(externalIDs)
	if len(ids) == 0 {
		return report, nil
	}

	awarder, err := e.loadMember(ctx, e.store, awarderID)
	if err != nil {
		return nil, classify("load awarder", err)
	}
	resolved, err := e.resolveExternalIDs(ctx, ids)
	if err != nil {
		return nil, classify("resolve members", err)
	}
	groups, err := e.existingGroups(ctx, resolved)
	if err != nil {
		return nil, classify("resolve groups", err)
	}

	var pending []writeGroup
	for _, id := range ids {
		m, ok := resolved[id]
		if !ok {
			report.Failed = append(report.Failed, BulkFailure{ID: id, Reason: reasonNotFound})
			continue
		}
		if err := policy.CanAdjust(awarder.actor(), m.actor()); err != nil {
			report.Failed = append(report.Failed, BulkFailure{ID: id, Reason: err.Error()})
			obs.ObserveAdjustment("bulk", "denied", 0)
			continue
		}
		applied := e.applied(m.Points, delta)
		if applied == 0 {
			report.Failed = append(report.Failed, BulkFailure{ID: id, Reason: reasonZeroBalance})
			continue
		}
		wg, err := e.buildWriteGroup(id, m, applied, remark, awarder, groups)
		if err != nil {
			report.Failed = append(report.Failed, BulkFailure{ID: id, Reason: err.Error()})
			continue
		}
		pending = append(pending, wg)
	}

	commit := e.commitGroups
	if delta < 0 && e.clamp {
		commit = func(ctx context.Context, pending []writeGroup, report *BulkReport) error {
			return e.commitClamped(ctx, pending, delta, remark, awarderID, report)
		}
	}
	if err := commit(ctx, pending, report); err != nil {
		return report, err
	}

	e.log.InfoContext(ctx, "bulk adjustment finished",
		slog.String("awarder_id", awarderID),
		slog.Int64("delta", delta),
		slog.Int("requested", len(ids)),
		slog.Int("successful", len(report.Successful)),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// resolveExternalIDs looks members up by external id, one "in" query per
// MaxInValues identifiers.
func (e *Engine) resolveExternalIDs(ctx context.Context, ids []string) (map[string]Member, error) {
	out := make(map[string]Member, len(ids))
	for start := 0; start < len(ids); start += docstore.MaxInValues {
		end := min(start+docstore.MaxInValues, len(ids))
		snaps, err := e.store.Query(ctx, e.users.Query().Where("customId", docstore.OpIn, ids[start:end]))
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			m, err := decodeMember(snap)
			if err != nil {
				return nil, err
			}
			if _, dup := out[m.ExternalID]; dup {
				e.log.WarnContext(ctx, "duplicate external id", slog.String("external_id", m.ExternalID))
				continue
			}
			out[m.ExternalID] = m
		}
	}
	return out, nil
}

// existingGroups reports which referenced groups exist, so stale group ids
// do not fail a whole chunk.
func (e *Engine) existingGroups(ctx context.Context, members map[string]Member) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, m := range members {
		if m.GroupID == "" {
			continue
		}
		if _, seen := out[m.GroupID]; seen {
			continue
		}
		snap, err := e.store.Get(ctx, e.groupRef(m.GroupID))
		if err != nil {
			return nil, err
		}
		out[m.GroupID] = snap.Exists
	}
	return out, nil
}

func (e *Engine) buildWriteGroup(externalID string, m Member, applied int64, remark string, awarder Member, groups map[string]bool) (writeGroup, error) {
	wg := writeGroup{externalID: externalID, member: m, applied: applied}
	add := func(kind docstore.WriteKind, ref docstore.Ref, data docstore.Data) error {
		w, err := docstore.NewWrite(kind, ref, data)
		if err != nil {
			return err
		}
		wg.writes = append(wg.writes, w)
		return nil
	}
	if err := add(docstore.WriteUpdate, e.memberRef(m.ID), docstore.Data{"points": docstore.Increment(applied)}); err != nil {
		return writeGroup{}, err
	}
	if err := add(docstore.WriteSet, e.historyOf(m.ID).NewDoc(), historyData(applied, remark, awarder, m)); err != nil {
		return writeGroup{}, err
	}
	if m.GroupID != "" && groups[m.GroupID] {
		if err := add(docstore.WriteUpdate, e.groupRef(m.GroupID), docstore.Data{"points": docstore.Increment(applied)}); err != nil {
			return writeGroup{}, err
		}
		wg.grouped = true
	}
	return wg, nil
}

// commitGroups packs write groups into batches, committing whenever the
// next group would not fit.
func (e *Engine) commitGroups(ctx context.Context, pending []writeGroup, report *BulkReport) error {
	limit := min(e.batchCap, e.store.Batch().Limit())
	var (
		chunk []writeGroup
		size  int
	)
	flush := func(rest []writeGroup) error {
		for len(chunk) > 0 {
			err := e.commitChunk(ctx, chunk)
			if err == nil {
				break
			}
			if errors.Is(err, docstore.ErrNotFound) {
				kept, changed, perr := e.pruneVanished(ctx, chunk, report)
				if perr == nil && changed {
					chunk = kept
					continue
				}
			}
			e.failRemaining(ctx, report, err, chunk, rest)
			return classifyBatch(err)
		}
		if len(chunk) > 0 {
			obs.BatchCommits.WithLabelValues("ok").Inc()
		}
		for _, wg := range chunk {
			e.recordApplied(report, wg.externalID, e.committedMember(ctx, wg), wg.applied)
		}
		chunk, size = nil, 0
		return nil
	}

	for i, wg := range pending {
		if size+len(wg.writes) > limit {
			if err := flush(pending[i:]); err != nil {
				return err
			}
		}
		chunk = append(chunk, wg)
		size += len(wg.writes)
	}
	return flush(nil)
}

// pruneVanished re-reads a chunk whose commit hit a missing document.
// Members deleted since resolution are reported "not found" and dropped;
// increments of deleted groups are dropped from their write groups.
// changed is false when nothing vanished.
func (e *Engine) pruneVanished(ctx context.Context, chunk []writeGroup, report *BulkReport) ([]writeGroup, bool, error) {
	kept := make([]writeGroup, 0, len(chunk))
	changed := false
	for _, wg := range chunk {
		snap, err := e.store.Get(ctx, e.memberRef(wg.member.ID))
		if err != nil {
			return nil, false, err
		}
		if !snap.Exists {
			report.Failed = append(report.Failed, BulkFailure{ID: wg.externalID, Reason: reasonNotFound})
			obs.ObserveAdjustment("bulk", "failed", 0)
			changed = true
			continue
		}
		if wg.grouped {
			_, ok, err := e.loadGroup(ctx, e.store, wg.member.GroupID)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				e.log.WarnContext(ctx, "group deleted during bulk adjustment",
					slog.String("member_id", wg.member.ID), slog.String("group_id", wg.member.GroupID))
				wg.writes = wg.writes[:len(wg.writes)-1]
				wg.grouped = false
				changed = true
			}
		}
		kept = append(kept, wg)
	}
	return kept, changed, nil
}

// committedMember reads the member back after its chunk committed, falling
// back to the resolved snapshot plus the applied delta.
func (e *Engine) committedMember(ctx context.Context, wg writeGroup) Member {
	m, err := e.loadMember(ctx, e.store, wg.member.ID)
	if err != nil {
		m = wg.member
		m.Points += wg.applied
	}
	return m
}

func (e *Engine) commitChunk(ctx context.Context, chunk []writeGroup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := e.store.Batch()
	for _, wg := range chunk {
		for _, w := range wg.writes {
			var err error
			switch w.Kind {
			case docstore.WriteUpdate:
				err = b.Update(w.Ref, w.Data)
			case docstore.WriteSet:
				err = b.Set(w.Ref, w.Data, false)
			case docstore.WriteMerge:
				err = b.Set(w.Ref, w.Data, true)
			case docstore.WriteDelete:
				err = b.Delete(w.Ref)
			}
			if err != nil {
				return err
			}
		}
	}
	return b.Commit(ctx)
}

// deduction is the in-transaction outcome for one member of a clamped chunk.
type deduction struct {
	externalID string
	member     Member
	applied    int64
	reason     string
}

// commitClamped applies a deduction chunk by chunk, each chunk one
// transaction that re-reads every balance before clamping it.
func (e *Engine) commitClamped(ctx context.Context, pending []writeGroup, delta int64, remark, awarderID string, report *BulkReport) error {
	// member update, history entry and at most one group update each
	const writesPerMember = 3
	size := max(1, min(e.batchCap, docstore.MaxTransactionWrites)/writesPerMember)

	for start := 0; start < len(pending); start += size {
		end := min(start+size, len(pending))
		chunk := pending[start:end]
		results, err := e.deductChunk(ctx, chunk, delta, remark, awarderID)
		if err != nil {
			e.failRemaining(ctx, report, err, chunk, pending[end:])
			return classifyBatch(err)
		}
		obs.BatchCommits.WithLabelValues("ok").Inc()
		for _, d := range results {
			if d.reason != "" {
				report.Failed = append(report.Failed, BulkFailure{ID: d.externalID, Reason: d.reason})
				obs.ObserveAdjustment("bulk", "failed", 0)
				continue
			}
			e.recordApplied(report, d.externalID, d.member, d.applied)
		}
	}
	return nil
}

func (e *Engine) deductChunk(ctx context.Context, chunk []writeGroup, delta int64, remark, awarderID string) ([]deduction, error) {
	var out []deduction
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		out = make([]deduction, 0, len(chunk))
		awarder, err := e.loadMember(ctx, tx, awarderID)
		if err != nil {
			return err
		}
		groups := make(map[string]*Group)
		for _, wg := range chunk {
			d := deduction{externalID: wg.externalID}
			snap, err := tx.Get(ctx, e.memberRef(wg.member.ID))
			if err != nil {
				return err
			}
			if !snap.Exists {
				d.reason = reasonNotFound
				out = append(out, d)
				continue
			}
			m, err := decodeMember(snap)
			if err != nil {
				return err
			}
			if err := policy.CanAdjust(awarder.actor(), m.actor()); err != nil {
				d.reason = err.Error()
				out = append(out, d)
				continue
			}
			if d.applied = e.applied(m.Points, delta); d.applied == 0 {
				d.reason = reasonZeroBalance
				out = append(out, d)
				continue
			}
			if _, seen := groups[m.GroupID]; m.GroupID != "" && !seen {
				g, ok, err := e.loadGroup(ctx, tx, m.GroupID)
				if err != nil {
					return err
				}
				groups[m.GroupID] = nil
				if ok {
					groups[m.GroupID] = &g
				}
			}
			d.member = m
			out = append(out, d)
		}

		touched := make(map[string]bool)
		for i := range out {
			d := &out[i]
			if d.reason != "" {
				continue
			}
			if err := tx.Set(e.historyOf(d.member.ID).NewDoc(), historyData(d.applied, remark, awarder, d.member), false); err != nil {
				return err
			}
			d.member.Points += d.applied
			if err := tx.Update(e.memberRef(d.member.ID), docstore.Data{"points": d.member.Points}); err != nil {
				return err
			}
			if g := groups[d.member.GroupID]; g != nil {
				g.Points += d.applied
				touched[g.ID] = true
			}
		}
		for id := range touched {
			if err := tx.Update(e.groupRef(id), docstore.Data{"points": groups[id].Points}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// failRemaining reports a failed chunk and everything after it.
func (e *Engine) failRemaining(ctx context.Context, report *BulkReport, err error, chunk, rest []writeGroup) {
	obs.BatchCommits.WithLabelValues("failed").Inc()
	reason := "store error: " + err.Error()
	for _, group := range [][]writeGroup{chunk, rest} {
		for _, wg := range group {
			report.Failed = append(report.Failed, BulkFailure{ID: wg.externalID, Reason: reason})
			obs.ObserveAdjustment("bulk", "failed", 0)
		}
	}
	e.log.ErrorContext(ctx, "bulk chunk commit failed",
		slog.Int("chunk", len(chunk)), slog.Int("unprocessed", len(rest)), slog.Any("err", err))
}

func (e *Engine) recordApplied(report *BulkReport, externalID string, m Member, applied int64) {
	report.Successful = append(report.Successful, externalID)
	report.Updated = append(report.Updated, m)
	obs.ObserveAdjustment("bulk", "ok", applied)
	e.publish(stream.PointsEvent{
		Kind:     stream.KindAdjusted,
		MemberID: m.ID,
		GroupID:  m.GroupID,
		Delta:    applied,
		Points:   m.Points,
	})
}

func classifyBatch(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("bulk commit: %w", err)
	}
	return fmt.Errorf("%w: bulk commit: %w", ErrStoreUnavailable, err)
}
