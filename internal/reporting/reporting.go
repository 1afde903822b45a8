// Package reporting runs the delivery pipeline: every sample from the
// live stream is persisted before upload, then drained to the collector
// with retry. Delivery is at-least-once in queue-insertion order.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fieldtracker/internal/config"
	"fieldtracker/internal/geo"
	"fieldtracker/internal/keepalive"
	"fieldtracker/internal/metrics"
	"fieldtracker/internal/store"
	"fieldtracker/internal/trackstate"
	"fieldtracker/internal/uploader"
)

const insertAttempts = 3

// ErrInvalidSession rejects session ids that cannot tag queue rows.
var ErrInvalidSession = errors.New("session id must be positive")

// Reporter owns the reporting session lifecycle. Only one session reports
// at a time; starting a new one replaces the previous. Drain passes are
// serialized process-wide so rows always leave in id order.
type Reporter struct {
	cfg   config.Config
	store *store.Store
	up    uploader.Uploader
	ka    *keepalive.Controller
	state *trackstate.Aggregator

	mu          sync.Mutex
	sessionID   int64 // 0 = not reporting
	owner       string
	lastOwner   string
	subCancel   func()
	consumeDone chan struct{}

	drainMu sync.Mutex
	kick    chan struct{}
}

func New(cfg config.Config, st *store.Store, up uploader.Uploader, ka *keepalive.Controller, state *trackstate.Aggregator) *Reporter {
	return &Reporter{
		cfg:   cfg,
		store: st,
		up:    up,
		ka:    ka,
		state: state,
		kick:  make(chan struct{}, 1),
	}
}

// OwnerToken names the keep-alive claim held while a session reports.
func OwnerToken(sessionID int64) string {
	return fmt.Sprintf("location_report_%d", sessionID)
}

// StartReporting begins capturing and relaying samples for the session.
// Calling it for the already-active session is a no-op; for a different
// session it stops the previous one first, leaving that session's queued
// rows to drain opportunistically later.
func (r *Reporter) StartReporting(sessionID int64) error {
	if sessionID <= 0 {
		return ErrInvalidSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID == sessionID {
		return nil
	}
	if r.sessionID != 0 {
		log.Printf("reporting session=%d replaced by session=%d", r.sessionID, sessionID)
		r.stopLocked()
	}

	owner := OwnerToken(sessionID)
	r.ka.Acquire(owner)
	ch, cancel := r.ka.Observe()

	r.sessionID = sessionID
	r.owner = owner
	r.lastOwner = owner
	r.subCancel = cancel
	r.consumeDone = make(chan struct{})
	r.state.SetTracking(sessionID)

	go r.consume(sessionID, ch, r.consumeDone)
	r.kickDrain()
	log.Printf("reporting started session=%d owner=%s", sessionID, owner)
	return nil
}

// StopReporting ends the active session. Queued rows stay put; a final
// drain is kicked best-effort but not awaited. Idempotent.
func (r *Reporter) StopReporting() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
	r.kickDrain()
}

// ForceStopReporting is the defensive variant: it never panics, resets
// all session state, and releases the keep-alive token even if reporting
// already looks stopped.
func (r *Reporter) ForceStopReporting() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("force stop recovered: %v", rec)
		}
	}()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subCancel != nil {
		r.subCancel()
		r.subCancel = nil
	}
	if r.consumeDone != nil {
		<-r.consumeDone
		r.consumeDone = nil
	}
	if r.lastOwner != "" {
		r.ka.Release(r.lastOwner)
	}
	r.sessionID = 0
	r.owner = ""
	r.state.ClearTracking()
}

// SessionID returns the active session, or 0 when not reporting.
func (r *Reporter) SessionID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Reporter) stopLocked() {
	if r.sessionID == 0 {
		r.state.ClearTracking()
		return
	}
	sessionID := r.sessionID
	r.subCancel()
	<-r.consumeDone
	r.ka.Release(r.owner)
	r.sessionID = 0
	r.owner = ""
	r.subCancel = nil
	r.consumeDone = nil
	r.state.ClearTracking()
	log.Printf("reporting stopped session=%d", sessionID)
}

// consume persists every incoming sample, then triggers a drain. The
// channel closes when the subscription is cancelled.
func (r *Reporter) consume(sessionID int64, ch <-chan geo.Sample, done chan struct{}) {
	defer close(done)
	for s := range ch {
		r.capture(sessionID, s)
	}
}

// capture is the durability point: a sample counts as captured only once
// the insert lands. The local store failing is worse than an upload
// failure, so the insert gets its own small retry before the sample is
// declared lost.
func (r *Reporter) capture(sessionID int64, s geo.Sample) {
	r.state.RecordSample(s)
	metrics.IncCaptured()

	var err error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = r.store.Insert(ctx, sessionID, s, config.Now())
		cancel()
		if err == nil {
			r.kickDrain()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Printf("PERSIST FAILURE: sample dropped session=%d source=%s: %v", sessionID, s.Source, err)
	metrics.IncPersistFailure()
	r.state.RecordFailure("persist: " + err.Error())
}

func (r *Reporter) kickDrain() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run owns the retry tick, the retention sweep, and reacting to drain
// kicks. Passes that make no progress back off exponentially up to the
// configured ceiling; any delivered row resets the pace. Blocks until ctx
// is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	backoff := r.cfg.RetryInterval()
	retry := time.NewTimer(backoff)
	defer retry.Stop()
	sweep := time.NewTicker(r.cfg.SweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			r.sweepRetention(ctx)
			continue
		case <-r.kick:
		case <-retry.C:
		}

		uploaded, attempted := r.drain(ctx)
		if ctx.Err() != nil {
			return
		}
		if attempted > 0 && uploaded == 0 {
			backoff = min(backoff*2, r.cfg.RetryMaxInterval())
		} else {
			backoff = r.cfg.RetryInterval()
		}
		if !retry.Stop() {
			select {
			case <-retry.C:
			default:
			}
		}
		retry.Reset(backoff)
	}
}

// drain is one pass over eligible rows: the active session first, then
// any session with leftover backlog. Each eligible row is attempted at
// most once per pass; failures are marked and retried on a later pass so
// one bad row never blocks the rows behind it. Serialized process-wide.
func (r *Reporter) drain(ctx context.Context) (uploaded, attempted int) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	sessions := r.drainSessions(ctx)
	for _, sessionID := range sessions {
		u, a, err := r.drainSession(ctx, sessionID)
		uploaded += u
		attempted += a
		if err != nil {
			return uploaded, attempted
		}
	}
	return uploaded, attempted
}

func (r *Reporter) drainSessions(ctx context.Context) []int64 {
	var sessions []int64
	active := r.SessionID()
	if active != 0 {
		sessions = append(sessions, active)
	}
	backlog, err := r.store.SessionsWithBacklog(ctx)
	if err != nil {
		log.Printf("backlog sessions: %v", err)
		return sessions
	}
	for _, id := range backlog {
		if id != active {
			sessions = append(sessions, id)
		}
	}
	return sessions
}

// drainSession walks the session's eligible rows oldest-first, paging by
// id so the batch window keeps advancing past rows that fail. Every
// eligible row is attempted exactly once per pass, even when a whole
// batch of rows ahead of it keeps failing.
func (r *Reporter) drainSession(ctx context.Context, sessionID int64) (uploaded, attempted int, err error) {
	var afterID int64
	for {
		if ctx.Err() != nil {
			return uploaded, attempted, ctx.Err()
		}
		rows, qerr := r.store.UploadQueueAfter(ctx, sessionID, afterID, r.cfg.BatchLimit)
		if qerr != nil {
			log.Printf("upload queue session=%d: %v", sessionID, qerr)
			return uploaded, attempted, nil
		}
		if len(rows) == 0 {
			if attempted > 0 {
				log.Printf("drain session=%d uploaded=%d attempted=%d", sessionID, uploaded, attempted)
			}
			return uploaded, attempted, nil
		}
		for _, row := range rows {
			afterID = row.ID
			attempted++
			if uerr := r.uploadRow(ctx, row); uerr != nil {
				if isCancellation(ctx, uerr) {
					return uploaded, attempted, uerr
				}
				continue
			}
			uploaded++
		}
	}
}

// uploadRow attempts delivery of one row and records the outcome. A nil
// return means the row reached SUCCESS; cancellation is returned to the
// caller untouched and leaves the row eligible.
func (r *Reporter) uploadRow(ctx context.Context, row store.QueuedSample) error {
	upCtx, cancel := context.WithTimeout(ctx, r.cfg.UploadTimeout())
	err := r.up.Upload(upCtx, row.SessionID, row.Latitude, row.Longitude)
	cancel()
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		if serr := r.store.UpdateStatus(ctx, row.ID, geo.StatusFailed); serr != nil {
			log.Printf("mark failed id=%d: %v", row.ID, serr)
		}
		metrics.IncUploadFailed()
		r.state.RecordFailure(err.Error())
		return err
	}
	if serr := r.store.UpdateStatus(ctx, row.ID, geo.StatusSuccess); serr != nil {
		// delivered but not recorded; the row stays eligible, and the
		// collector sees a duplicate on the retry. At-least-once.
		log.Printf("mark success id=%d: %v", row.ID, serr)
		return nil
	}
	metrics.IncUploadSucceeded()
	r.state.RecordSuccess()
	return nil
}

// sweepRetention removes terminal rows older than the retention window.
// Pending rows are never touched regardless of age.
func (r *Reporter) sweepRetention(ctx context.Context) {
	cutoff := config.Now().Add(-r.cfg.RetentionWindow())
	var total int64
	for _, status := range []geo.Status{geo.StatusSuccess, geo.StatusFailed} {
		n, err := r.store.DeleteByStatusBefore(ctx, status, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("retention sweep %s: %v", status, err)
			}
			continue
		}
		total += n
	}
	metrics.IncSweep(total)
	if total > 0 {
		log.Printf("retention sweep removed=%d cutoff=%s", total, cutoff.Format(time.RFC3339))
	}
}

// isCancellation reports whether err is the caller unwinding rather than
// an ordinary upload failure. A per-attempt deadline with the parent
// context still live is an ordinary timeout failure.
func isCancellation(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}
