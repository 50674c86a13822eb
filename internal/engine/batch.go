package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/accounts"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/events"
	"github.com/scoutflow/scoutflow/internal/worker"
)

// minBatchYield is the cutoff below which a batch signals the creator pool
// is exhausted and further batches would only rescan.
const minBatchYield = 5

// driverLogName is the conventional log file drivers leave under the task
// dir. Picked up on driver errors when the driver itself reported no path.
const driverLogName = "driver.log"

// runAggregate accumulates the outcome of a run across its batches.
type runAggregate struct {
	success       bool
	cancelled     bool
	newCreators   int
	scanned       int
	batches       int
	outputFiles   []string
	logPath       string
	latestSubject string
	message       string
}

// runBatches drives up to max_batches driver calls against one borrowed
// session, sharing the seen/skipped sets across batches. It returns the
// aggregate and the session currently held, which may differ from the one
// passed in when a dead session was replaced mid-run.
func (m *Manager) runBatches(
	ctx context.Context,
	st *taskState,
	log *logger.Logger,
	acct *accounts.Account,
	sess worker.Session,
) (runAggregate, worker.Session) {
	m.mu.Lock()
	snapshot := st.task.Clone()
	m.mu.Unlock()

	agg := runAggregate{success: true}
	target := snapshot.TargetNewCreators

	maxBatches := m.cfg.MaxBatches
	if maxBatches < 1 {
		maxBatches = 1
	}
	perBatchLimit := m.cfg.PerBatchLimit
	if perBatchLimit < 1 {
		perBatchLimit = 1
	}
	if snapshot.MaxCreators > 0 && snapshot.MaxCreators < perBatchLimit {
		perBatchLimit = snapshot.MaxCreators
	}

	seen := worker.NewSet()
	skipped := worker.NewSet()

	lastBatchNew := 0
	for batch := 0; batch < maxBatches; batch++ {
		// Completion is decided before cancellation: a cancel landing after
		// the final batch already returned does not unwind the run.
		remaining := target - agg.newCreators
		if batch > 0 && remaining <= 0 && lastBatchNew >= minBatchYield {
			log.Info("target reached",
				zap.Int("new_creators", agg.newCreators),
				zap.Int("target", target))
			break
		}
		if st.latch.Tripped() {
			agg.cancelled = true
			break
		}

		batchTarget := remaining
		if batchTarget < 1 {
			batchTarget = 1
		}
		if batchTarget > perBatchLimit {
			batchTarget = perBatchLimit
		}

		driver, err := m.factory.New(ctx)
		if err != nil {
			agg.success = false
			agg.message = fmt.Sprintf("driver init failed: %v", err)
			log.Error("driver init failed", zap.Error(err))
			break
		}

		req := &worker.BatchRequest{
			TaskID:      snapshot.TaskID,
			TaskDir:     snapshot.TaskDir,
			Payload:     snapshot.Payload,
			BatchTarget: batchTarget,
			MaxCreators: snapshot.MaxCreators,
			Account:     acct,
			Session:     sess,
			Cancel:      st.latch.C(),
			Progress:    m.progressSink(st, agg.newCreators),
			Seen:        seen,
			Skipped:     skipped,
		}

		log.Info("batch starting",
			zap.Int("batch", batch),
			zap.Int("batch_target", batchTarget),
			zap.Int("aggregated_new", agg.newCreators))

		res, err := driver.Run(ctx, req)
		agg.batches++

		if err != nil {
			if worker.IsDriverClosed(err) {
				log.Warn("session lost mid-batch",
					zap.String("session_id", sess.ID()),
					zap.Error(err))
				// Hand the dead session back; the pool tears the slot down.
				m.sessions.Release(sess)
				sess = nil
				if !m.cfg.RetrySessionErrors {
					agg.success = false
					agg.message = fmt.Sprintf("session lost: %v", err)
					break
				}
				fresh, acqErr := m.acquireSession(ctx, st, snapshot.Region, acct.Name)
				if acqErr != nil {
					if st.latch.Tripped() {
						agg.cancelled = true
					} else {
						agg.success = false
						agg.message = fmt.Sprintf("session replacement failed: %v", acqErr)
					}
					break
				}
				sess = fresh
				log.Info("session replaced", zap.String("session_id", sess.ID()))
				continue
			}
			agg.success = false
			agg.message = err.Error()
			if agg.logPath == "" {
				if p := filepath.Join(snapshot.TaskDir, driverLogName); fileExists(p) {
					agg.logPath = p
				}
			}
			log.Error("batch errored", zap.Int("batch", batch), zap.Error(err))
			break
		}
		if res == nil {
			agg.success = false
			agg.message = "driver returned no result"
			break
		}

		agg.success = agg.success && res.Success
		agg.newCreators += res.NewCreators
		agg.scanned += res.TotalScanned
		agg.outputFiles = append(agg.outputFiles, res.OutputFiles...)
		if res.LogPath != "" {
			agg.logPath = res.LogPath
		}
		if res.LatestSubject != "" {
			agg.latestSubject = res.LatestSubject
		}
		if res.Message != "" {
			agg.message = res.Message
		}
		lastBatchNew = res.NewCreators

		m.flushBatch(ctx, st, &agg)

		log.Info("batch finished",
			zap.Int("batch", batch),
			zap.Int("batch_new", res.NewCreators),
			zap.Int("batch_scanned", res.TotalScanned),
			zap.Bool("batch_success", res.Success))

		if res.Cancelled || st.latch.Tripped() {
			agg.cancelled = true
			break
		}
		if !res.Success {
			break
		}
		if res.RestartRequested {
			if agg.newCreators >= target {
				break
			}
			log.Info("driver requested restart",
				zap.String("reason", res.RestartReason))
			continue
		}
		if res.NewCreators < minBatchYield {
			log.Info("creator pool exhausted",
				zap.Int("batch_new", res.NewCreators))
			break
		}
	}
	return agg, sess
}

// flushBatch writes the aggregate into the live record at a batch boundary
// and streams a progress event.
func (m *Manager) flushBatch(ctx context.Context, st *taskState, agg *runAggregate) {
	m.mu.Lock()
	t := st.task
	t.NewCreators = agg.newCreators
	t.TotalCreators = agg.scanned
	if agg.latestSubject != "" {
		t.LatestSubject = agg.latestSubject
	}
	t.MergeOutputFiles(agg.outputFiles)
	if agg.logPath != "" {
		t.LogPath = agg.logPath
	}
	m.persistLocked(ctx, st)
	id := t.TaskID
	data := progressEventData(t)
	m.mu.Unlock()

	m.publish(events.TaskProgress, events.BuildTaskProgressSubject(id), data)
}

// progressSink builds the callback handed to one driver batch. baseNew is
// the aggregate before the batch, so in-batch counts project additively
// onto the record. The sink goes inert once cancellation was acknowledged
// or the task is terminal.
func (m *Manager) progressSink(st *taskState, baseNew int) worker.ProgressFunc {
	return func(p worker.Progress) {
		m.mu.Lock()
		if st.cancelRequested || st.task.Status.IsTerminal() {
			m.mu.Unlock()
			return
		}
		if n := baseNew + p.NewCreators; n > st.task.NewCreators {
			st.task.NewCreators = n
		}
		if p.LatestSubject != "" {
			st.task.LatestSubject = p.LatestSubject
		}
		id := st.task.TaskID
		data := progressEventData(st.task)
		m.mu.Unlock()

		m.publish(events.TaskProgress, events.BuildTaskProgressSubject(id), data)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
