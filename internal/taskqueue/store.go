package taskqueue

// ============================================================================
// 持久化任務佇列
// 職責：
// 1. 每個狀態轉換先寫 WAL，再修改記憶體狀態
// 2. Checkpoint：寫入原子快照（含 WAL LastSeq）後旋轉 WAL
// 3. Open：載入快照 → 重放 LastSeq 之後的 WAL 事件
// 4. Ingest / Reconcile：以 worker sink 的結果推進執行中任務
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/litcurate/internal/snapshot"
	"github.com/ChuLiYu/litcurate/internal/storage/wal"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

const (
	walFile      = "queue.wal"
	snapshotFile = "queue.snapshot.json"
)

// Options Store 設定
type Options struct {
	MaxTaskAttempts int  // worker 遺失達此次數即標記 worker_lost
	SyncOnAppend    bool // 每個 WAL 事件都 fsync
	Logger          *slog.Logger
}

// Store 具 WAL 與快照的任務佇列
type Store struct {
	mu       sync.Mutex
	q        *Queue
	wal      *wal.WAL
	snap     *snapshot.Manager
	opts     Options
	logger   *slog.Logger
	replayed int
}

// IngestReport 一個批次結果的匯入摘要
type IngestReport struct {
	Completed  []types.RecordID
	Failed     []types.RecordID
	Unresolved []types.RecordID // 沒有對應本批次的結果
}

// ReconcileReport 重啟對帳摘要
type ReconcileReport struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Reset     int `json:"reset"`
}

// Open 開啟（或建立）dir 下的佇列狀態
//
// 恢復流程：
//  1. loadSnapshot() - 從最新快照恢復狀態
//  2. replayWAL()    - 重放快照之後的事件
func Open(dir string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxTaskAttempts <= 0 {
		opts.MaxTaskAttempts = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("taskqueue: mkdir %s: %w", dir, err)
	}

	s := &Store{
		q:      NewQueue(),
		snap:   snapshot.NewManager(filepath.Join(dir, snapshotFile)),
		opts:   opts,
		logger: opts.Logger,
	}

	data, err := s.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: load snapshot: %w", err)
	}
	s.q.Restore(data)

	w, err := wal.Open(filepath.Join(dir, walFile), opts.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: open wal: %w", err)
	}
	w.AdvanceSeq(data.LastSeq)
	s.wal = w

	if err := w.Replay(data.LastSeq, func(ev wal.Event) error {
		s.replayed++
		if err := apply(s.q, ev); err != nil {
			s.logger.Warn("wal event not applicable, skipping", "seq", ev.Seq, "type", ev.Type, "task", ev.TaskID, "error", err)
		}
		return nil
	}); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("taskqueue: replay wal: %w", err)
	}

	st := s.q.Stats()
	s.logger.Info("task queue opened",
		"dir", dir, "snapshot_seq", data.LastSeq, "replayed", s.replayed,
		"pending", st.Pending, "in_progress", st.InProgress, "completed", st.Completed, "failed", st.Failed)
	return s, nil
}

// apply 將 WAL 事件套用到記憶體佇列（寫入與重放共用）
func apply(q *Queue, ev wal.Event) error {
	switch ev.Type {
	case wal.EventEnqueue:
		if ev.Task == nil {
			return fmt.Errorf("enqueue event without task")
		}
		return q.Insert(*ev.Task)
	case wal.EventDispatch:
		return q.Dispatch(ev.TaskID, ev.BatchID)
	case wal.EventAck:
		if ev.Annotation == nil {
			return fmt.Errorf("ack event without annotation")
		}
		return q.Complete(ev.TaskID, *ev.Annotation)
	case wal.EventFail:
		if ev.Failure == nil {
			return fmt.Errorf("fail event without marker")
		}
		return q.Fail(ev.TaskID, *ev.Failure)
	case wal.EventRequeue:
		return q.Requeue(ev.TaskID, ev.Attempt)
	case wal.EventReset:
		return q.Reset(ev.TaskID)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// record 寫 WAL 後套用（呼叫者持有 s.mu）
func (s *Store) record(ev wal.Event) error {
	if _, err := s.wal.Append(ev); err != nil {
		return err
	}
	return apply(s.q, ev)
}

// ============================================================================
// 狀態轉換（WAL 優先）
// ============================================================================

// Enqueue 加入 records；已存在（任何狀態）的 ID 不會重複建立任務
func (s *Store) Enqueue(records []types.Record) ([]types.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]types.RecordID, 0, len(records))
	for _, rec := range records {
		if s.q.Has(rec.ID) {
			continue
		}
		task := s.q.NewTask(rec)
		if err := s.record(wal.Event{Type: wal.EventEnqueue, TaskID: rec.ID, Task: &task}); err != nil {
			return added, err
		}
		added = append(added, rec.ID)
	}
	return added, nil
}

// DequeueBatch 取出最多 n 個 pending 任務並標記為屬於 batchID
func (s *Store) DequeueBatch(n int, batchID string) ([]types.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.q.PeekPending(n)
	out := make([]types.AgentTask, 0, len(ids))
	for _, id := range ids {
		if err := s.record(wal.Event{Type: wal.EventDispatch, TaskID: id, BatchID: batchID}); err != nil {
			return out, err
		}
		t, _ := s.q.Get(id)
		out = append(out, t)
	}
	return out, nil
}

// MarkComplete 記錄 annotation
func (s *Store) MarkComplete(id types.RecordID, ann types.StructuredAnnotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCompleteLocked(id, ann)
}

func (s *Store) markCompleteLocked(id types.RecordID, ann types.StructuredAnnotation) error {
	t, ok := s.q.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch t.Status {
	case types.StatusCompleted:
		return nil
	case types.StatusFailed:
		return fmt.Errorf("%w: %s is failed", ErrInvalidTransition, id)
	}
	return s.record(wal.Event{Type: wal.EventAck, TaskID: id, BatchID: t.BatchID, Annotation: &ann})
}

// MarkFailed 記錄 FailureMarker
func (s *Store) MarkFailed(id types.RecordID, marker types.FailureMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markFailedLocked(id, marker)
}

func (s *Store) markFailedLocked(id types.RecordID, marker types.FailureMarker) error {
	t, ok := s.q.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch t.Status {
	case types.StatusFailed:
		return nil
	case types.StatusCompleted:
		return fmt.Errorf("%w: %s is completed", ErrInvalidTransition, id)
	}
	return s.record(wal.Event{Type: wal.EventFail, TaskID: id, BatchID: t.BatchID, Failure: &marker})
}

// Requeue worker 遺失：Attempt+1 後放回佇列；達到 MaxTaskAttempts 時標記 worker_lost
func (s *Store) Requeue(id types.RecordID, reason string) (types.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeueLocked(id, reason)
}

func (s *Store) requeueLocked(id types.RecordID, reason string) (types.TaskStatus, error) {
	t, ok := s.q.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != types.StatusInProgress {
		return t.Status, fmt.Errorf("%w: requeue %s from %s", ErrInvalidTransition, id, t.Status)
	}

	attempt := t.Attempt + 1
	if attempt >= s.opts.MaxTaskAttempts {
		marker := types.FailureMarker{
			RecordID:  id,
			Kind:      types.FailureWorkerLost,
			Reason:    fmt.Sprintf("worker lost %d times: %s", attempt, reason),
			BatchID:   t.BatchID,
			WrittenAt: time.Now().UnixMilli(),
		}
		if err := s.record(wal.Event{Type: wal.EventFail, TaskID: id, BatchID: t.BatchID, Attempt: attempt, Failure: &marker}); err != nil {
			return "", err
		}
		return types.StatusFailed, nil
	}
	if err := s.record(wal.Event{Type: wal.EventRequeue, TaskID: id, BatchID: t.BatchID, Attempt: attempt}); err != nil {
		return "", err
	}
	return types.StatusPending, nil
}

// Release 將仍在執行中的任務放回佇列前端，不計入嘗試次數（例如操作者中斷）
func (s *Store) Release(ids []types.RecordID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for i := len(ids) - 1; i >= 0; i-- {
		t, ok := s.q.Get(ids[i])
		if !ok || t.Status != types.StatusInProgress {
			continue
		}
		if err := s.record(wal.Event{Type: wal.EventReset, TaskID: t.ID, BatchID: t.BatchID}); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Ingest 匯入一個批次的結果
//
// 只接受 BatchID 與任務目前批次相同的結果；批次中沒有結果的任務列為 Unresolved，
// 由呼叫端決定 Requeue 或保持。
func (s *Store) Ingest(batch types.WorkerBatch, outcomes []types.Outcome) (IngestReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[types.RecordID]types.Outcome, len(outcomes))
	for _, o := range outcomes {
		if o.BatchID == batch.ID {
			byID[o.RecordID] = o
		}
	}

	var report IngestReport
	for _, task := range batch.Tasks {
		cur, ok := s.q.Get(task.ID)
		if !ok || cur.Status != types.StatusInProgress || cur.BatchID != batch.ID {
			continue
		}
		o, ok := byID[task.ID]
		if !ok {
			report.Unresolved = append(report.Unresolved, task.ID)
			continue
		}
		done, err := s.applyOutcomeLocked(o)
		if err != nil {
			return report, err
		}
		switch done {
		case types.StatusCompleted:
			report.Completed = append(report.Completed, task.ID)
		case types.StatusFailed:
			report.Failed = append(report.Failed, task.ID)
		default:
			report.Unresolved = append(report.Unresolved, task.ID)
		}
	}
	return report, nil
}

func (s *Store) applyOutcomeLocked(o types.Outcome) (types.TaskStatus, error) {
	switch {
	case o.Annotation != nil:
		return types.StatusCompleted, s.markCompleteLocked(o.RecordID, *o.Annotation)
	case o.Failure != nil:
		return types.StatusFailed, s.markFailedLocked(o.RecordID, *o.Failure)
	default:
		return "", nil
	}
}

// Reconcile 重啟時對帳
//
// 每個執行中任務：若 sinks 已有其目前批次的結果則完成 / 失敗，否則放回 pending。
// outcomes 以 RecordID 為鍵，值為最後寫入者。
func (s *Store) Reconcile(outcomes map[types.RecordID]types.Outcome) (ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report ReconcileReport
	inProgress := s.q.Tasks(types.StatusInProgress)
	// 依 Seq 由大到小 Reset，放回前端後維持原順序
	for i := len(inProgress) - 1; i >= 0; i-- {
		t := inProgress[i]
		if o, ok := outcomes[t.ID]; ok && o.BatchID == t.BatchID {
			done, err := s.applyOutcomeLocked(o)
			if err != nil {
				return report, err
			}
			switch done {
			case types.StatusCompleted:
				report.Completed++
				continue
			case types.StatusFailed:
				report.Failed++
				continue
			}
		}
		if err := s.record(wal.Event{Type: wal.EventReset, TaskID: t.ID, BatchID: t.BatchID}); err != nil {
			return report, err
		}
		report.Reset++
	}
	return report, nil
}

// RequeueFailed 將所有失敗任務放回 pending（明確重試）
func (s *Store) RequeueFailed() ([]types.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []types.RecordID
	for _, t := range s.q.Tasks(types.StatusFailed) {
		if err := s.record(wal.Event{Type: wal.EventReset, TaskID: t.ID}); err != nil {
			return ids, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// ============================================================================
// 快照與查詢
// ============================================================================

// Checkpoint 寫入快照並旋轉 WAL
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.q.Snapshot()
	data.LastSeq = s.wal.GetLastSeq()
	if err := s.snap.Write(data); err != nil {
		return fmt.Errorf("taskqueue: checkpoint: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("taskqueue: rotate wal: %w", err)
	}
	return nil
}

// Get 取得任務副本
func (s *Store) Get(id types.RecordID) (types.AgentTask, bool) { return s.q.Get(id) }

// Tasks 指定狀態的任務（依入列順序）
func (s *Store) Tasks(status types.TaskStatus) []types.AgentTask { return s.q.Tasks(status) }

// PendingCount pending 任務數
func (s *Store) PendingCount() int { return s.q.PendingCount() }

// Partition 四個互斥集合
func (s *Store) Partition() Partition { return s.q.Partition() }

// Stats 各狀態計數
func (s *Store) Stats() Stats { return s.q.Stats() }

// Replayed Open 時重放的 WAL 事件數
func (s *Store) Replayed() int { return s.replayed }

// WALPath WAL 檔案路徑
func (s *Store) WALPath() string { return s.wal.Path() }

// Close 關閉 WAL
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.wal.Close(); err != nil && !errors.Is(err, wal.ErrWALClosed) {
		return err
	}
	return nil
}
