// ============================================================================
// litcurate AgentTaskQueue - 任務狀態機
// ============================================================================
//
// Package: internal/taskqueue
// 文件: queue.go
// 功能: 管理每筆紀錄對應的 AgentTask 生命週期與狀態轉換
//
// 設計理念:
//   採用混合式設計，兼顧性能和一致性：
//   1. tasks map - 統一的任務存儲，作為單一真實來源
//   2. 狀態索引 - pending queue、inProgress/completed/failed maps 提供快速查詢
//   3. 兩者通過指針同步，確保狀態一致性
//
// 任務狀態轉換:
//   Pending (待處理)
//      ↓ Dispatch()
//   InProgress (執行中，屬於某個 WorkerBatch)
//      ↓ Complete() / Fail()            ↓ Requeue()（worker 遺失，Attempt+1）
//   Completed / Failed                  Pending（佇列尾端）
//
//   - InProgress → Pending: Reset()（重啟時對帳，不增加 Attempt，放回佇列前端）
//   - Failed → Pending: Reset()（明確重試，清除 FailureMarker）
//
// 分割保證:
//   任一時刻 pending / in_progress / completed / failed 四個集合互斥，
//   聯集等於所有已入列的紀錄。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//
// ============================================================================

package taskqueue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrTaskNotFound = errors.New("taskqueue: task not found")
	// 不合法的狀態轉換
	ErrInvalidTransition = errors.New("taskqueue: invalid state transition")
	// 任務 ID 重複
	ErrDuplicateTask = errors.New("taskqueue: task already exists")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Queue 任務佇列（僅記憶體狀態；持久化由 Store 負責）
type Queue struct {
	mu         sync.RWMutex
	tasks      map[types.RecordID]*types.AgentTask // 所有任務的統一儲存
	queue      []types.RecordID                    // 待處理佇列（FIFO）
	inProgress map[types.RecordID]*types.AgentTask // 執行中任務
	completed  map[types.RecordID]*types.AgentTask // 已完成任務
	failed     map[types.RecordID]*types.AgentTask // 失敗任務
	nextSeq    uint64
	now        func() time.Time
}

// Partition 四個互斥的任務集合（各自依 ID 排序）
type Partition struct {
	Pending    []types.RecordID `json:"pending"`
	InProgress []types.RecordID `json:"in_progress"`
	Completed  []types.RecordID `json:"completed"`
	Failed     []types.RecordID `json:"failed"`
}

// Total 任務總數
func (p Partition) Total() int {
	return len(p.Pending) + len(p.InProgress) + len(p.Completed) + len(p.Failed)
}

// Stats 佇列統計
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// NewQueue 建立空佇列
func NewQueue() *Queue {
	return &Queue{
		tasks:      make(map[types.RecordID]*types.AgentTask),
		queue:      make([]types.RecordID, 0),
		inProgress: make(map[types.RecordID]*types.AgentTask),
		completed:  make(map[types.RecordID]*types.AgentTask),
		failed:     make(map[types.RecordID]*types.AgentTask),
		now:        time.Now,
	}
}

// ============================================================================
// 狀態轉換
// ============================================================================

// NewTask 以 record 建立下一個 pending 任務（尚未加入佇列）
func (q *Queue) NewTask(rec types.Record) types.AgentTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	now := q.now().UnixMilli()
	return types.AgentTask{
		ID:        rec.ID,
		Seq:       q.nextSeq + 1,
		Record:    rec,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Has 任務是否已存在（任何狀態）
func (q *Queue) Has(id types.RecordID) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.tasks[id]
	return ok
}

// Insert 加入一個 pending 任務；ID 已存在（任何狀態）時回傳 ErrDuplicateTask
func (q *Queue) Insert(task types.AgentTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if task.Seq <= q.nextSeq {
		task.Seq = q.nextSeq + 1
	}
	q.nextSeq = task.Seq
	task.Status = types.StatusPending

	t := task
	q.tasks[t.ID] = &t
	q.queue = append(q.queue, t.ID)
	return nil
}

// PeekPending 回傳佇列前 n 個 pending ID，不改變狀態
func (q *Queue) PeekPending(n int) []types.RecordID {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if n > len(q.queue) {
		n = len(q.queue)
	}
	if n <= 0 {
		return nil
	}
	out := make([]types.RecordID, n)
	copy(out, q.queue[:n])
	return out
}

// Dispatch 將 pending 任務標記為屬於 batchID 的執行中任務
func (q *Queue) Dispatch(id types.RecordID, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.expect(id, types.StatusPending)
	if err != nil {
		return err
	}
	q.removeFromQueue(id)
	task.Status = types.StatusInProgress
	task.BatchID = batchID
	task.UpdatedAt = q.now().UnixMilli()
	q.inProgress[id] = task
	return nil
}

// Complete 記錄 annotation，任務移到 completed
//
// 允許從 in_progress 或 pending（重放 / 對帳時）轉入；已完成時為冪等操作。
func (q *Queue) Complete(id types.RecordID, ann types.StructuredAnnotation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch task.Status {
	case types.StatusCompleted:
		return nil
	case types.StatusFailed:
		return fmt.Errorf("%w: %s is failed", ErrInvalidTransition, id)
	}
	q.detach(task)
	a := ann
	task.Annotation = &a
	task.Failure = nil
	task.Status = types.StatusCompleted
	task.UpdatedAt = q.now().UnixMilli()
	q.completed[id] = task
	return nil
}

// Fail 記錄 FailureMarker，任務移到 failed
func (q *Queue) Fail(id types.RecordID, marker types.FailureMarker) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch task.Status {
	case types.StatusFailed:
		return nil
	case types.StatusCompleted:
		return fmt.Errorf("%w: %s is completed", ErrInvalidTransition, id)
	}
	q.detach(task)
	m := marker
	task.Failure = &m
	task.Status = types.StatusFailed
	task.UpdatedAt = q.now().UnixMilli()
	q.failed[id] = task
	return nil
}

// Requeue 將執行中任務放回佇列尾端並設定 Attempt
func (q *Queue) Requeue(id types.RecordID, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.expect(id, types.StatusInProgress)
	if err != nil {
		return err
	}
	delete(q.inProgress, id)
	task.Status = types.StatusPending
	task.Attempt = attempt
	task.UpdatedAt = q.now().UnixMilli()
	q.queue = append(q.queue, id)
	return nil
}

// Reset 將執行中任務放回佇列前端（不增加 Attempt），
// 或將失敗任務放回佇列尾端並清除 FailureMarker 與 Attempt
func (q *Queue) Reset(id types.RecordID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch task.Status {
	case types.StatusInProgress:
		delete(q.inProgress, id)
		q.queue = append([]types.RecordID{id}, q.queue...)
	case types.StatusFailed:
		delete(q.failed, id)
		task.Failure = nil
		task.Attempt = 0
		q.queue = append(q.queue, id)
	default:
		return fmt.Errorf("%w: reset %s from %s", ErrInvalidTransition, id, task.Status)
	}
	task.Status = types.StatusPending
	task.UpdatedAt = q.now().UnixMilli()
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// Get 取得任務副本
func (q *Queue) Get(id types.RecordID) (types.AgentTask, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	task, ok := q.tasks[id]
	if !ok {
		return types.AgentTask{}, false
	}
	return *task, true
}

// Tasks 回傳指定狀態的任務副本（依 Seq 排序）
func (q *Queue) Tasks(status types.TaskStatus) []types.AgentTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []types.AgentTask
	for _, t := range q.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// PendingCount pending 任務數
func (q *Queue) PendingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queue)
}

// Partition 回傳四個互斥集合
func (q *Queue) Partition() Partition {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return Partition{
		Pending:    sortedIDs(q.queue),
		InProgress: sortedKeys(q.inProgress),
		Completed:  sortedKeys(q.completed),
		Failed:     sortedKeys(q.failed),
	}
}

// Stats 回傳各狀態計數
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return Stats{
		Total:      len(q.tasks),
		Pending:    len(q.queue),
		InProgress: len(q.inProgress),
		Completed:  len(q.completed),
		Failed:     len(q.failed),
	}
}

// ============================================================================
// 快照支援
// ============================================================================

// Snapshot 序列化所有任務狀態（深拷貝）
func (q *Queue) Snapshot() types.SnapshotData {
	q.mu.RLock()
	defer q.mu.RUnlock()

	data := types.SnapshotData{
		Tasks: make(map[types.RecordID]*types.AgentTask, len(q.tasks)),
		Order: make([]types.RecordID, len(q.queue)),
	}
	for id, t := range q.tasks {
		c := *t
		data.Tasks[id] = &c
	}
	copy(data.Order, q.queue)
	return data
}

// Restore 從快照重建佇列與索引
func (q *Queue) Restore(data types.SnapshotData) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = make(map[types.RecordID]*types.AgentTask, len(data.Tasks))
	q.queue = make([]types.RecordID, 0, len(data.Order))
	q.inProgress = make(map[types.RecordID]*types.AgentTask)
	q.completed = make(map[types.RecordID]*types.AgentTask)
	q.failed = make(map[types.RecordID]*types.AgentTask)
	q.nextSeq = 0

	for id, t := range data.Tasks {
		c := *t
		q.tasks[id] = &c
		if c.Seq > q.nextSeq {
			q.nextSeq = c.Seq
		}
		switch c.Status {
		case types.StatusInProgress:
			q.inProgress[id] = &c
		case types.StatusCompleted:
			q.completed[id] = &c
		case types.StatusFailed:
			q.failed[id] = &c
		}
	}

	inQueue := make(map[types.RecordID]bool, len(data.Order))
	for _, id := range data.Order {
		if t, ok := q.tasks[id]; ok && t.Status == types.StatusPending && !inQueue[id] {
			q.queue = append(q.queue, id)
			inQueue[id] = true
		}
	}
	// 快照中 pending 卻不在 Order 的任務依 Seq 接在尾端
	var orphans []*types.AgentTask
	for id, t := range q.tasks {
		if t.Status == types.StatusPending && !inQueue[id] {
			orphans = append(orphans, t)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Seq < orphans[j].Seq })
	for _, t := range orphans {
		q.queue = append(q.queue, t.ID)
	}
}

// ============================================================================
// 內部輔助
// ============================================================================

func (q *Queue) expect(id types.RecordID, status types.TaskStatus) (*types.AgentTask, error) {
	task, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != status {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, task.Status, status)
	}
	return task, nil
}

// detach 將任務從 pending / in_progress 索引移除
func (q *Queue) detach(task *types.AgentTask) {
	switch task.Status {
	case types.StatusPending:
		q.removeFromQueue(task.ID)
	case types.StatusInProgress:
		delete(q.inProgress, task.ID)
	}
}

func (q *Queue) removeFromQueue(id types.RecordID) {
	for i, qid := range q.queue {
		if qid == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
}

func sortedKeys(m map[types.RecordID]*types.AgentTask) []types.RecordID {
	out := make([]types.RecordID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedIDs(ids []types.RecordID) []types.RecordID {
	out := make([]types.RecordID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
