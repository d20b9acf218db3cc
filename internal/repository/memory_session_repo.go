package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/photoalbum/internal/model"
)

type memorySessionEntry struct {
	session   model.Session
	expiresAt time.Time
}

// MemorySessionRepo はプロセス内マップを使用したセッションストア。
// 単一インスタンス構成・開発・テスト向け。プロセス再起動でセッションは失われる。
type MemorySessionRepo struct {
	mu      sync.RWMutex
	entries map[string]memorySessionEntry
	now     func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		entries: make(map[string]memorySessionEntry),
		now:     time.Now,
	}
}

// WithClock は有効期限判定に使用する時刻関数を差し替える。テスト用。
func (r *MemorySessionRepo) WithClock(now func() time.Time) *MemorySessionRepo {
	r.now = now
	return r
}

// Get は指定IDのセッションを取得する。期限切れの場合はエントリを削除してnilを返す。
func (r *MemorySessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if !r.now().Before(entry.expiresAt) {
		r.mu.Lock()
		// 取得後に別のSetで更新されていない場合のみ削除する
		if cur, ok := r.entries[id]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		return nil, nil
	}

	s := entry.session
	return &s, nil
}

// Set はセッションのコピーを保存する。
func (r *MemorySessionRepo) Set(ctx context.Context, session *model.Session, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("invalid session ttl: %s", ttl)
	}

	r.mu.Lock()
	r.entries[session.ID] = memorySessionEntry{
		session:   *session,
		expiresAt: r.now().Add(ttl),
	}
	r.mu.Unlock()
	return nil
}

// Destroy は指定IDのセッションを削除する。
func (r *MemorySessionRepo) Destroy(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	return nil
}

// DeleteExpired は期限切れのエントリを削除し、削除件数を返す。
func (r *MemorySessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := r.now()
	var n int64

	r.mu.Lock()
	for id, entry := range r.entries {
		if !now.Before(entry.expiresAt) {
			delete(r.entries, id)
			n++
		}
	}
	r.mu.Unlock()

	return n, nil
}

// Len は保持しているエントリ数（期限切れを含む）を返す。
func (r *MemorySessionRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// compile-time interface check
var (
	_ SessionRepository     = (*MemorySessionRepo)(nil)
	_ ExpiredSessionDeleter = (*MemorySessionRepo)(nil)
)
