// Package artifact 在内存中暂存编码后的结果，供 HTTP 下载，过期后由定时任务清理。
package artifact

import (
	"sync"
	"time"

	"github.com/chaos-io/bgremover/encode"
	"github.com/chaos-io/bgremover/util"
	"github.com/robfig/cron/v3"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

type entry struct {
	artifact *encode.Artifact
	created  time.Time
}

type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

type Option func(*Store)

// WithClock 测试时替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore ttl <= 0 时不会过期
func NewStore(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put 返回下载用的 ID
func (s *Store) Put(a *encode.Artifact) string {
	id := ksuid.New().String()
	s.mu.Lock()
	s.entries[id] = entry{artifact: a, created: s.now()}
	s.mu.Unlock()
	return id
}

func (s *Store) Get(id string) (*encode.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || s.expired(e) {
		return nil, false
	}
	return e.artifact, true
}

// Release 主动释放，调用方下载完成后可以立即回收内存
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep 删除过期条目，返回删除数量
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

func (s *Store) expired(e entry) bool {
	return s.ttl > 0 && s.now().Sub(e.created) > s.ttl
}

// Schedule 按 cron 表达式（例如 "@every 5m"）定期清理，返回停止函数
func (s *Store) Schedule(expr string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if n := s.Sweep(); n > 0 {
			util.Logger.Debug("artifacts swept", zap.Int("count", n), zap.Int("remaining", s.Len()))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}, nil
}
