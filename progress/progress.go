// Package progress 单槽位的进度广播：同一时刻最多一个监听者。
//
// 监听者应在操作开始前安装，在操作的终止事件（1.0 或错误）之后清除。
// 每个事件携带操作 ID，监听者可以据此区分不同操作的事件。
// 只关心某一个操作的调用方应通过 Begin 传入 watch，而不是抢占共享槽位。
package progress

import (
	"math"
	"sync"

	"github.com/segmentio/ksuid"
)

type Event struct {
	Op       string  `json:"op"`
	Fraction float64 `json:"progress"`
	Status   string  `json:"status"`
}

type Listener func(Event)

type Channel struct {
	mu       sync.Mutex
	listener Listener
}

func NewChannel() *Channel {
	return &Channel{}
}

// SetListener 替换当前监听者
func (c *Channel) SetListener(fn Listener) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *Channel) ClearListener() {
	c.SetListener(nil)
}

// Publish 没有监听者时什么也不做
func (c *Channel) Publish(fraction float64, status string) {
	c.publish(Event{Fraction: fraction, Status: status})
}

func (c *Channel) publish(e Event) {
	e.Fraction = clamp(e.Fraction)

	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()

	if fn != nil {
		fn(e)
	}
}

// Begin 开始一个新的操作，返回带操作 ID 的 Reporter。
// watch 非空时只接收本操作的事件，与共享监听者互不影响。
func (c *Channel) Begin(watch Listener) *Reporter {
	return &Reporter{ch: c, op: ksuid.New().String(), watch: watch}
}

// Reporter 单个操作内的进度只增不减
type Reporter struct {
	ch    *Channel
	op    string
	watch Listener
	last  float64
}

func (r *Reporter) Op() string {
	return r.op
}

func (r *Reporter) Report(fraction float64, status string) {
	if r == nil || r.ch == nil {
		return
	}
	fraction = clamp(fraction)
	if fraction < r.last {
		fraction = r.last
	}
	r.last = fraction

	e := Event{Op: r.op, Fraction: fraction, Status: status}
	r.ch.publish(e)
	if r.watch != nil {
		r.watch(e)
	}
}

// Band 把 [0,1] 的子进度映射到 [from,to] 区间
func (r *Reporter) Band(from, to float64, status string) func(float64) {
	return func(sub float64) {
		r.Report(from+(to-from)*clamp(sub), status)
	}
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
