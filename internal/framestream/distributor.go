package framestream

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
)

// ============================================================================
//  FRAME DISTRIBUTOR
// ============================================================================

// EncodedFrame is one JPEG ready to be written to clients.
type EncodedFrame struct {
	JPEG        []byte
	Captured    time.Time
	Sequence    int64
	Placeholder bool // no camera frame was available
}

// Distributor fans encoded frames out to any number of MJPEG clients. Each
// subscriber has a small buffer; when it is full the oldest frame is dropped
// so slow clients always see the newest image and never stall the producer.
type Distributor struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int64]chan EncodedFrame
	nextID int64
	latest *EncodedFrame
	closed bool

	// Statistics with atomic counters for lock-free updates
	stats struct {
		published     atomic.Int64
		delivered     atomic.Int64
		droppedFrames atomic.Int64
		lastFrameTime atomic.Value // time.Time
	}
}

// DistributorStats tracks frame distribution performance metrics
type DistributorStats struct {
	Published     int64     `json:"published"`
	Delivered     int64     `json:"delivered"`
	DroppedFrames int64     `json:"dropped_frames"`
	Subscribers   int       `json:"subscribers"`
	LastFrameTime time.Time `json:"last_frame_time"`
}

// NewDistributor creates an empty distributor.
func NewDistributor(logger *zap.Logger) *Distributor {
	d := &Distributor{
		logger: camlog.Or(logger, "framestream"),
		subs:   make(map[int64]chan EncodedFrame),
	}
	d.stats.lastFrameTime.Store(time.Time{})
	return d
}

// Publish stores f as the latest frame and offers it to every subscriber
// without blocking.
func (d *Distributor) Publish(f EncodedFrame) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.latest = &f
	d.mu.Unlock()

	d.stats.published.Add(1)
	d.stats.lastFrameTime.Store(f.Captured)

	d.mu.RLock()
	for _, ch := range d.subs {
		d.offer(ch, f)
	}
	d.mu.RUnlock()

	if f.Sequence > 0 && f.Sequence%300 == 0 {
		d.logStats()
	}
}

func (d *Distributor) offer(ch chan EncodedFrame, f EncodedFrame) {
	select {
	case ch <- f:
		d.stats.delivered.Add(1)
		return
	default:
	}
	// Full: drop the oldest and retry once.
	select {
	case <-ch:
		d.stats.droppedFrames.Add(1)
	default:
	}
	select {
	case ch <- f:
		d.stats.delivered.Add(1)
	default:
		d.stats.droppedFrames.Add(1)
	}
}

// Subscribe registers a consumer. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (d *Distributor) Subscribe(buffer int) (<-chan EncodedFrame, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan EncodedFrame, buffer)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	if d.latest != nil {
		ch <- *d.latest
	}
	n := len(d.subs)
	d.mu.Unlock()

	d.logger.Debug("Subscriber added", zap.Int64("id", id), zap.Int("subscribers", n))

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			if c, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(c)
			}
			d.mu.Unlock()
		})
	}
}

// Latest returns the most recently published frame.
func (d *Distributor) Latest() (EncodedFrame, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.latest == nil {
		return EncodedFrame{}, false
	}
	return *d.latest, true
}

// Close ends every subscription. Later publishes are ignored.
func (d *Distributor) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
	d.logger.Info("Distributor closed")
}

// GetStats returns current statistics
func (d *Distributor) GetStats() DistributorStats {
	d.mu.RLock()
	n := len(d.subs)
	d.mu.RUnlock()
	last, _ := d.stats.lastFrameTime.Load().(time.Time)
	return DistributorStats{
		Published:     d.stats.published.Load(),
		Delivered:     d.stats.delivered.Load(),
		DroppedFrames: d.stats.droppedFrames.Load(),
		Subscribers:   n,
		LastFrameTime: last,
	}
}

func (d *Distributor) logStats() {
	s := d.GetStats()
	d.logger.Debug("Distribution stats",
		zap.Int64("published", s.Published),
		zap.Int64("delivered", s.Delivered),
		zap.Int64("dropped", s.DroppedFrames),
		zap.Int("subscribers", s.Subscribers))
}
