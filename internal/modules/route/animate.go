// README: Route draw-in animation: duration from path length, frames from a logical clock.
package route

import (
	"math"
	"sync"
	"time"

	"coursier/internal/geo"
	"coursier/internal/types"
)

type AnimationConfig struct {
	Base  time.Duration
	PerKm time.Duration
	Min   time.Duration
	Max   time.Duration
}

func DefaultAnimationConfig() AnimationConfig {
	return AnimationConfig{
		Base:  300 * time.Millisecond,
		PerKm: 450 * time.Millisecond,
		Min:   300 * time.Millisecond,
		Max:   2500 * time.Millisecond,
	}
}

// AnimationDuration is clamp(Base + km*PerKm, Min, Max) over the path length.
func AnimationDuration(points []types.Point, cfg AnimationConfig) time.Duration {
	km := geo.PathLengthKm(points)
	d := cfg.Base + time.Duration(km*float64(cfg.PerKm))
	if d < cfg.Min {
		d = cfg.Min
	}
	if cfg.Max > 0 && d > cfg.Max {
		d = cfg.Max
	}
	return d
}

// Frame returns the visible prefix of points at progress t in [0,1]: every
// point already passed plus one interpolated head point.
func Frame(points []types.Point, t float64) []types.Point {
	n := len(points)
	if n == 0 {
		return nil
	}
	if math.IsNaN(t) || t < 0 {
		t = 0
	}
	if t >= 1 || n == 1 {
		return append([]types.Point(nil), points...)
	}
	pos := t * float64(n-1)
	i := int(math.Floor(pos))
	f := pos - float64(i)

	out := make([]types.Point, 0, i+2)
	out = append(out, points[:i+1]...)
	if f > 0 {
		out = append(out, geo.Lerp(points[i], points[i+1], f))
	}
	return out
}

// Animation is one draw-in run driven by an external clock.
type Animation struct {
	points   []types.Point
	start    time.Time
	duration time.Duration
}

func NewAnimation(points []types.Point, start time.Time, cfg AnimationConfig) *Animation {
	return &Animation{
		points:   append([]types.Point(nil), points...),
		start:    start,
		duration: AnimationDuration(points, cfg),
	}
}

func (a *Animation) Duration() time.Duration { return a.duration }

// Step returns the frame for now and whether the animation has finished.
func (a *Animation) Step(now time.Time) ([]types.Point, bool) {
	t := 1.0
	if a.duration > 0 {
		t = float64(now.Sub(a.start)) / float64(a.duration)
	}
	return Frame(a.points, t), t >= 1
}

// Ticker is the frame clock. *time.Ticker satisfies it through realTicker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

type running struct {
	done chan struct{}
	once sync.Once
}

func (r *running) stop() { r.once.Do(func() { close(r.done) }) }

// Animator runs at most one animation per target; starting a new one
// cancels the previous.
type Animator struct {
	cfg       AnimationConfig
	interval  time.Duration
	newTicker func(time.Duration) Ticker
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*running
}

func NewAnimator(cfg AnimationConfig, frameInterval time.Duration) *Animator {
	if frameInterval <= 0 {
		frameInterval = 16 * time.Millisecond
	}
	return &Animator{
		cfg:       cfg,
		interval:  frameInterval,
		newTicker: newRealTicker,
		now:       time.Now,
		active:    make(map[string]*running),
	}
}

// Animate starts drawing points for target and calls onFrame from its own
// goroutine on every tick, ending with the full route. The returned func
// cancels it.
func (a *Animator) Animate(target string, points []types.Point, onFrame func([]types.Point)) (cancel func()) {
	r := &running{done: make(chan struct{})}

	a.mu.Lock()
	if prev, ok := a.active[target]; ok {
		prev.stop()
	}
	a.active[target] = r
	a.mu.Unlock()

	anim := NewAnimation(points, a.now(), a.cfg)
	ticker := a.newTicker(a.interval)

	go func() {
		defer ticker.Stop()
		defer a.finish(target, r)
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C():
				frame, finished := anim.Step(a.now())
				select {
				case <-r.done:
					return
				default:
				}
				onFrame(frame)
				if finished {
					return
				}
			}
		}
	}()
	return r.stop
}

func (a *Animator) finish(target string, r *running) {
	r.stop()
	a.mu.Lock()
	if a.active[target] == r {
		delete(a.active, target)
	}
	a.mu.Unlock()
}

// Active reports whether an animation is running for target.
func (a *Animator) Active(target string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[target]
	return ok
}

// StopAll cancels every running animation.
func (a *Animator) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for target, r := range a.active {
		r.stop()
		delete(a.active, target)
	}
}
