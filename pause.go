package chorus

import "sync/atomic"

// interjectYieldMillis is how long after a user interrupt agents keep
// yielding between hops.
const interjectYieldMillis = 1500

// PauseController is the process-wide user-control gate. The UI layer opens
// a control window with a TTL while the interjection prompt is up; the
// scheduler refuses to schedule and engines enqueue-only while the gate is
// active.
type PauseController struct {
	paused           atomic.Bool
	userControlUntil atomic.Int64 // unix millis
	userInterruptTs  atomic.Int64 // unix millis
}

// NewPauseController returns an open (ungated) controller.
func NewPauseController() *PauseController {
	return &PauseController{}
}

// Pause stops all scheduling until Resume.
func (p *PauseController) Pause() { p.paused.Store(true) }

// Resume re-enables scheduling.
func (p *PauseController) Resume() { p.paused.Store(false) }

// Paused reports the manual pause flag.
func (p *PauseController) Paused() bool { return p.paused.Load() }

// BeginUserControl opens a user-control window for ttlMillis and records the
// interrupt instant.
func (p *PauseController) BeginUserControl(ttlMillis int64) {
	now := NowMillis()
	p.userControlUntil.Store(now + ttlMillis)
	p.userInterruptTs.Store(now)
}

// EndUserControl closes the window early (prompt completed).
func (p *PauseController) EndUserControl() {
	p.userControlUntil.Store(0)
}

// Gated reports whether scheduling must hold: paused or inside the
// user-control TTL.
func (p *PauseController) Gated() bool {
	return p.paused.Load() || NowMillis() < p.userControlUntil.Load()
}

// Interjected reports whether a user interrupt landed within the yield
// window; engines stop between hops while it holds.
func (p *PauseController) Interjected() bool {
	ts := p.userInterruptTs.Load()
	return ts > 0 && NowMillis()-ts < interjectYieldMillis
}
