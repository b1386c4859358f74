// Package tray shows the detector's state in the desktop system tray and
// exposes pause, calibration and dashboard shortcuts.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"
)

const (
	appTitle   = "NoSleep"
	alarmTitle = "NoSleep !"
)

// view is what the menu currently shows.
type view struct {
	enabled     bool
	state       string
	threshold   float64
	calibrating bool
	alarm       bool
}

func (v view) title() string {
	if v.alarm {
		return alarmTitle
	}
	return appTitle
}

func (v view) toggle() string {
	if v.enabled {
		return "● Detecting"
	}
	return "○ Paused"
}

func (v view) eyes() string {
	return "Eyes: " + v.state
}

func (v view) limit() string {
	if v.threshold <= 0 {
		return "Threshold: -"
	}
	return fmt.Sprintf("Threshold: %.3f", v.threshold)
}

func (v view) calibrate() string {
	if v.calibrating {
		return "Calibrating..."
	}
	return "Calibrate..."
}

// items are the menu entries that change after start-up.
type items struct {
	toggle, eyes, limit, calibrate *systray.MenuItem
}

// Tray is the tray icon and its menu. Setters may be called before Run; the
// menu picks up the latest values when it is built.
type Tray struct {
	mu    sync.Mutex
	view  view
	items *items

	onToggle    func(enabled bool)
	onCalibrate func()
	onSettings  func()
	onQuit      func()
}

// New returns a tray with detection enabled and no eye state yet.
func New() *Tray {
	return &Tray{view: view{enabled: true, state: "waiting"}}
}

func (t *Tray) OnToggle(fn func(enabled bool)) { t.mu.Lock(); t.onToggle = fn; t.mu.Unlock() }
func (t *Tray) OnCalibrate(fn func())          { t.mu.Lock(); t.onCalibrate = fn; t.mu.Unlock() }
func (t *Tray) OnSettings(fn func())           { t.mu.Lock(); t.onSettings = fn; t.mu.Unlock() }
func (t *Tray) OnQuit(fn func())               { t.mu.Lock(); t.onQuit = fn; t.mu.Unlock() }

// Run shows the icon and blocks until Quit.
func (t *Tray) Run() {
	systray.Run(t.build, func() {})
}

func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) build() {
	t.mu.Lock()
	v := t.view
	systray.SetTitle(v.title())
	systray.SetTooltip("NoSleep drowsiness detection")

	it := &items{}
	it.toggle = systray.AddMenuItem(v.toggle(), "Pause or resume detection")
	systray.AddSeparator()
	it.eyes = systray.AddMenuItem(v.eyes(), "Current eye state")
	it.eyes.Disable()
	it.limit = systray.AddMenuItem(v.limit(), "Active EAR threshold")
	it.limit.Disable()
	systray.AddSeparator()
	it.calibrate = systray.AddMenuItem(v.calibrate(), "Calibrate the threshold for this driver")
	dashboard := systray.AddMenuItem("Open Dashboard...", "Open the dashboard in a browser")
	systray.AddSeparator()
	quit := systray.AddMenuItem("Quit", "Quit NoSleep")
	t.items = it
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-it.toggle.ClickedCh:
				t.toggle()
			case <-it.calibrate.ClickedCh:
				t.calibrate()
			case <-dashboard.ClickedCh:
				t.call(func() func() { return t.onSettings })
			case <-quit.ClickedCh:
				t.call(func() func() { return t.onQuit })
				systray.Quit()
				return
			}
		}
	}()
}

// update applies fn to the view and redraws the built menu. It returns the
// new view.
func (t *Tray) update(fn func(*view)) view {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.view)
	v := t.view
	if it := t.items; it != nil {
		systray.SetTitle(v.title())
		it.toggle.SetTitle(v.toggle())
		it.eyes.SetTitle(v.eyes())
		it.limit.SetTitle(v.limit())
		it.calibrate.SetTitle(v.calibrate())
	}
	return v
}

// call runs the callback returned by get outside the lock.
func (t *Tray) call(get func() func()) {
	t.mu.Lock()
	fn := get()
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *Tray) toggle() {
	v := t.update(func(v *view) { v.enabled = !v.enabled })

	t.mu.Lock()
	fn := t.onToggle
	t.mu.Unlock()
	if fn != nil {
		fn(v.enabled)
	}
}

// calibrate ignores clicks while a calibration is running.
func (t *Tray) calibrate() {
	t.call(func() func() {
		if t.view.calibrating {
			return nil
		}
		return t.onCalibrate
	})
}

// SetState shows the eye state ("open" or "closed"). Open eyes clear the
// sleepiness alarm.
func (t *Tray) SetState(state string) {
	t.update(func(v *view) {
		v.state = state
		if state == "open" {
			v.alarm = false
		}
	})
}

// Alarm flags the icon after a sleepiness detection.
func (t *Tray) Alarm() {
	t.update(func(v *view) { v.alarm = true })
}

func (t *Tray) SetThreshold(threshold float64) {
	t.update(func(v *view) { v.threshold = threshold })
}

// SetCalibrating marks a calibration as running.
func (t *Tray) SetCalibrating(running bool) {
	t.update(func(v *view) { v.calibrating = running })
}

func (t *Tray) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.state
}

func (t *Tray) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.enabled
}
