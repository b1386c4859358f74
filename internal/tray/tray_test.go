package tray

import "testing"

func TestView_Labels(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"detecting", view{enabled: true}.toggle(), "● Detecting"},
		{"paused", view{}.toggle(), "○ Paused"},
		{"eyes", view{state: "closed"}.eyes(), "Eyes: closed"},
		{"no threshold", view{}.limit(), "Threshold: -"},
		{"threshold", view{threshold: 0.2215}.limit(), "Threshold: 0.222"},
		{"calibrating", view{calibrating: true}.calibrate(), "Calibrating..."},
		{"idle", view{}.calibrate(), "Calibrate..."},
		{"awake title", view{state: "closed"}.title(), appTitle},
		{"alarm title", view{state: "closed", alarm: true}.title(), alarmTitle},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestTray_SettersBeforeRun(t *testing.T) {
	tr := New()
	if !tr.IsEnabled() || tr.State() != "waiting" {
		t.Fatalf("new tray: enabled = %v, state = %q", tr.IsEnabled(), tr.State())
	}

	tr.SetState("open")
	tr.SetThreshold(0.21)
	tr.SetCalibrating(true)

	if tr.State() != "open" {
		t.Errorf("State() = %q, want open", tr.State())
	}
	if tr.view.threshold != 0.21 || !tr.view.calibrating {
		t.Errorf("view = %+v", tr.view)
	}
}

func TestTray_AlarmClearsOnOpenEyes(t *testing.T) {
	tr := New()

	tr.SetState("closed")
	tr.Alarm()
	if tr.view.title() != alarmTitle {
		t.Fatal("alarm not shown")
	}
	tr.SetState("closed")
	if !tr.view.alarm {
		t.Error("closed eyes must keep the alarm")
	}
	tr.SetState("open")
	if tr.view.alarm {
		t.Error("open eyes must clear the alarm")
	}
}

func TestTray_Clicks(t *testing.T) {
	tr := New()

	var toggled []bool
	tr.OnToggle(func(enabled bool) { toggled = append(toggled, enabled) })
	tr.toggle()
	tr.toggle()
	if len(toggled) != 2 || toggled[0] || !toggled[1] {
		t.Errorf("toggle callbacks = %v, want [false true]", toggled)
	}

	calibrations := 0
	tr.OnCalibrate(func() { calibrations++ })
	tr.calibrate()
	tr.SetCalibrating(true)
	tr.calibrate()
	tr.SetCalibrating(false)
	tr.calibrate()
	if calibrations != 2 {
		t.Errorf("calibrate callbacks = %d, want 2", calibrations)
	}

	opened := false
	tr.OnSettings(func() { opened = true })
	tr.call(func() func() { return tr.onSettings })
	if !opened {
		t.Error("dashboard callback not called")
	}
}
