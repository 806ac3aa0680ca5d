package workflow

import (
	"fmt"
	"sync"
)

// View is the dashboard tab shown to the operator.
type View string

const (
	ViewMetrics     View = "metrics"
	ViewSuggestions View = "suggestions"
	ViewAutonomous  View = "autonomous"
)

// ParseView validates a view name.
func ParseView(s string) (View, error) {
	switch v := View(s); v {
	case ViewMetrics, ViewSuggestions, ViewAutonomous:
		return v, nil
	}
	return "", fmt.Errorf("unknown view %q", s)
}

// Dashboard holds the active view. The zero value shows ViewMetrics.
type Dashboard struct {
	mu       sync.RWMutex
	view     View
	onSwitch func(View)
}

// OnSwitch registers fn to run whenever the view changes.
func (d *Dashboard) OnSwitch(fn func(View)) {
	d.mu.Lock()
	d.onSwitch = fn
	d.mu.Unlock()
}

func (d *Dashboard) View() View {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.view == "" {
		return ViewMetrics
	}
	return d.view
}

// Switch makes v the active view.
func (d *Dashboard) Switch(v View) {
	d.mu.Lock()
	changed := d.view != v
	d.view = v
	fn := d.onSwitch
	d.mu.Unlock()

	if changed && fn != nil {
		fn(v)
	}
}
