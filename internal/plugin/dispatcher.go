package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nosleep-drive/nosleep/internal/log"
)

// Runner executes one plugin request. *Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, plugin *Plugin, req *Request) (*Response, error)
}

// Dispatcher delivers detection events to the plugins subscribed to them.
type Dispatcher struct {
	manager *Manager
	runner  Runner

	mu          sync.Mutex
	health      map[string]bool
	alertParams json.RawMessage
}

// NewDispatcher creates a Dispatcher over the plugins known to manager.
func NewDispatcher(manager *Manager, runner Runner) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		runner:  runner,
		health:  make(map[string]bool),
	}
}

// Dispatch runs the alert action of every plugin subscribed to ev.Kind.
// Plugins run concurrently; Dispatch returns once all have finished.
// Failed plugins are reported together in the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	subs := d.manager.Subscribers(ev.Kind)
	if len(subs) == 0 {
		return nil
	}

	d.mu.Lock()
	params := d.alertParams
	d.mu.Unlock()

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, p := range subs {
		if !p.Manifest.Supports(ActionAlert) {
			continue
		}
		wg.Add(1)
		go func(i int, p *Plugin) {
			defer wg.Done()
			errs[i] = d.run(ctx, p, &Request{Action: ActionAlert, Event: &ev, Params: params})
		}(i, p)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// SetAlertParams sets the params sent with every alert request.
func (d *Dispatcher) SetAlertParams(params json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alertParams = params
}

// Run executes action on every plugin that supports it, one at a time.
func (d *Dispatcher) Run(ctx context.Context, action string, params json.RawMessage) error {
	var errs []error
	for _, p := range d.manager.Supporting(action) {
		if err := d.run(ctx, p, &Request{Action: action, Params: params}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Check runs the check action of every plugin that supports it and
// records the outcome. It reports true when all checked plugins are healthy
// and at least one was checked.
func (d *Dispatcher) Check(ctx context.Context) bool {
	checked, healthy := 0, true
	for _, p := range d.manager.Supporting(ActionCheck) {
		checked++
		err := d.run(ctx, p, &Request{Action: ActionCheck})

		d.mu.Lock()
		d.health[p.Manifest.Name] = err == nil
		d.mu.Unlock()

		if err != nil {
			healthy = false
		}
	}
	return checked > 0 && healthy
}

// Health returns the result of the last Check per plugin name.
func (d *Dispatcher) Health() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]bool, len(d.health))
	for k, v := range d.health {
		out[k] = v
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, p *Plugin, req *Request) error {
	logger := log.WithComponent("plugin").WithFields(log.Fields{
		"plugin": p.Manifest.Name,
		"action": req.Action,
	})

	resp, err := d.runner.Execute(ctx, p, req)
	if err != nil {
		logger.WithError(err).Warn("plugin failed")
		return fmt.Errorf("%s: %w", p.Manifest.Name, err)
	}
	if !resp.Success {
		logger.WithField("error", resp.Error).Warn("plugin reported failure")
		return fmt.Errorf("%s: %s", p.Manifest.Name, resp.Error)
	}

	logger.Debug("plugin ok")
	return nil
}
