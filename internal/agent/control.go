package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/remotewatch/agent/internal/audit"
	"github.com/remotewatch/agent/internal/config"
	"github.com/remotewatch/agent/internal/resource"
	"github.com/remotewatch/agent/internal/watcher"
)

// ErrInvalidResource is returned by AddResource for an unusable spec.
var ErrInvalidResource = errors.New("agent: invalid resource")

// ResourceView is the API representation of a watched resource.
type ResourceView struct {
	Identifier   string    `json:"identifier"`
	Name         string    `json:"name,omitempty"`
	PayloadKind  string    `json:"payload_kind"`
	Previous     time.Time `json:"previous_modified,omitzero"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// SchedulerView is the API representation of the scheduler state.
type SchedulerView struct {
	Enabled       bool   `json:"enabled"`
	PollInterval  string `json:"poll_interval"`
	Round         uint64 `json:"round"`
	InFlight      bool   `json:"in_flight"`
	Watched       int    `json:"watched"`
	Registering   int    `json:"registering"`
	LastRoundTime string `json:"last_round_time"`
}

// AddResource registers spec with the scheduler on behalf of actor. It
// returns false when the resource is already watched or being registered.
// Whether the resource actually joins the watch set is reported later
// through an added or invalid event.
func (a *Agent) AddResource(actor string, spec config.ResourceSpec) (bool, error) {
	return a.addResource(actor, spec, false)
}

func (a *Agent) addResource(actor string, spec config.ResourceSpec, fromConfig bool) (bool, error) {
	if spec.PayloadKind == "" {
		spec.PayloadKind = string(resource.PayloadText)
	}
	if err := checkSpec(spec); err != nil {
		a.record(audit.Action{
			Actor:   actor,
			Op:      "resource.add",
			Target:  spec.Path,
			Detail:  map[string]any{"error": err.Error()},
			Outcome: audit.OutcomeRejected,
		})
		return false, err
	}

	obs := a.observer(spec.Name)
	added := a.scheduler.AddResource(spec.Path, watcher.ResourceConfig{
		OnAdded:     obs,
		OnChange:    obs,
		OnRemoved:   obs,
		OnNotValid:  obs,
		PayloadKind: resource.PayloadKind(spec.PayloadKind),
	})

	a.mu.Lock()
	if !added && a.cancelled[spec.Path] {
		// The earlier registration is still in flight; keep it.
		delete(a.cancelled, spec.Path)
		added = true
	} else if added {
		a.registering[spec.Path] = true
		delete(a.cancelled, spec.Path)
	}
	a.mu.Unlock()

	outcome := audit.OutcomeNoop
	if added {
		outcome = audit.OutcomeOK
		a.mu.Lock()
		a.names[spec.Path] = spec.Name
		if fromConfig {
			a.fromConfig[spec.Path] = true
		} else {
			delete(a.fromConfig, spec.Path)
		}
		a.mu.Unlock()
	}
	a.record(audit.Action{
		Actor:   actor,
		Op:      "resource.add",
		Target:  spec.Path,
		Detail:  map[string]any{"name": spec.Name, "payload_kind": spec.PayloadKind},
		Outcome: outcome,
	})
	return added, nil
}

func checkSpec(spec config.ResourceSpec) error {
	if spec.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidResource)
	}
	if !resource.KnownPayloadKind(resource.PayloadKind(spec.PayloadKind)) {
		return fmt.Errorf("%w: unknown payload kind %q", ErrInvalidResource, spec.PayloadKind)
	}
	return nil
}

// RemoveResource stops watching id. A registration still in progress is
// cancelled: the resource is dropped as soon as its first event arrives. It
// returns false when id is neither watched nor registering.
func (a *Agent) RemoveResource(actor, id string) bool {
	removed := a.scheduler.RemoveResource(id)

	a.mu.Lock()
	pending := false
	if removed {
		delete(a.registering, id)
	} else if a.registering[id] && !a.cancelled[id] {
		a.cancelled[id] = true
		removed, pending = true, true
	}
	if removed {
		delete(a.names, id)
		delete(a.fromConfig, id)
	}
	a.mu.Unlock()

	act := audit.Action{Actor: actor, Op: "resource.remove", Target: id, Outcome: outcomeOf(removed)}
	if pending {
		act.Detail = map[string]any{"registering": true}
	}
	a.record(act)
	return removed
}

// StopPolling disables polling rounds.
func (a *Agent) StopPolling(actor string) {
	a.scheduler.Stop()
	a.record(audit.Action{Actor: actor, Op: "watcher.stop"})
}

// RestartPolling re-enables polling and starts a round.
func (a *Agent) RestartPolling(actor string) {
	a.scheduler.Restart()
	a.record(audit.Action{Actor: actor, Op: "watcher.restart"})
}

// SetPollInterval changes the target spacing between polling rounds.
func (a *Agent) SetPollInterval(actor string, d time.Duration) error {
	prev := a.scheduler.PollInterval()
	if err := a.scheduler.SetPollInterval(d); err != nil {
		a.record(audit.Action{
			Actor:   actor,
			Op:      "watcher.interval",
			Detail:  map[string]any{"interval": d.String(), "error": err.Error()},
			Outcome: audit.OutcomeRejected,
		})
		return err
	}
	a.record(audit.Action{
		Actor:   actor,
		Op:      "watcher.interval",
		Detail:  map[string]any{"interval": d.String(), "previous": prev.String()},
		Outcome: outcomeOf(prev != d),
	})
	return nil
}

// Resources lists the watched resources sorted by identifier.
func (a *Agent) Resources() []ResourceView {
	infos := a.scheduler.Resources()

	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ResourceView, len(infos))
	for i, info := range infos {
		out[i] = ResourceView{
			Identifier:   info.Identifier,
			Name:         a.names[info.Identifier],
			PayloadKind:  string(info.PayloadKind),
			Previous:     info.Previous,
			LastModified: info.LastModified,
		}
	}
	return out
}

// SchedulerStatus returns the scheduler state.
func (a *Agent) SchedulerStatus() SchedulerView {
	st := a.scheduler.Status()
	return SchedulerView{
		Enabled:       st.Enabled,
		PollInterval:  st.PollInterval.String(),
		Round:         st.Round,
		InFlight:      st.InFlight,
		Watched:       st.Watched,
		Registering:   st.Registering,
		LastRoundTime: st.LastRoundTime.String(),
	}
}

// Reconcile applies a reloaded configuration. Resources that came from the
// previous configuration and are missing from cfg are removed, new ones are
// added and the poll interval is updated. Resources added through the API
// are left alone.
func (a *Agent) Reconcile(cfg *config.Config) {
	want := make(map[string]config.ResourceSpec, len(cfg.Resources))
	for _, spec := range cfg.Resources {
		want[spec.Path] = spec
	}

	a.mu.RLock()
	var stale []string
	for id := range a.fromConfig {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	a.mu.RUnlock()

	for _, id := range stale {
		a.RemoveResource("config", id)
	}
	for _, spec := range cfg.Resources {
		if a.scheduler.HasResource(spec.Path) {
			continue
		}
		if _, err := a.addResource("config", spec, true); err != nil {
			a.logger.Warn("agent: configured resource rejected",
				slog.String("resource", spec.Path),
				slog.Any("error", err),
			)
		}
	}
	if cfg.PollInterval > 0 && cfg.PollInterval != a.scheduler.PollInterval() {
		if err := a.SetPollInterval("config", cfg.PollInterval); err != nil {
			a.logger.Warn("agent: poll interval rejected", slog.Any("error", err))
		}
	}

	a.mu.Lock()
	a.cfg.Resources = cfg.Resources
	a.cfg.PollInterval = cfg.PollInterval
	a.mu.Unlock()

	a.record(audit.Action{
		Actor:  "config",
		Op:     "config.reload",
		Detail: map[string]any{"resources": len(cfg.Resources), "removed": len(stale)},
	})
	a.logger.Info("configuration reloaded",
		slog.Int("num_resources", len(cfg.Resources)),
		slog.Int("removed", len(stale)),
	)
}

func (a *Agent) record(act audit.Action) {
	if a.auditor == nil {
		return
	}
	if _, err := a.auditor.Record(act); err != nil {
		a.logger.Warn("agent: audit record failed",
			slog.String("op", act.Op),
			slog.Any("error", err),
		)
	}
}

func outcomeOf(ok bool) string {
	if ok {
		return audit.OutcomeOK
	}
	return audit.OutcomeNoop
}
