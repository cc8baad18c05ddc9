package lifecycle

import (
	"fmt"
	"sync"

	"planline/internal/domain"
)

// Guard is a named predicate evaluated against the item before a transition.
// A nil return means the guard passes; the error explains the failure.
type Guard func(item domain.WorkItem, params map[string]string) error

var (
	guardMu  sync.RWMutex
	registry = map[string]Guard{}
)

// RegisterGuard installs a guard implementation under a string kind. Intended
// to be called once at startup; later registrations replace earlier ones.
func RegisterGuard(kind string, g Guard) {
	guardMu.Lock()
	defer guardMu.Unlock()
	registry[kind] = g
}

// Registered reports whether a guard kind has an implementation.
func Registered(kind string) bool {
	guardMu.RLock()
	defer guardMu.RUnlock()
	_, ok := registry[kind]
	return ok
}

func lookup(kind string) (Guard, bool) {
	guardMu.RLock()
	defer guardMu.RUnlock()
	g, ok := registry[kind]
	return g, ok
}

func init() {
	// require_prior_state: the item's history must contain the named state,
	// so steps cannot be skipped even via indirect paths.
	RegisterGuard("require_prior_state", func(item domain.WorkItem, params map[string]string) error {
		want := params["state"]
		if want == "" {
			return fmt.Errorf("missing required param state")
		}
		for _, s := range item.StateHistory {
			if s == want {
				return nil
			}
		}
		return fmt.Errorf("item %s has never been in state %s", item.ID, want)
	})

	// not_blocked: leaving blocked is an explicit operation, never a side
	// effect of another transition.
	RegisterGuard("not_blocked", func(item domain.WorkItem, _ map[string]string) error {
		if item.State == domain.StateBlocked {
			return fmt.Errorf("item %s is blocked", item.ID)
		}
		return nil
	})
}
