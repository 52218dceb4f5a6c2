package catalog

import (
	"fmt"
	"strings"
	"time"
)

type policyKind int

const (
	lazy policyKind = iota
	oneShot
	periodic
)

// Policy decides when the refresher fetches the catalog on its own.
type Policy struct {
	kind     policyKind
	interval time.Duration
}

// Lazy never fetches until asked to.
func Lazy() Policy { return Policy{kind: lazy} }

// OneShot fetches once at startup.
func OneShot() Policy { return Policy{kind: oneShot} }

// Periodic fetches at startup and then every interval.
func Periodic(interval time.Duration) Policy {
	return Policy{kind: periodic, interval: interval}
}

// ParsePolicy reads "lazy", "oneshot" or "periodic"; interval only applies to periodic.
func ParsePolicy(name string, interval time.Duration) (Policy, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "")) {
	case "lazy":
		return Lazy(), nil
	case "oneshot", "":
		return OneShot(), nil
	case "periodic":
		if interval <= 0 {
			return Policy{}, fmt.Errorf("periodic policy requires a positive interval, got %v", interval)
		}
		return Periodic(interval), nil
	default:
		return Policy{}, fmt.Errorf("unknown refresh policy %q", name)
	}
}

func (p Policy) Interval() time.Duration {
	return p.interval
}

func (p Policy) String() string {
	switch p.kind {
	case lazy:
		return "lazy"
	case oneShot:
		return "oneshot"
	default:
		return fmt.Sprintf("periodic(%s)", p.interval)
	}
}

func (p Policy) fetchOnStart() bool {
	return p.kind != lazy
}
