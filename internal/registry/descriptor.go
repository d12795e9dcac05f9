package registry

import "time"

// Descriptor is the runtime's record of one agent (spec §3,
// AgentDescriptor). Id is unique and immutable for the life of the
// runtime; every other field is mutated only through Registry methods,
// each under the registry's single lock.
type Descriptor struct {
	ID                  string
	Name                string
	Capabilities        []string
	Relationships       []string
	State               State
	LastHeartbeatAt     time.Time
	ConsecutiveFailures int
	Config              map[string]string
	// QueueDepth is a point-in-time snapshot of the agent's inbox depth,
	// refreshed by the bus/supervisor; it is carried on the descriptor
	// purely so capability.LeastLoaded can rank candidates without the
	// capability package importing the bus package.
	QueueDepth int
}

// HasCapability reports whether the descriptor declares capability c.
func (d Descriptor) HasCapability(c string) bool {
	for _, cap := range d.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// Reentrant reports whether this agent opted into concurrent handler
// invocations via its Config bag (spec §9 Open Question: reentrancy is
// default-off, opt-in via config). Mirrors the teacher's free-form
// config.AgentDef.Config map[string]string key/value bag.
func (d Descriptor) Reentrant() bool {
	return d.Config["reentrant"] == "true"
}

// clone returns a deep, independent copy safe to hand to a caller as an
// immutable snapshot (spec §4.2: "Snapshots are immutable copies;
// mutation requires going through dedicated setters").
func (d Descriptor) clone() Descriptor {
	cp := d
	if d.Capabilities != nil {
		cp.Capabilities = append([]string(nil), d.Capabilities...)
	}
	if d.Relationships != nil {
		cp.Relationships = append([]string(nil), d.Relationships...)
	}
	if d.Config != nil {
		cp.Config = make(map[string]string, len(d.Config))
		for k, v := range d.Config {
			cp.Config[k] = v
		}
	}
	return cp
}
