package config

// Policy is the network and lock-file policy of one invocation.
type Policy struct {
	Locked  bool
	Offline bool
	Frozen  bool
}

// Normalize expands Frozen into Locked and Offline. Downstream code only
// reads Locked and Offline, so a frozen policy behaves exactly like the pair.
func (p Policy) Normalize() Policy {
	if p.Frozen {
		p.Locked = true
		p.Offline = true
	}
	p.Frozen = false
	return p
}

// WithSettings folds the configured net.offline into the policy.
func (p Policy) WithSettings(s *Settings) Policy {
	if s != nil && s.Net.Offline {
		p.Offline = true
	}
	return p.Normalize()
}
