package domain

// AgentSession is in-server state keyed by agent SPIFFE ID, created on
// successful node attestation and torn down on agent SVID expiry without
// refresh (spec §3).
type AgentSession struct {
	AgentSpiffeID  string
	NodeEntryID    string
	AttestedAt     int64
	LastSeen       int64
	IssuedSVIDKid  string
	IssuedSVIDExp  int64
}

// IsStale reports whether the session's last-issued SVID has expired as of now,
// meaning it's eligible for the periodic sweep (SPEC_FULL.md "AgentSession expiry sweep").
func (s *AgentSession) IsStale(now int64) bool {
	return s.IssuedSVIDExp != 0 && s.IssuedSVIDExp <= now
}

// Touch records a newly issued SVID against the session.
func (s *AgentSession) Touch(now int64, kid string, exp int64) {
	s.LastSeen = now
	s.IssuedSVIDKid = kid
	s.IssuedSVIDExp = exp
}
