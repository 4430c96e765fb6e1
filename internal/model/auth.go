package model

// Origin describes where a set of credentials came from.
type Origin struct {
	Method    string
	Path      string
	RemoteIP  string
	RequestID string
}

// Credentials is the bearer material extracted from a request.
// The gateway does not interpret Token; verifiers do.
type Credentials struct {
	Present bool
	Scheme  string
	Token   string
	Origin  Origin
}

// AuthDecision is the per-request outcome of authentication.
type AuthDecision struct {
	Authorized bool
	Reason     string
	Subject    string
}
