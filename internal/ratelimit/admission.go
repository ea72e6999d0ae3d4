package ratelimit

import "golang.org/x/time/rate"

// Admission is a supplementary connection-admission limiter: unlike the
// per-session soft/strict limiter above (which throttles individual
// service calls on an already-established session), this guards the
// handshake path itself against a burst of new-connection attempts from
// one process, before any Session exists to hang a per-service limiter
// off of.
type Admission struct {
	limiter *rate.Limiter
}

// NewAdmission builds an Admission limiter allowing burst immediate
// handshakes and then ratePerSecond sustained thereafter.
func NewAdmission(ratePerSecond float64, burst int) *Admission {
	return &Admission{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a new handshake attempt may proceed right now.
func (a *Admission) Allow() bool {
	return a.limiter.Allow()
}
