package auth

import (
	"fmt"
	"math/big"
)

// PendingChallenge holds at most one outstanding challenge for a
// connection. Issuing again replaces the previous challenge, and Answer
// consumes it, so each challenge admits a single login attempt.
// It is not safe for concurrent use.
type PendingChallenge struct {
	current *Challenge
}

// Set stores ch, discarding any earlier challenge.
func (p *PendingChallenge) Set(ch *Challenge) {
	p.current = ch
}

// Pending reports whether a challenge is outstanding.
func (p *PendingChallenge) Pending() bool {
	return p.current != nil
}

// Answer consumes the outstanding challenge and checks response against it.
func (p *PendingChallenge) Answer(a *Authenticator, response *big.Int) (string, error) {
	ch := p.current
	p.current = nil

	if ch == nil {
		return "", ErrNoPendingRequest
	}
	if !a.VerifyChallengeResponse(ch.Username, ch.Value, response) {
		return "", fmt.Errorf("%w for %s", ErrWrongAnswer, ch.Username)
	}
	return ch.Username, nil
}
