// Package protocol defines the message structures exchanged between rsachat
// clients and the server, and the length-prefixed framing that carries them.
package protocol

import (
	"errors"
	"math/big"
)

// Authentication actions
const (
	ActionRegister = "register"
	ActionLogin    = "login"
)

// Reply statuses
const (
	StatusSuccess       = "success"
	StatusError         = "error"
	StatusAuthenticated = "authenticated"
	StatusChallenge     = "challenge"
)

// Envelope types
const (
	TypeBroadcast = "broadcast"
	TypePrivate   = "private"
	TypeSystem    = "system"
	TypeError     = "error"
)

const (
	// SystemSender labels envelopes the server produces itself.
	SystemSender = "System"

	// QuitCommand ends a chat session; matched case-insensitively.
	QuitCommand = "quit"
)

// ErrMissingField is returned by Validate methods.
var ErrMissingField = errors.New("missing required field")

// KeyExchange carries a public key, sent once in each direction.
type KeyExchange struct {
	E *big.Int `json:"e"`
	N *big.Int `json:"n"`
}

// AuthRequest opens a registration or login attempt.
type AuthRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
}

// Challenge carries the encrypted challenge. An error reply to a login
// request decodes into the same struct with Status set to StatusError.
type Challenge struct {
	Status             string   `json:"status"`
	EncryptedChallenge *big.Int `json:"encryptedChallenge,omitempty"`
	Message            string   `json:"message,omitempty"`
}

// ChallengeResponse returns the decrypted challenge to the server.
type ChallengeResponse struct {
	ChallengeResponse *big.Int `json:"challengeResponse"`
}

// Status is the server's reply to registration and login steps.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Envelope is one chat message on the wire, possibly spanning several blocks.
type Envelope struct {
	Blocks         []*big.Int `json:"blocks"`
	Signature      *big.Int   `json:"signature,omitempty"`
	Sender         string     `json:"sender,omitempty"`
	SignatureValid bool       `json:"signatureValid"`
	Type           string     `json:"type"`
	Target         string     `json:"target,omitempty"`
}

// NewStatus creates a status reply.
func NewStatus(status, message string) *Status {
	return &Status{Status: status, Message: message}
}

// NewErrorStatus creates an error status reply.
func NewErrorStatus(message string) *Status {
	return NewStatus(StatusError, message)
}

// NewChallenge wraps an encrypted challenge value.
func NewChallenge(encrypted *big.Int) *Challenge {
	return &Challenge{
		Status:             StatusChallenge,
		EncryptedChallenge: encrypted,
		Message:            "Decrypt the challenge with your private key",
	}
}

// Validate checks that both key components are present.
func (k *KeyExchange) Validate() error {
	if k.E == nil || k.N == nil {
		return ErrMissingField
	}
	return nil
}

// Validate checks that the request names a user. Unknown actions are not
// an error here; the server answers them with a status reply.
func (r *AuthRequest) Validate() error {
	if r.Username == "" {
		return ErrMissingField
	}
	return nil
}

// Validate checks that the envelope carries at least one block.
func (e *Envelope) Validate() error {
	if len(e.Blocks) == 0 {
		return ErrMissingField
	}
	for _, b := range e.Blocks {
		if b == nil {
			return ErrMissingField
		}
	}
	return nil
}

// IsPrivate reports whether the envelope asks for directed delivery.
func (e *Envelope) IsPrivate() bool {
	return e.Type == TypePrivate && e.Target != ""
}
