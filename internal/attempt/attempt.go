// Package attempt defines login attempts and their outcomes.
package attempt

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies the result of a login attempt. It may be revised
// after the attempt is first recorded.
type Outcome int

const (
	Undetermined Outcome = iota
	CredentialsValid
	CredentialsValidButBlocked
	CredentialsInvalidNoSuchAccount
	CredentialsInvalidIncorrectPassword
	CredentialsInvalidRepeatedNoSuchAccount
	CredentialsInvalidRepeatedIncorrectPassword
)

var outcomeNames = [...]string{
	Undetermined:                                "undetermined",
	CredentialsValid:                            "credentials_valid",
	CredentialsValidButBlocked:                  "credentials_valid_but_blocked",
	CredentialsInvalidNoSuchAccount:             "credentials_invalid_no_such_account",
	CredentialsInvalidIncorrectPassword:         "credentials_invalid_incorrect_password",
	CredentialsInvalidRepeatedNoSuchAccount:     "credentials_invalid_repeated_no_such_account",
	CredentialsInvalidRepeatedIncorrectPassword: "credentials_invalid_repeated_incorrect_password",
}

// IsSuccess reports whether the outcome means the credentials were valid,
// whether or not the login was then blocked.
func (o Outcome) IsSuccess() bool {
	return o == CredentialsValid || o == CredentialsValidButBlocked
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o >= Undetermined && int(o) < len(outcomeNames)
}

func (o Outcome) String() string {
	if !o.Valid() {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// ParseOutcome converts a wire name back to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	for i, name := range outcomeNames {
		if name == s {
			return Outcome(i), nil
		}
	}
	return Undetermined, fmt.Errorf("unknown outcome %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("invalid outcome %d", int(o))
	}
	return []byte(outcomeNames[o]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	v, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// LoginAttempt is a single login attempt observed from a source address.
type LoginAttempt struct {
	UniqueKey           string     `json:"unique_key"`
	UsernameOrAccountID string     `json:"account"`
	Address             netip.Addr `json:"address"`
	API                 string     `json:"api,omitempty"`
	TimeOfAttempt       time.Time  `json:"time_of_attempt"`
	Outcome             Outcome    `json:"outcome"`
}

// NewUniqueKey returns a random key for an attempt whose caller did not
// supply one.
func NewUniqueKey() string {
	return uuid.NewString()
}
