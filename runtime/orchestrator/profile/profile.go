// Package profile defines the authoritative sender and MP context merged onto
// model output when a letter is rendered. The orchestrator never trusts
// address fields produced by the model; the profile wins.
package profile

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the user has no stored profile.
var ErrNotFound = errors.New("profile not found")

type (
	// Profile carries the sender's details and their MP's parliamentary
	// address, plus the formatted current date used in the letter header.
	Profile struct {
		SenderName     string `json:"senderName"`
		SenderAddress1 string `json:"senderAddress1"`
		SenderAddress2 string `json:"senderAddress2,omitempty"`
		SenderAddress3 string `json:"senderAddress3,omitempty"`
		SenderCity     string `json:"senderCity"`
		SenderCounty   string `json:"senderCounty,omitempty"`
		SenderPostcode string `json:"senderPostcode"`
		SenderPhone    string `json:"senderPhone,omitempty"`

		MPName     string `json:"mpName"`
		MPAddress1 string `json:"mpAddress1"`
		MPAddress2 string `json:"mpAddress2,omitempty"`
		MPCity     string `json:"mpCity"`
		MPCounty   string `json:"mpCounty,omitempty"`
		MPPostcode string `json:"mpPostcode"`

		Constituency string `json:"constituency,omitempty"`
		// Today is the human-formatted current date, e.g. "25 August 2026".
		Today string `json:"today"`
	}

	// Lookup resolves the profile for a user.
	Lookup interface {
		Get(ctx context.Context, userID string) (Profile, error)
	}

	// Static is a fixed-profile Lookup for tests and single-tenant setups.
	Static map[string]Profile
)

// Get implements Lookup.
func (s Static) Get(_ context.Context, userID string) (Profile, error) {
	p, ok := s[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}
