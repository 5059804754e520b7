// Package state encodes the opaque OAuth state parameter that carries the
// (account, user) pair through the provider consent redirect. One fixed
// callback URL serves every account; the state tells us who came back.
package state

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload is the decoded contents of a state parameter.
type Payload struct {
	AccountID uint   `json:"account_id"`
	UserID    uint   `json:"user_id"`
	Nonce     string `json:"nonce"`
}

// Encode produces an opaque url-safe state string for the given owner.
func Encode(accountID, userID uint) string {
	raw, _ := json.Marshal(Payload{
		AccountID: accountID,
		UserID:    userID,
		Nonce:     uuid.New().String(),
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a state string back into its payload. Any malformed input is
// an error; callers treat that as a terminal redirect, not a panic.
func Decode(state string) (*Payload, error) {
	if state == "" {
		return nil, fmt.Errorf("empty state")
	}
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if p.AccountID == 0 || p.UserID == 0 {
		return nil, fmt.Errorf("state missing account or user")
	}
	return &p, nil
}
