package domain

import (
	"encoding/json"

	"peercall-backend/pkg/errors"
)

// SessionDescription is the negotiated media/transport parameter blob
// exchanged as offer or answer. The SDP body is opaque to this core.
type SessionDescription struct {
	Type string `json:"type"` // offer, answer
	SDP  string `json:"sdp"`
}

// Candidate is an opaque transport candidate payload. It is relayed verbatim;
// the media transport is responsible for rejecting anything it cannot use.
type Candidate json.RawMessage

// MarshalJSON passes the raw payload through
func (c Candidate) MarshalJSON() ([]byte, error) {
	return json.RawMessage(c).MarshalJSON()
}

// UnmarshalJSON stores the raw payload verbatim
func (c *Candidate) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(c).UnmarshalJSON(data)
}

// Offer is the call invitation stored at inbox/{recipientUID}/{sessionID}
type Offer struct {
	Kind            CallKind           `json:"kind"`
	From            string             `json:"from"`
	FromDisplayName string             `json:"fromDisplayName"`
	FromAvatarURL   string             `json:"fromAvatarURL,omitempty"`
	Offer           SessionDescription `json:"offer"`
	TS              int64              `json:"ts"` // unix millis
}

// Validate checks the offer schema at the mailbox boundary
func (o *Offer) Validate() error {
	if !o.Kind.Valid() {
		return errors.InvalidInputError("unknown call kind: " + string(o.Kind))
	}
	if o.From == "" {
		return errors.MissingFieldError("from")
	}
	if o.Offer.SDP == "" {
		return errors.MissingFieldError("offer.sdp")
	}
	return nil
}
