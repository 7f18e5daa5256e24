// Package contract implements the bilaterally-signed storage agreement
// exchanged between a renter and a farmer: canonical serialisation, compact
// ECDSA signing per role, and the INIT -> RENTER_SIGNED -> COMPLETE state
// machine that governs when a contract may be mutated.
package contract

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/crypto"
)

// Role identifies which party is signing a Contract.
type Role int

const (
	// Renter signs first, over the contract as published.
	Renter Role = iota
	// Farmer signs second, after the renter's signature is present.
	Farmer
)

// State is the per-party lifecycle of a Contract. Transitions are
// monotonic: INIT -> RenterSigned -> Complete. A contract can never move
// backward.
type State int

const (
	StateInit State = iota
	StateRenterSigned
	StateComplete
)

var (
	// ErrMissingField is returned by New when a field required for the
	// contract's current role is absent.
	ErrMissingField = errors.New("contract: missing required field")
	// ErrAlreadySigned is returned by Sign when the role's signature slot
	// is already populated.
	ErrAlreadySigned = errors.New("contract: role has already signed")
	// ErrOutOfOrder is returned when the farmer attempts to sign before
	// the renter has.
	ErrOutOfOrder = errors.New("contract: farmer cannot sign before renter")
	// ErrImmutable is returned when a field is mutated on a contract that
	// already carries one or more signatures.
	ErrImmutable = errors.New("contract: cannot mutate a signed contract")
	// ErrInvalidWindow is returned by New when store_end does not fall
	// after store_begin.
	ErrInvalidWindow = errors.New("contract: store_end must be after store_begin")
	// ErrEmptyData is returned by New when data_size is zero.
	ErrEmptyData = errors.New("contract: data_size must be greater than zero")
)

// Contract is a storage agreement binding a shard hash to a farmer for a
// bounded window, with payment terms and an audit budget. Both parties
// sign over the contract's canonical form; once both signatures are
// present the contract is immutable.
type Contract struct {
	mu sync.Mutex

	RenterID          crypto.Hash160 `json:"renter_id"`
	RenterHDKey       string         `json:"renter_hd_key,omitempty"`
	FarmerID          crypto.Hash160 `json:"farmer_id"`
	DataSize          uint64         `json:"data_size"`
	DataHash          crypto.Hash160 `json:"data_hash"`
	StoreBegin        int64          `json:"store_begin"`
	StoreEnd          int64          `json:"store_end"`
	AuditCount        int            `json:"audit_count"`
	PaymentDestination string        `json:"payment_destination"`
	PaymentAmount     uint64         `json:"payment_amount"`

	RenterSignature []byte `json:"renter_signature,omitempty"`
	FarmerSignature []byte `json:"farmer_signature,omitempty"`

	state State
}

// canonicalContract mirrors Contract's signable fields in the lexicographic
// field order the wire format requires, with both signature fields always
// omitted.
type canonicalContract struct {
	AuditCount         int            `json:"audit_count"`
	DataHash           crypto.Hash160 `json:"data_hash"`
	DataSize           uint64         `json:"data_size"`
	FarmerID           crypto.Hash160 `json:"farmer_id"`
	PaymentAmount      uint64         `json:"payment_amount"`
	PaymentDestination string         `json:"payment_destination"`
	RenterHDKey        string         `json:"renter_hd_key,omitempty"`
	RenterID           crypto.Hash160 `json:"renter_id"`
	StoreBegin         int64          `json:"store_begin"`
	StoreEnd           int64          `json:"store_end"`
}

// Fields is the set of values needed to create a new Contract. FarmerID is
// typically left zero until the farmer accepts the renter's publication.
type Fields struct {
	RenterID           crypto.Hash160
	RenterHDKey        string
	FarmerID           crypto.Hash160
	DataSize           uint64
	DataHash           crypto.Hash160
	StoreBegin         int64
	StoreEnd           int64
	AuditCount         int
	PaymentDestination string
	PaymentAmount      uint64
}

// New validates fields and builds a fresh, unsigned Contract in StateInit.
func New(f Fields) (*Contract, error) {
	if f.RenterID.IsZero() {
		return nil, errors.Wrap(ErrMissingField, "renter_id")
	}
	if f.DataHash.IsZero() {
		return nil, errors.Wrap(ErrMissingField, "data_hash")
	}
	if f.DataSize == 0 {
		return nil, ErrEmptyData
	}
	if f.StoreEnd <= f.StoreBegin {
		return nil, ErrInvalidWindow
	}
	if f.AuditCount < 1 {
		return nil, errors.Wrap(ErrMissingField, "audit_count")
	}
	return &Contract{
		RenterID:           f.RenterID,
		RenterHDKey:        f.RenterHDKey,
		FarmerID:           f.FarmerID,
		DataSize:           f.DataSize,
		DataHash:           f.DataHash,
		StoreBegin:         f.StoreBegin,
		StoreEnd:           f.StoreEnd,
		AuditCount:         f.AuditCount,
		PaymentDestination: f.PaymentDestination,
		PaymentAmount:      f.PaymentAmount,
		state:              StateInit,
	}, nil
}

// canonicalBytes serialises the contract's signable fields in
// lexicographic key order, signature fields always stripped.
func (c *Contract) canonicalBytes() ([]byte, error) {
	cc := canonicalContract{
		AuditCount:         c.AuditCount,
		DataHash:           c.DataHash,
		DataSize:           c.DataSize,
		FarmerID:           c.FarmerID,
		PaymentAmount:      c.PaymentAmount,
		PaymentDestination: c.PaymentDestination,
		RenterHDKey:        c.RenterHDKey,
		RenterID:           c.RenterID,
		StoreBegin:         c.StoreBegin,
		StoreEnd:           c.StoreEnd,
	}
	return json.Marshal(cc)
}

// Sign writes the canonical form, hashes it, and produces a compact ECDSA
// signature over the hash on behalf of role, advancing the state machine.
// The farmer cannot sign until the renter has, and a role already holding
// a signature cannot sign again.
func (c *Contract) Sign(kp crypto.KeyPair, role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch role {
	case Renter:
		if c.RenterSignature != nil {
			return ErrAlreadySigned
		}
	case Farmer:
		if c.FarmerSignature != nil {
			return ErrAlreadySigned
		}
		if c.state < StateRenterSigned {
			return ErrOutOfOrder
		}
	default:
		return errors.Errorf("contract: unknown role %d", role)
	}

	b, err := c.canonicalBytes()
	if err != nil {
		return err
	}
	sig := kp.Sign(b)

	switch role {
	case Renter:
		c.RenterSignature = sig
		c.state = StateRenterSigned
	case Farmer:
		c.FarmerSignature = sig
		c.state = StateComplete
	}
	return nil
}

// Verify recomputes the contract's canonical hash and checks that role's
// signature recovers to expectedNodeID.
func (c *Contract) Verify(role Role, expectedNodeID crypto.Hash160) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sig []byte
	switch role {
	case Renter:
		sig = c.RenterSignature
	case Farmer:
		sig = c.FarmerSignature
	default:
		return false, errors.Errorf("contract: unknown role %d", role)
	}
	if sig == nil {
		return false, nil
	}
	b, err := c.canonicalBytes()
	if err != nil {
		return false, err
	}
	return crypto.Verify(b, sig, expectedNodeID), nil
}

// IsComplete reports whether both signatures are present and verify
// against the contract's own renter_id and farmer_id.
func (c *Contract) IsComplete() bool {
	c.mu.Lock()
	state := c.state
	renterID, farmerID := c.RenterID, c.FarmerID
	c.mu.Unlock()

	if state != StateComplete {
		return false
	}
	rok, err := c.Verify(Renter, renterID)
	if err != nil || !rok {
		return false
	}
	fok, err := c.Verify(Farmer, farmerID)
	return err == nil && fok
}

// State returns the contract's current lifecycle state.
func (c *Contract) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetFarmerID assigns the farmer accepting the contract's publication. It
// fails once either signature has been applied, since mutating a signed
// field would invalidate the signature silently.
func (c *Contract) SetFarmerID(id crypto.Hash160) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RenterSignature != nil || c.FarmerSignature != nil {
		return ErrImmutable
	}
	c.FarmerID = id
	return nil
}

// MarshalJSON implements json.Marshaler, emitting the contract's full wire
// form including whatever signatures are currently present.
func (c *Contract) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	type wire Contract
	return json.Marshal((*wire)(c))
}

// UnmarshalJSON implements json.Unmarshaler. The wire form carries no
// explicit state field, so state is derived from which signatures are
// present - a contract arriving over the wire with only a renter
// signature is exactly as far along the state machine as one signed
// locally would be.
func (c *Contract) UnmarshalJSON(data []byte) error {
	type wire Contract
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RenterID = w.RenterID
	c.RenterHDKey = w.RenterHDKey
	c.FarmerID = w.FarmerID
	c.DataSize = w.DataSize
	c.DataHash = w.DataHash
	c.StoreBegin = w.StoreBegin
	c.StoreEnd = w.StoreEnd
	c.AuditCount = w.AuditCount
	c.PaymentDestination = w.PaymentDestination
	c.PaymentAmount = w.PaymentAmount
	c.RenterSignature = w.RenterSignature
	c.FarmerSignature = w.FarmerSignature
	switch {
	case c.RenterSignature != nil && c.FarmerSignature != nil:
		c.state = StateComplete
	case c.RenterSignature != nil:
		c.state = StateRenterSigned
	default:
		c.state = StateInit
	}
	return nil
}
