package protocol

import (
	"go.storjnode.dev/core/contract"
	"go.storjnode.dev/core/crypto"
	"go.storjnode.dev/core/datachannel"
	"go.storjnode.dev/core/merkle"
	"go.storjnode.dev/core/overlay"
)

// OfferParams is the OFFER request body: a farmer proposing to fill a
// renter's published contract draft.
type OfferParams struct {
	Contract *contract.Contract `json:"contract"`
}

// OfferResult returns the renter's countersigned contract.
type OfferResult struct {
	Contract *contract.Contract `json:"contract"`
}

// ConsignParams is the CONSIGN request body: the renter handing a farmer
// the public half of the audit tree for a contract it has already
// countersigned.
type ConsignParams struct {
	ContractID string              `json:"contract_id"`
	AuditTree  merkle.PublicRecord `json:"audit_tree"`
}

// ConsignResult returns the one-shot PUSH token the farmer expects the
// shard bytes on.
type ConsignResult struct {
	Token datachannel.Token `json:"token"`
}

// RetrieveParams is the RETRIEVE request body.
type RetrieveParams struct {
	DataHash crypto.Hash160 `json:"data_hash"`
}

// RetrieveResult returns the PULL token the shard may be downloaded with.
type RetrieveResult struct {
	Token datachannel.Token `json:"token"`
}

// AuditParams is the AUDIT request body.
type AuditParams struct {
	DataHash  crypto.Hash160    `json:"data_hash"`
	Challenge merkle.Challenge  `json:"challenge"`
}

// AuditResult carries the farmer's proof response.
type AuditResult struct {
	Proof merkle.Proof `json:"proof"`
}

// MirrorParams is the MIRROR request body: ask a farmer to pull a shard
// from another farmer and take over responsibility for it.
type MirrorParams struct {
	SourceContractID    string          `json:"source_contract"`
	SourceFarmerAddress string          `json:"source_farmer_contact"`
	Token               datachannel.Token `json:"token"`
}

// ProbeParams asks the recipient to dial back sender's advertised
// address to confirm public reachability.
type ProbeParams struct {
	Callback overlay.Contact `json:"callback"`
}

// FindTunnelParams is the FIND_TUNNEL request body.
type FindTunnelParams struct {
	Count int `json:"count"`
}

// FindTunnelResult returns known tunneler contacts.
type FindTunnelResult struct {
	Tunnelers []overlay.Contact `json:"tunnelers"`
}

// OpenTunnelParams is the OPEN_TUNNEL request body.
type OpenTunnelParams struct {
	Requester overlay.Contact `json:"requester"`
}

// OpenTunnelResult returns the relay slot granted by a tunneler.
type OpenTunnelResult struct {
	TunnelURL string `json:"tunnel"`
	Alias     overlay.Contact `json:"alias"`
}
