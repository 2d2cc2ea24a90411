package domain

// CryptoType identifies a supported asset.
type CryptoType string

const (
	BTC CryptoType = "btc"
	LTC CryptoType = "ltc"
	ETH CryptoType = "eth"
)

// CryptoNames maps asset symbols to display names.
var CryptoNames = map[CryptoType]string{
	BTC: "Bitcoin",
	LTC: "Litecoin",
	ETH: "Ethereum",
}

// All returns the supported assets in a stable order.
func All() []CryptoType {
	return []CryptoType{BTC, LTC, ETH}
}

// Valid reports whether c is a known asset.
func (c CryptoType) Valid() bool {
	_, ok := CryptoNames[c]
	return ok
}

// Decimals returns the number of decimal places of the asset's smallest unit.
func (c CryptoType) Decimals() int32 {
	if c == ETH {
		return 18
	}
	return 8
}

// CoinType returns the BIP44 coin type used in derivation paths.
func (c CryptoType) CoinType() uint32 {
	switch c {
	case ETH:
		return 60
	case LTC:
		return 2
	default:
		return 0
	}
}

// UTXOBased reports whether the asset uses the UTXO model. ETH is the only
// account-based asset.
func (c CryptoType) UTXOBased() bool {
	return c != ETH
}

// Origin identifies the chat platform a ticket or profile belongs to.
type Origin string

const (
	OriginTelegram Origin = "telegram"
	OriginDiscord  Origin = "discord"
)

// Parties holds the external (platform) ids of the two sides of a deal.
type Parties struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

// Status is the funding lifecycle state of a transaction.
type Status string

const (
	// StatusPending means the escrow wallet is waiting for incoming funds.
	StatusPending Status = "pending"
	// StatusPartial means funds arrived but below the requested amount.
	StatusPartial Status = "partial"
	// StatusOngoing means the requested amount is fully funded.
	StatusOngoing Status = "ongoing"
	// StatusCompleted means the payout was sent to the receiver.
	StatusCompleted Status = "completed"
	// StatusRefunded means the funds were returned to the sender.
	StatusRefunded Status = "refunded"
	// StatusCancelled means the transaction timed out or was abandoned.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusCancelled
}

// WaitingForFunds reports whether the transaction's wallet should still be
// polled for incoming balance.
func (s Status) WaitingForFunds() bool {
	return s == StatusPending || s == StatusPartial
}

// rank encodes the partial order pending < {partial, ongoing} < terminal.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusPartial, StatusOngoing:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether moving from s to next preserves the monotonic
// status order. Re-entering the same status is not a transition.
func (s Status) CanTransition(next Status) bool {
	if s == next || s.Terminal() {
		return false
	}
	// A partially funded wallet holds someone's money. It is never silently
	// cancelled, only timed out from pending.
	if s == StatusPartial && next == StatusCancelled {
		return false
	}
	return next.rank() >= s.rank()
}

// Stage is the negotiation step a ticket is currently at.
type Stage string

const (
	// StageWaiting means the ticket room exists but the initiator has not joined.
	StageWaiting Stage = "waiting"
	// StageUserWait means the initiator joined and the second party is awaited.
	StageUserWait Stage = "user_wait"
	// StageDefine means both parties are present and should describe the deal.
	StageDefine Stage = "define"
	// StageVoteCrypto means the parties are voting on the asset.
	StageVoteCrypto Stage = "votecrypto"
	// StageSelectRole means the parties are claiming sender/receiver roles.
	StageSelectRole Stage = "select_status"
	// StageSelectValue means either party may propose a USD amount.
	StageSelectValue Stage = "select_value"
	// StageAcceptValue means a proposed amount awaits the counter-party.
	StageAcceptValue Stage = "accept_value"
	// StagePending means a transaction exists and funding is awaited.
	StagePending Stage = "pending"
	// StageOngoing means the transaction is funded and finalize votes are open.
	StageOngoing Stage = "ongoing"
	// StageSelectAddress means the result party should supply a payout address.
	StageSelectAddress Stage = "select_address"
	// StageCompleted means the payout or refund was dispatched.
	StageCompleted Stage = "completed"
)

// HoldsFunds reports whether a ticket at this stage may have crypto sitting
// in its escrow wallet. Such tickets are never auto-closed.
func (s Stage) HoldsFunds() bool {
	return s == StageOngoing || s == StageSelectAddress
}

// Role is the side a party claims in the deal.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Verdict is a finalize vote.
type Verdict string

const (
	VerdictComplete Verdict = "complete"
	VerdictRefund   Verdict = "refund"
)

// IsValidAddress applies the coarse payout-address sanity check shared by all
// assets; real validation happens when the chain client builds the payout.
func IsValidAddress(address string) bool {
	if len(address) < 20 || len(address) > 100 {
		return false
	}
	for _, r := range address {
		if r == ' ' {
			return false
		}
	}
	return true
}
