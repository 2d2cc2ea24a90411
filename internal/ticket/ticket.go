package ticket

import (
	"github.com/ghaph/auto-middleman/internal/domain"
)

// Party is one side of a negotiation with its transient vote state. Vote
// fields are cleared or overwritten as the parties change their minds; they
// only become binding when both sides match.
type Party struct {
	ID        string            `json:"id"`
	Crypto    domain.CryptoType `json:"crypto,omitempty"`
	Role      domain.Role       `json:"role,omitempty"`
	Value     string            `json:"value,omitempty"`
	Verdict   domain.Verdict    `json:"verdict,omitempty"`
	VoteClose bool              `json:"voteClose,omitempty"`
	VoteKick  bool              `json:"voteKick,omitempty"`
}

// Message is one chat message recorded on the ticket.
type Message struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Body   string `json:"body"`
	Bot    bool   `json:"bot,omitempty"`
}

// Ticket is one negotiation session. User1 is the initiator and always
// present; User2 joins at user_wait. Closed is terminal; Closing marks the
// short debounce window before an actual close.
type Ticket struct {
	ID           int64          `json:"id"`
	Origin       domain.Origin  `json:"origin"`
	Channel      string         `json:"channel"`
	Invite       string         `json:"invite,omitempty"`
	Stage        domain.Stage   `json:"stage"`
	Created      int64          `json:"created"`
	LastActivity int64          `json:"lastActivity"`
	User1        *Party         `json:"user1"`
	User2        *Party         `json:"user2,omitempty"`
	Tid          *int64         `json:"tid,omitempty"`
	Result       string         `json:"result,omitempty"`
	Outcome      domain.Verdict `json:"outcome,omitempty"`
	Closed       bool           `json:"closed,omitempty"`
	Closing      bool           `json:"closing,omitempty"`
	Messages     []Message      `json:"messages,omitempty"`

	// id of the last stage prompt, kept for in-place button edits. Not
	// persisted; a restarted process sends a fresh prompt instead.
	promptID string
}

// party returns the participant with the given external id, or nil.
func (t *Ticket) party(userID string) *Party {
	if t.User1 != nil && t.User1.ID == userID {
		return t.User1
	}
	if t.User2 != nil && t.User2.ID == userID {
		return t.User2
	}
	return nil
}

// other returns the counter-party of the given participant.
func (t *Ticket) other(p *Party) *Party {
	if p == t.User1 {
		return t.User2
	}
	return t.User1
}

// agreedCrypto returns whichever asset proposal is set. Meaningful once the
// crypto vote has matched.
func (t *Ticket) agreedCrypto() domain.CryptoType {
	if t.User1 != nil && t.User1.Crypto != "" {
		return t.User1.Crypto
	}
	if t.User2 != nil && t.User2.Crypto != "" {
		return t.User2.Crypto
	}
	return domain.BTC
}

// proposedValue returns whichever value slot is filled.
func (t *Ticket) proposedValue() string {
	if t.User1 != nil && t.User1.Value != "" {
		return t.User1.Value
	}
	if t.User2 != nil && t.User2.Value != "" {
		return t.User2.Value
	}
	return ""
}

// byRole returns the party holding the given role, or nil.
func (t *Ticket) byRole(role domain.Role) *Party {
	if t.User1 != nil && t.User1.Role == role {
		return t.User1
	}
	if t.User2 != nil && t.User2.Role == role {
		return t.User2
	}
	return nil
}

// hasMessage reports whether a message id was already recorded.
func (t *Ticket) hasMessage(id string) bool {
	for _, m := range t.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// unpaid reports whether the ticket still counts against its users' open
// ticket cap. Funded and settled tickets no longer do.
func (t *Ticket) unpaid() bool {
	if t.Closed {
		return false
	}
	switch t.Stage {
	case domain.StageOngoing, domain.StageSelectAddress, domain.StageCompleted:
		return false
	}
	return true
}

// involves reports whether the user participates in the ticket.
func (t *Ticket) involves(userID string) bool {
	return t.party(userID) != nil
}
