package ticket

import (
	"fmt"

	"github.com/ghaph/auto-middleman/internal/chat"
	"github.com/ghaph/auto-middleman/internal/domain"
	"github.com/ghaph/auto-middleman/internal/ledger"
)

// buildPrompt renders the current stage's prompt from live ticket and
// transaction state. Prompts are never cached: a staff re-init must reflect
// the votes and amounts as they stand now. An empty text means the stage has
// no prompt.
func buildPrompt(t *Ticket, txn *ledger.Transaction) (string, [][]chat.Button) {
	switch t.Stage {
	case domain.StageUserWait:
		return fmt.Sprintf("Welcome! Share this invite with the other party to begin: %s", t.Invite), nil
	case domain.StageDefine:
		if t.User2 == nil {
			return "", nil
		}
		return "Both parties are present. Describe the deal in one message to continue.", nil
	case domain.StageVoteCrypto:
		return voteCryptoPrompt(t)
	case domain.StageSelectRole:
		return selectRolePrompt(t)
	case domain.StageSelectValue:
		return "Either party may now send the deal amount in USD (for example 25 or $25.00).", nil
	case domain.StageAcceptValue:
		return acceptValuePrompt(t)
	case domain.StagePending:
		return pendingPrompt(t, txn), nil
	case domain.StageOngoing:
		return finalizePrompt(t)
	case domain.StageSelectAddress:
		return addressPrompt(t), nil
	case domain.StageCompleted:
		return "The deal is settled. Thanks for using the middleman service!", nil
	}
	return "", nil
}

func voteLabel(p *Party) string {
	if p == nil || p.Crypto == "" {
		return "None"
	}
	return domain.CryptoNames[p.Crypto]
}

func voteCryptoPrompt(t *Ticket) (string, [][]chat.Button) {
	text := fmt.Sprintf("Vote for the crypto to use.\nParty 1: %s\nParty 2: %s",
		voteLabel(t.User1), voteLabel(t.User2))

	row := make([]chat.Button, 0, len(domain.All()))
	for _, crypto := range domain.All() {
		label := domain.CryptoNames[crypto]
		if (t.User1 != nil && t.User1.Crypto == crypto) || (t.User2 != nil && t.User2.Crypto == crypto) {
			label = "* " + label
		}
		row = append(row, chat.Button{Label: label, Data: fmt.Sprintf("selectcrypto:%d:%s", t.ID, crypto)})
	}
	buttons := [][]chat.Button{row, {
		{Label: "Clear Choice", Data: fmt.Sprintf("selectcrypto:%d:clear", t.ID)},
	}}
	return text, buttons
}

func roleLabel(p *Party) string {
	switch {
	case p == nil || p.Role == "":
		return "None"
	case p.Role == domain.RoleSender:
		return "Sender"
	default:
		return "Receiver"
	}
}

func selectRolePrompt(t *Ticket) (string, [][]chat.Button) {
	text := fmt.Sprintf("Pick your side of the deal.\nParty 1: %s\nParty 2: %s",
		roleLabel(t.User1), roleLabel(t.User2))

	// Buttons disappear once the vote has settled.
	settled := t.User1 != nil && t.User1.Role != "" &&
		t.User2 != nil && t.User2.Role != "" && t.User1.Role != t.User2.Role
	if settled {
		return text, nil
	}
	return text, [][]chat.Button{
		{
			{Label: "Sender", Data: fmt.Sprintf("selectstatus:%d:sender", t.ID)},
			{Label: "Receiver", Data: fmt.Sprintf("selectstatus:%d:receiver", t.ID)},
		},
		{{Label: "Clear Choice", Data: fmt.Sprintf("selectstatus:%d:clear", t.ID)}},
	}
}

func acceptValuePrompt(t *Ticket) (string, [][]chat.Button) {
	text := fmt.Sprintf("A deal of %s in %s was proposed. The other party may accept or reject it.",
		"$"+t.proposedValue(), domain.CryptoNames[t.agreedCrypto()])
	return text, [][]chat.Button{{
		{Label: "Reject", Data: fmt.Sprintf("acceptvalue:%d:reject", t.ID)},
		{Label: "Accept", Data: fmt.Sprintf("acceptvalue:%d:accept", t.ID)},
	}}
}

func pendingPrompt(t *Ticket, txn *ledger.Transaction) string {
	if txn == nil {
		return "Failed to get transaction details. Please contact staff."
	}
	sender := t.byRole(domain.RoleSender)
	senderID := "the sender"
	if sender != nil {
		senderID = sender.ID
	}
	return fmt.Sprintf("Deal for $%s. %s must now send %s %s to the escrow address:\n%s",
		txn.AmountUsd, senderID,
		domain.UnitsToCrypto(txn.Amount, txn.Crypto), domain.CryptoNames[txn.Crypto],
		txn.Wallet.Address)
}

func verdictLabel(p *Party) string {
	switch {
	case p == nil || p.Verdict == "":
		return "None"
	case p.Verdict == domain.VerdictComplete:
		return "Complete"
	default:
		return "Refund"
	}
}

func finalizePrompt(t *Ticket) (string, [][]chat.Button) {
	text := fmt.Sprintf("Funds received. Vote to complete or refund the deal.\nParty 1: %s\nParty 2: %s",
		verdictLabel(t.User1), verdictLabel(t.User2))

	settled := t.User1 != nil && t.User1.Verdict != "" &&
		t.User2 != nil && t.User1.Verdict == t.User2.Verdict
	if settled {
		return text, nil
	}
	return text, [][]chat.Button{
		{
			{Label: "Refund", Data: fmt.Sprintf("finalize:%d:refund", t.ID)},
			{Label: "Complete", Data: fmt.Sprintf("finalize:%d:complete", t.ID)},
		},
		{{Label: "Clear Choice", Data: fmt.Sprintf("finalize:%d:clear", t.ID)}},
	}
}

func addressPrompt(t *Ticket) string {
	return fmt.Sprintf("%s: send the %s address that should receive the payout.",
		t.Result, domain.CryptoNames[t.agreedCrypto()])
}
