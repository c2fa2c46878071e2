package lmtp

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/busybox42/elemta-lmtp/internal/address"
	"github.com/busybox42/elemta-lmtp/internal/admission"
	"github.com/busybox42/elemta-lmtp/internal/proxy"
	"github.com/busybox42/elemta-lmtp/internal/store"
)

// Transaction is one envelope, from MAIL until DATA completes or the
// session is reset.
type Transaction struct {
	ID     string
	Sender address.Address
	Params address.MailParams

	// Recipients holds the local recipients in acceptance order.
	Recipients []*Recipient

	// Proxy is set once a recipient was handed to a remote server. A
	// transaction never has both local recipients and a proxy.
	Proxy *proxy.Proxy

	Started time.Time
}

func newTransaction(sender address.Address, params address.MailParams) *Transaction {
	return &Transaction{
		ID:      ulid.Make().String(),
		Sender:  sender,
		Params:  params,
		Started: time.Now(),
	}
}

// nextRecipientID returns the delivery id of the next local recipient: the
// transaction id for the first one, "<id>:<n>" for the nth.
func (t *Transaction) nextRecipientID() string {
	if len(t.Recipients) == 0 {
		return t.ID
	}
	return fmt.Sprintf("%s:%d", t.ID, len(t.Recipients)+1)
}

// recipientCount counts every recipient owed a reply after DATA.
func (t *Transaction) recipientCount() int {
	n := len(t.Recipients)
	if t.Proxy != nil {
		n += t.Proxy.Recipients()
	}
	return n
}

// proxied reports whether a recipient was handed to a remote server.
func (t *Transaction) proxied() bool {
	return t.Proxy != nil && t.Proxy.Recipients() > 0
}

// close releases the transaction's outbound connections.
func (t *Transaction) close() {
	if t.Proxy != nil {
		t.Proxy.Close()
	}
}

// Recipient is an accepted local recipient.
type Recipient struct {
	// Address is the final address; Original is the one the client sent.
	Address  address.Address
	Original address.Address
	Params   address.RcptParams
	Username string
	Detail   string
	Delim    rune
	Mailbox  store.Mailbox
	// SessionID identifies this delivery in logs and replies.
	SessionID string
}

// pendingRcpt is a recipient waiting for the admission verdict. While one
// exists the session reads no further commands.
type pendingRcpt struct {
	rcpt    *Recipient
	query   *admission.Query
	started time.Time
}
