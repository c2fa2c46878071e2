package lmtp

import (
	"fmt"
	"strings"
	"time"

	"github.com/busybox42/elemta-lmtp/internal/address"
)

// deliveredTo returns the Delivered-To address of a single-recipient
// transaction.
func deliveredTo(txn *Transaction, mode DeliveryAddressMode) (address.Address, bool) {
	if len(txn.Recipients) != 1 {
		return address.Address{}, false
	}
	rcpt := txn.Recipients[0]
	switch mode {
	case DeliveryAddressFinal:
		return rcpt.Address, true
	case DeliveryAddressOriginal:
		if rcpt.Params.ORCPT != nil {
			return *rcpt.Params.ORCPT, true
		}
		return rcpt.Address, true
	}
	return address.Address{}, false
}

// addedHeaders builds the trace header prepended to the message. Proxied
// transactions get only the Received line; the next hop adds Return-Path.
func (s *Session) addedHeaders(txn *Transaction, now time.Time) string {
	var b strings.Builder
	rcptTo, haveRcpt := deliveredTo(txn, s.config.HdrDeliveryAddress)

	if len(txn.Recipients) > 0 {
		fmt.Fprintf(&b, "Return-Path: %s\r\n", txn.Sender.Path())
		if haveRcpt {
			fmt.Fprintf(&b, "Delivered-To: %s\r\n", rcptTo.Encode())
		}
	}

	fmt.Fprintf(&b, "Received: from %s", s.lhlo)
	if s.remoteIP != nil {
		fmt.Fprintf(&b, " ([%s])", s.remoteIP.String())
	}
	b.WriteString("\r\n")
	if s.tlsState != nil {
		fmt.Fprintf(&b, "\t(using %s)\r\n", securityString(*s.tlsState))
	}
	fmt.Fprintf(&b, "\tby %s with LMTP id %s", s.config.Hostname, txn.ID)
	b.WriteString("\r\n\t")
	if haveRcpt {
		fmt.Fprintf(&b, "for %s", rcptTo.Path())
	}
	fmt.Fprintf(&b, "; %s\r\n", now.Format(time.RFC1123Z))
	return b.String()
}
