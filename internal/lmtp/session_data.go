package lmtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/busybox42/elemta-lmtp/internal/spool"
	"github.com/busybox42/elemta-lmtp/internal/store"
)

// criticalErrorText is sent for storage failures whose details stay in the
// server log.
const criticalErrorText = "Internal error occurred. Refer to server log for more information."

var (
	errMessageTooBig = errors.New("message size exceeds maximum allowed")
	errSpoolWrite    = errors.New("failed to spool message")
)

// handleDATA receives the message and answers once per recipient.
func (s *Session) handleDATA(ctx context.Context) error {
	if s.txn == nil {
		return badSequence("MAIL needed first")
	}
	txn := s.txn
	if txn.recipientCount() == 0 {
		return NewReply(554, "5.5.1", "No valid recipients")
	}
	defer s.resetTransaction("DATA finished")

	header := s.addedHeaders(txn, time.Now())

	sp := spool.New(s.config.MaxInMemorySize,
		spool.WithTempDir(s.config.TempDir),
		spool.WithPromoteHook(func(size int) {
			s.metrics.SpoolPromotions.Inc()
			s.logger.Debug("Message body moved to temporary file", "txn_id", txn.ID, "buffered", size)
		}),
	)
	defer sp.Close()

	if err := s.reply("354 OK"); err != nil {
		return err
	}

	size, err := s.readData(ctx, sp)
	switch {
	case err == nil:
	case errors.Is(err, errMessageTooBig):
		s.logger.Info("Message rejected for size", "txn_id", txn.ID, "size", size, "max_size", s.config.MaxSize)
		for i := 0; i < txn.recipientCount(); i++ {
			if err := s.reply("552 5.3.4 Message size exceeds maximum allowed"); err != nil {
				return err
			}
		}
		return nil
	case errors.Is(err, errSpoolWrite):
		s.logger.Error("Failed to spool message", "txn_id", txn.ID, "error", err)
		_ = s.reply("451 4.3.0 Temporary internal failure")
		return errCloseSession
	default:
		s.logger.Info("Connection lost during DATA", "txn_id", txn.ID, "error", err)
		return errCloseSession
	}

	body, err := sp.Finish(header)
	if err != nil {
		s.logger.Error("Failed to finish message body", "txn_id", txn.ID, "error", err)
		for _, rcpt := range txn.Recipients {
			if err := s.reply("451 4.3.0 <%s> Temporary internal error", rcpt.Address.Encode()); err != nil {
				return err
			}
		}
		return nil
	}
	defer body.Close()

	s.metrics.MessageSize.Observe(float64(size))
	s.messages++
	s.logger.Info("Message received",
		"txn_id", txn.ID,
		"size", body.Size(),
		"on_disk", body.OnDisk(),
		"local_recipients", len(txn.Recipients),
		"proxied", txn.Proxy != nil,
	)

	if len(txn.Recipients) > 0 {
		if err := s.deliverLocal(ctx, txn, body); err != nil {
			return err
		}
	}
	if txn.Proxy != nil {
		return s.deliverProxy(ctx, txn, body)
	}
	return nil
}

// readData copies the dot-encoded message body into w until the lone "."
// line, removing dot-stuffing and keeping line endings as sent. Past
// MaxSize the rest of the body is read and discarded.
func (s *Session) readData(ctx context.Context, w io.Writer) (int64, error) {
	var (
		size    int64
		tooBig  bool
		atStart = true
	)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
			s.logger.Debug("Failed to set read deadline", "error", err)
		}
		if err := ctx.Err(); err != nil {
			return size, err
		}

		chunk, err := s.reader.ReadSlice('\n')
		complete := err == nil
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return size, fmt.Errorf("failed to read message data: %w", err)
		}

		data := chunk
		if atStart && len(data) > 0 && data[0] == '.' {
			if complete && isDataEnd(data) {
				break
			}
			data = data[1:]
		}
		atStart = complete

		if tooBig {
			continue
		}
		if s.config.MaxSize > 0 && size+int64(len(data)) > s.config.MaxSize {
			tooBig = true
			continue
		}
		if _, err := w.Write(data); err != nil {
			return size, fmt.Errorf("%w: %v", errSpoolWrite, err)
		}
		size += int64(len(data))
	}

	if tooBig {
		return size, errMessageTooBig
	}
	return size, nil
}

func isDataEnd(line []byte) bool {
	return string(line) == ".\r\n" || string(line) == ".\n"
}

// deliverLocal saves the message for each local recipient under that
// recipient's identity, answering as it goes. The identity lock is held
// until the original uid is restored.
func (s *Session) deliverLocal(ctx context.Context, txn *Transaction, body *spool.Body) error {
	privs := s.backends.Privileges
	privs.Lock()
	defer privs.Unlock()

	origUID := privs.Current()
	defer func() {
		if err := privs.Restore(origUID); err != nil {
			s.logger.Error("Failed to restore privileges", "uid", origUID, "error", err)
		}
	}()

	received := time.Now()
	var first *Recipient
	for _, rcpt := range txn.Recipients {
		reply, saved := s.deliverOne(ctx, txn, rcpt, body, received)
		if saved && first == nil {
			first = rcpt
		}
		if err := s.reply("%s", reply.String()); err != nil {
			return err
		}
	}

	if first != nil {
		s.autoexpunge(ctx, first)
	}
	return nil
}

func (s *Session) deliverOne(ctx context.Context, txn *Transaction, rcpt *Recipient, body *spool.Body, received time.Time) (*Reply, bool) {
	addr := rcpt.Address.Encode()
	logger := s.logger.With("txn_id", txn.ID, "delivery_id", rcpt.SessionID, "rcpt", addr)

	if err := s.backends.Privileges.Become(rcpt.Mailbox.UID); err != nil {
		logger.Error("Failed to switch user", "uid", rcpt.Mailbox.UID, "error", err)
		return NewReply(451, "4.3.0", "<%s> Temporary internal error", addr), false
	}

	release := s.backends.Gate.Acquire(ctx, rcpt.Mailbox.Username)
	defer release()

	msg := store.NewMessage(txn.Sender.Encode(), rcpt.SessionID, received, body.Size(), body.Open)
	err := s.metrics.TrackDeliveryDuration(func() error {
		return s.backends.Storage.Deliver(ctx, msg, rcpt.Mailbox)
	})

	switch {
	case err == nil:
		logger.Info("Message saved", "username", rcpt.Mailbox.Username, "size", msg.Size)
		return NewReply(250, "2.0.0", "<%s> %s Saved", addr, rcpt.SessionID), true
	case store.IsTemporary(err):
		logger.Error("Delivery failed temporarily", "error", err)
		return NewReply(451, "4.2.0", "<%s> %s", addr, criticalErrorText), false
	default:
		logger.Warn("Delivery failed", "error", err)
		return NewReply(552, "5.2.2", "<%s> %s", addr, capitalize(err.Error())), false
	}
}

// autoexpunge trims the mailbox of the first recipient that got the
// message.
func (s *Session) autoexpunge(ctx context.Context, rcpt *Recipient) {
	if err := s.backends.Privileges.Become(rcpt.Mailbox.UID); err != nil {
		s.logger.Warn("Failed to switch user for autoexpunge", "uid", rcpt.Mailbox.UID, "error", err)
		return
	}
	n, err := s.backends.Storage.Autoexpunge(ctx, rcpt.Mailbox)
	if err != nil {
		s.logger.Warn("Autoexpunge failed", "username", rcpt.Mailbox.Username, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Autoexpunged messages", "username", rcpt.Mailbox.Username, "count", n)
	}
}

// deliverProxy relays the message to the remote servers and forwards
// their per-recipient replies.
func (s *Session) deliverProxy(ctx context.Context, txn *Transaction, body *spool.Body) error {
	results := txn.Proxy.Start(ctx, body.Open)
	for _, result := range results {
		s.metrics.ProxyResults.WithLabelValues(parseReply(result.Reply).Kind().String()).Inc()
		s.logger.Info("Proxied delivery finished",
			"txn_id", txn.ID,
			"rcpt", result.Address.Encode(),
			"reply", result.Reply,
		)
		if err := s.reply("%s", result.Reply); err != nil {
			return err
		}
	}
	return nil
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
