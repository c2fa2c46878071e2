package lmtp

import (
	"context"
	"errors"
	"time"

	"github.com/busybox42/elemta-lmtp/internal/address"
	"github.com/busybox42/elemta-lmtp/internal/proxy"
	"github.com/busybox42/elemta-lmtp/internal/routing"
)

// handleRCPT resolves a recipient and adds it to the transaction. Local
// recipients may be left pending on the admission check, in which case the
// reply is sent by resolvePending.
func (s *Session) handleRCPT(ctx context.Context, args string) error {
	if s.txn == nil {
		return badSequence("MAIL needed first")
	}
	rest, ok := cutPrefixFold(args, "TO:")
	if !ok {
		return syntaxError("Invalid parameters")
	}
	addr, rest, err := address.Parse(rest, address.AllowLocalPart)
	if err != nil {
		return syntaxError("Invalid TO: %s", err.Error())
	}
	params, err := address.ParseRcptParams(rest)
	if err != nil {
		return paramError(err)
	}

	decision, err := s.backends.Router.Resolve(ctx, routing.Request{
		Address:    addr,
		Params:     params,
		LocalIP:    s.localIP,
		LocalPort:  s.localPort,
		RemoteIP:   s.remoteIP,
		RemotePort: s.remotePort,
		TTL:        s.ttl,
		SessionID:  s.txn.ID,
	})
	if err != nil {
		var rej *routing.Rejection
		if errors.As(err, &rej) {
			s.metrics.Recipients.WithLabelValues("unknown", "rejected").Inc()
			s.logger.Info("Recipient rejected", "rcpt", addr.Encode(), "reply", rej.Error())
			return replyFromRejection(rej)
		}
		return err
	}

	if decision.Kind == routing.Proxy {
		return s.addProxyRcpt(ctx, decision, params)
	}

	if s.txn.proxied() {
		s.metrics.Recipients.WithLabelValues("local", "rejected").Inc()
		return NewReply(451, "4.3.0", "<%s> Can't handle mixed proxy/non-proxy destinations", addr.Encode())
	}

	rcpt := &Recipient{
		Address:  decision.Address,
		Original: addr,
		Params:   params,
		Username: decision.Username,
		Detail:   decision.Detail,
		Delim:    decision.Delim,
		Mailbox:  decision.Mailbox,
	}

	if gate := s.backends.Gate; gate.Enabled() {
		s.pending = &pendingRcpt{
			rcpt:    rcpt,
			query:   gate.Query(ctx, rcpt.Mailbox.Username),
			started: time.Now(),
		}
		return nil
	}
	return s.finishRcpt(rcpt)
}

// resolvePending waits for the admission verdict of the pending recipient
// and sends its RCPT reply. Pipelined commands stay buffered until then; a
// disconnect or server shutdown abandons the lookup.
func (s *Session) resolvePending(ctx context.Context) error {
	p := s.pending
	watch := s.watchConn()

	for {
		select {
		case verdict := <-p.query.Done():
			s.stopWatch(watch)
			s.pending = nil
			s.metrics.AdmissionWait.Observe(time.Since(p.started).Seconds())
			if !verdict.Allowed {
				s.metrics.AdmissionRejected.Inc()
				s.metrics.Recipients.WithLabelValues("local", "rejected").Inc()
				return s.reply("451 4.3.0 <%s> Too many concurrent deliveries for user", p.rcpt.Address.Encode())
			}
			return s.finishRcpt(p.rcpt)
		case err := <-watch:
			if err == nil {
				// More input is buffered; keep waiting for the verdict.
				watch = nil
				continue
			}
			s.logger.Debug("Connection lost during admission lookup", "rcpt", p.rcpt.Address.Encode(), "error", err)
			p.query.Cancel()
			s.pending = nil
			return err
		case <-ctx.Done():
			s.stopWatch(watch)
			p.query.Cancel()
			s.pending = nil
			return ctx.Err()
		}
	}
}

// watchConn reports on the returned channel once input is available on the
// connection, or the error that ended it. Nothing is consumed.
func (s *Session) watchConn() chan error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
		s.logger.Debug("Failed to set read deadline", "error", err)
	}
	watch := make(chan error, 1)
	go func() {
		_, err := s.reader.Peek(1)
		watch <- err
	}()
	return watch
}

// stopWatch interrupts a running watchConn and waits for it to return, so
// the reader is free for the next command. A nil watch is already done.
func (s *Session) stopWatch(watch chan error) {
	if watch == nil {
		return
	}
	select {
	case <-watch:
		return
	default:
	}
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		s.logger.Debug("Failed to set read deadline", "error", err)
	}
	<-watch
}

func (s *Session) finishRcpt(rcpt *Recipient) error {
	rcpt.SessionID = s.txn.nextRecipientID()
	s.txn.Recipients = append(s.txn.Recipients, rcpt)
	s.metrics.Recipients.WithLabelValues("local", "accepted").Inc()
	s.logger.Info("Recipient accepted",
		"txn_id", s.txn.ID,
		"rcpt", rcpt.Address.Encode(),
		"username", rcpt.Mailbox.Username,
		"delivery_id", rcpt.SessionID,
	)
	return s.reply("250 2.1.5 OK")
}

// addProxyRcpt hands a recipient to the remote server named by the
// routing decision.
func (s *Session) addProxyRcpt(ctx context.Context, d *routing.Decision, params address.RcptParams) error {
	if len(s.txn.Recipients) > 0 {
		s.metrics.Recipients.WithLabelValues("proxy", "rejected").Inc()
		return NewReply(451, "4.3.0", "<%s> Can't handle mixed proxy/non-proxy destinations", d.Address.Encode())
	}

	p := s.txn.Proxy
	if p == nil {
		p = proxy.New(proxy.Options{
			MyHostname: s.config.Hostname,
			SessionID:  s.txn.ID,
			SourceIP:   s.remoteIP,
			SourcePort: s.remotePort,
			TTL:        s.ttl - 1,
			Resolver:   s.backends.DNS,
			Dialer:     s.backends.ProxyDialer,
			Logger:     s.logger,
		})
		p.MailFrom(s.txn.Sender, s.txn.Params)
	}

	settings := d.Settings
	if s.proxyTimeout > 0 && (settings.Timeout <= 0 || settings.Timeout > s.proxyTimeout) {
		settings.Timeout = s.proxyTimeout
	}

	if err := p.AddRcpt(ctx, d.Address, params, settings); err != nil {
		s.metrics.Recipients.WithLabelValues("proxy", "failed").Inc()
		// A proxy without recipients must not make the transaction look
		// proxied.
		if p.Recipients() == 0 {
			p.Close()
			if s.txn.Proxy == p {
				s.txn.Proxy = nil
			}
		}
		return NewReply(451, "4.4.0", "<%s> Remote server not answering", d.Address.Encode())
	}
	s.txn.Proxy = p

	s.metrics.Recipients.WithLabelValues("proxy", "accepted").Inc()
	s.logger.Info("Recipient proxied",
		"txn_id", s.txn.ID,
		"rcpt", d.Address.Encode(),
		"host", settings.Host,
		"port", settings.Port,
		"protocol", settings.Protocol.String(),
	)
	return s.reply("250 2.1.5 OK")
}
