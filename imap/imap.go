// Package imap is the mail transport used by mailbox watchers.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-to-telegram/model"
)

// Session is one authenticated-or-not connection to a mail server.
// Every method returns *model.TransportError on failure.
type Session struct {
	client  *imapclient.Client
	address string
	notify  chan struct{}
	logger  *slog.Logger
	stop    func() bool
}

// Dial opens a connection for the mailbox. Closing ctx closes the connection.
func Dial(ctx context.Context, id model.MailboxIdentity, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	port := id.Port
	if port == 0 {
		port = 993
	}
	address := net.JoinHostPort(id.Host, strconv.Itoa(port))

	s := &Session{
		address: address,
		notify:  make(chan struct{}, 1),
		logger:  logger,
	}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					s.signal()
				}
			},
		},
	}
	if id.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         id.Host,
			InsecureSkipVerify: id.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if id.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, &model.TransportError{Op: "dial", Err: fmt.Errorf("dial imap %s: %w", address, err)}
	}

	s.client = client
	s.stop = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	logger.Debug("imap connection established", "address", address, "tls", id.UseTLS)
	return s, nil
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Login authenticates. A NO response is reported with Auth set.
func (s *Session) Login(username, password string) error {
	if err := s.client.Login(username, password).Wait(); err != nil {
		var respErr *imapv2.Error
		auth := errors.As(err, &respErr) && respErr.Type == imapv2.StatusResponseTypeNo
		return &model.TransportError{Op: "login", Auth: auth, Err: err}
	}
	return nil
}

// Select opens folder read-write so fetched messages get \Seen.
func (s *Session) Select(folder string) error {
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return &model.TransportError{Op: "select", Err: fmt.Errorf("select %s: %w", folder, err)}
	}
	s.logger.Debug("mailbox selected", "folder", folder, "messages", data.NumMessages)
	return nil
}

// IdleWait blocks in IDLE until the server announces new mail, timeout
// elapses, or ctx ends. notified is false on timeout.
func (s *Session) IdleWait(ctx context.Context, timeout time.Duration) (notified bool, err error) {
	// Drop notifications that arrived outside IDLE; they were covered by
	// the fetch that followed them.
	select {
	case <-s.notify:
	default:
	}

	idle, err := s.client.Idle()
	if err != nil {
		return false, &model.TransportError{Op: "idle", Err: err}
	}

	finished := make(chan error, 1)
	go func() {
		finished <- idle.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.notify:
		notified = true
	case <-timer.C:
	case <-ctx.Done():
		_ = idle.Close()
		return false, ctx.Err()
	case err := <-finished:
		if err == nil {
			err = fmt.Errorf("server ended IDLE")
		}
		return false, &model.TransportError{Op: "idle", Err: err}
	}

	if err := idle.Close(); err != nil {
		return false, &model.TransportError{Op: "idle done", Err: err}
	}
	if err := <-finished; err != nil {
		return false, &model.TransportError{Op: "idle done", Err: err}
	}
	return notified, nil
}

// SearchUnseen returns the UIDs of messages without \Seen.
func (s *Session) SearchUnseen() ([]uint32, error) {
	criteria := &imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &model.TransportError{Op: "search", Err: err}
	}

	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// Fetch downloads the full message without touching its flags; callers set
// \Seen with MarkSeen once the message is handled. A UID that no longer
// exists yields model.ErrMessageGone.
func (s *Session) Fetch(uid uint32) (model.RawMessage, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), options).Collect()
	if err != nil {
		return model.RawMessage{}, &model.TransportError{Op: "fetch", Err: fmt.Errorf("fetch uid %d: %w", uid, err)}
	}
	for _, msg := range msgs {
		if uint32(msg.UID) != uid {
			continue
		}
		body := msg.FindBodySection(section)
		if body == nil {
			break
		}
		return model.RawMessage{UID: uid, Body: bytes.Clone(body)}, nil
	}
	return model.RawMessage{}, fmt.Errorf("uid %d: %w", uid, model.ErrMessageGone)
}

// MarkSeen sets \Seen on uids.
func (s *Session) MarkSeen(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	set := make([]imapv2.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imapv2.UID(uid))
	}
	err := s.client.Store(imapv2.UIDSetNum(set...), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil).Close()
	if err != nil {
		return &model.TransportError{Op: "store", Err: err}
	}
	return nil
}

// Close logs out when possible and releases the connection.
func (s *Session) Close() error {
	if s.stop != nil {
		s.stop()
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "err", err)
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return nil
}
