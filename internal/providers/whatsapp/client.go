package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wasched/internal/session"
)

type Client struct {
	cli     *whatsmeow.Client
	emit    session.Emit
	log     *slog.Logger
	closing atomic.Bool
}

func (c *Client) Connect(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		qr, err := c.cli.GetQRChannel(ctx)
		if err != nil {
			return classify("qr channel", err)
		}
		go c.watchPairing(qr)
	}
	if err := c.cli.Connect(); err != nil {
		return classify("connect", err)
	}
	return nil
}

func (c *Client) watchPairing(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if c.closing.Load() {
			// keep draining so whatsmeow's sender never blocks
			continue
		}
		switch item.Event {
		case "code":
			c.emit(session.Event{Kind: session.EventChallenge, Challenge: item.Code})
		case "success":
			// PairSuccess and Connected arrive through the event handler
		case "timeout":
			c.emit(session.Event{Kind: session.EventAuthFailure, Reason: "qr code timed out"})
		default:
			err := item.Error
			if err == nil {
				err = errors.New(item.Event)
			}
			c.emit(session.Event{Kind: session.EventAuthFailure, Err: err})
		}
	}
}

func (c *Client) handleEvent(evt any) {
	if c.closing.Load() {
		return
	}
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.log.Info("whatsapp paired", "jid", e.ID.String(), "platform", e.Platform)
		c.emit(session.Event{Kind: session.EventAuthenticated})
	case *events.Connected:
		c.emit(session.Event{Kind: session.EventReady})
	case *events.LoggedOut:
		c.emit(session.Event{Kind: session.EventDisconnected, Reason: session.ReasonLogout})
	case *events.StreamReplaced:
		c.emit(session.Event{Kind: session.EventDisconnected, Reason: "STREAM_REPLACED"})
	case *events.Disconnected:
		c.emit(session.Event{Kind: session.EventDisconnected, Reason: "CONNECTION_LOST"})
	case *events.ConnectFailure:
		c.emit(session.Event{Kind: session.EventAuthFailure, Reason: fmt.Sprintf("connect failure %v: %s", e.Reason, e.Message)})
	case *events.TemporaryBan:
		c.emit(session.Event{Kind: session.EventError, Err: fmt.Errorf("temporary ban: %v", e)})
	case *events.ClientOutdated:
		c.emit(session.Event{Kind: session.EventError, Err: errors.New("client outdated")})
	}
}

func (c *Client) Disconnect() {
	c.closing.Store(true)
	c.cli.Disconnect()
}

func (c *Client) Logout(ctx context.Context) error {
	c.closing.Store(true)
	if err := c.cli.Logout(ctx); err != nil {
		c.closing.Store(false)
		return classify("logout", err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if !c.cli.IsConnected() {
		return session.Wrap(session.KindSessionClosed, "ping", whatsmeow.ErrNotConnected)
	}
	if !c.cli.IsLoggedIn() {
		return session.Wrap(session.KindSessionClosed, "ping", whatsmeow.ErrNotLoggedIn)
	}
	return nil
}

func (c *Client) Info() (session.Info, bool) {
	id := c.cli.Store.ID
	if id == nil {
		return session.Info{}, false
	}
	return session.Info{
		ID:       id.ToNonAD().String(),
		PushName: c.cli.Store.PushName,
		Platform: c.cli.Store.Platform,
	}, true
}

func (c *Client) Groups(ctx context.Context) ([]session.Group, error) {
	infos, err := c.cli.GetJoinedGroups(ctx)
	if err != nil {
		return nil, classify("list groups", err)
	}

	var self, selfLID types.JID
	if c.cli.Store.ID != nil {
		self = c.cli.Store.ID.ToNonAD()
	}
	selfLID = c.cli.Store.LID

	out := make([]session.Group, 0, len(infos))
	for _, g := range infos {
		grp := session.Group{ID: g.JID.String(), Name: g.Name}
		for _, p := range g.Participants {
			sp := session.Participant{ID: p.JID.String(), IsAdmin: p.IsAdmin, IsSuperAdmin: p.IsSuperAdmin}
			if !p.LID.IsEmpty() {
				sp.AltID = p.LID.String()
			}
			// LID-addressed groups list us by LID only
			if !selfLID.IsEmpty() && p.JID.User == selfLID.User && !self.IsEmpty() {
				sp.AltID = self.String()
			}
			grp.Participants = append(grp.Participants, sp)
		}
		out = append(out, grp)
	}
	return out, nil
}

func (c *Client) Promote(ctx context.Context, groupID, participantID string) error {
	group, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("parse group id: %w", err)
	}
	who, err := types.ParseJID(participantID)
	if err != nil {
		return fmt.Errorf("parse participant id: %w", err)
	}
	if _, err := c.cli.UpdateGroupParticipants(ctx, group, []types.JID{who}, whatsmeow.ParticipantChangePromote); err != nil {
		return classify("promote", err)
	}
	return nil
}

func (c *Client) SendText(ctx context.Context, groupID, text string) error {
	to, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("parse group id: %w", err)
	}
	_, err = c.cli.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	return classify("send text", err)
}

func (c *Client) SendImage(ctx context.Context, groupID string, img session.Image) error {
	to, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("parse group id: %w", err)
	}
	up, err := c.cli.Upload(ctx, img.Data, whatsmeow.MediaImage)
	if err != nil {
		return classify("upload image", err)
	}
	mime := img.MimeType
	if mime == "" {
		mime = http.DetectContentType(img.Data)
	}
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Mimetype:      proto.String(mime),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	if img.Caption != "" {
		msg.ImageMessage.Caption = proto.String(img.Caption)
	}
	_, err = c.cli.SendMessage(ctx, to, msg)
	return classify("send image", err)
}

// classify maps library failures onto session error kinds. Text matching is
// the last resort for errors whatsmeow does not export.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return session.Wrap(session.KindSessionClosed, op, err)
	case errors.Is(err, whatsmeow.ErrGroupNotFound):
		return session.Wrap(session.KindNotFound, op, err)
	case errors.Is(err, whatsmeow.ErrNotInGroup), errors.Is(err, whatsmeow.ErrIQForbidden):
		return session.Wrap(session.KindPermissionDenied, op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"session closed", "protocol error", "websocket not connected", "websocket disconnected"} {
		if strings.Contains(msg, marker) {
			return session.Wrap(session.KindSessionClosed, op, err)
		}
	}
	return session.Wrap(session.KindUnknown, op, err)
}
