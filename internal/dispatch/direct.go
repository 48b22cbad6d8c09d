package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"wasched/internal/attachments"
	"wasched/internal/domain"
	"wasched/internal/events"
	"wasched/internal/observability"
	"wasched/internal/session"
)

// GroupSummary is one entry of the groups listing.
type GroupSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

// AdminGroup resolves name to a group where the connected account is an
// admin. It returns the group and the account's id.
func (p *Processor) AdminGroup(ctx context.Context, name string) (session.Client, session.Group, string, error) {
	client, err := p.Sessions.Client()
	if err != nil {
		return nil, session.Group{}, "", err
	}
	self, err := selfID(client)
	if err != nil {
		return nil, session.Group{}, "", err
	}
	groups, err := client.Groups(ctx)
	if err != nil {
		if session.IsSessionClosed(err) {
			p.Sessions.MarkSessionClosed(err)
		}
		return nil, session.Group{}, "", err
	}
	group, ok := session.FindGroupByName(groups, name)
	if !ok {
		return nil, session.Group{}, "", fmt.Errorf("%w: %s", domain.ErrGroupNotFound, name)
	}
	if !group.IsAdmin(self) {
		return nil, session.Group{}, "", fmt.Errorf("%w: %s", domain.ErrNotAdmin, name)
	}
	return client, group, self, nil
}

// SendNow delivers a message and its uploads right away. Staged uploads are
// always removed before it returns.
func (p *Processor) SendNow(ctx context.Context, req domain.SendRequest, uploads []attachments.Upload) (domain.SendResult, error) {
	defer attachments.Discard(uploads)

	if err := req.Validate(len(uploads)); err != nil {
		return domain.SendResult{}, err
	}
	client, group, _, err := p.AdminGroup(ctx, req.GroupName)
	if err != nil {
		return domain.SendResult{}, err
	}

	items := make([]item, 0, len(uploads))
	for _, u := range uploads {
		items = append(items, stagedItem(u))
	}
	consumed, err := p.deliver(ctx, client, group.ID, req.Message, items)
	task := domain.Task{GroupName: req.GroupName}
	if err != nil {
		if session.IsSessionClosed(err) {
			p.Sessions.MarkSessionClosed(err)
		}
		observability.Dispatches.WithLabelValues(string(events.TriggerSendNow), "failed").Inc()
		p.publish(ctx, task, events.TriggerSendNow, string(domain.StatusFailed), err.Error(), 0, len(consumed))
		return domain.SendResult{}, err
	}

	res := domain.SendResult{GroupName: req.GroupName, SentAt: p.now(), ImageCount: len(consumed)}
	p.log().Info("message sent", "group_name", req.GroupName, "images", len(consumed))
	observability.Dispatches.WithLabelValues(string(events.TriggerSendNow), "sent").Inc()
	p.publish(ctx, task, events.TriggerSendNow, string(domain.StatusSent), "", 0, len(consumed))
	return res, nil
}

func stagedItem(u attachments.Upload) item {
	return item{
		name: u.OriginalName,
		mime: u.ContentType,
		open: func(context.Context) (io.ReadCloser, error) { return os.Open(u.TempPath) },
		remove: func(context.Context) error {
			if err := os.Remove(u.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		},
	}
}

// Groups lists every group the account has joined.
func (p *Processor) Groups(ctx context.Context) ([]GroupSummary, error) {
	client, err := p.Sessions.Client()
	if err != nil {
		return nil, err
	}
	groups, err := client.Groups(ctx)
	if err != nil {
		if session.IsSessionClosed(err) {
			p.Sessions.MarkSessionClosed(err)
		}
		return nil, err
	}
	out := make([]GroupSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupSummary{ID: g.ID, Name: g.Name, Participants: len(g.Participants)})
	}
	return out, nil
}

// PromoteBot makes botID an admin in every group where the connected account
// is an admin. An empty botID means the account itself.
func (p *Processor) PromoteBot(ctx context.Context, botID string) ([]domain.PromoteResult, error) {
	client, err := p.Sessions.Client()
	if err != nil {
		return nil, err
	}
	self, err := selfID(client)
	if err != nil {
		return nil, err
	}
	if botID == "" {
		botID = self
	}
	groups, err := client.Groups(ctx)
	if err != nil {
		if session.IsSessionClosed(err) {
			p.Sessions.MarkSessionClosed(err)
		}
		return nil, err
	}

	results := make([]domain.PromoteResult, 0, len(groups))
	for _, g := range groups {
		if !g.IsAdmin(self) {
			results = append(results, domain.PromoteResult{
				GroupName: g.Name,
				Status:    domain.PromoteNoPermission,
				Message:   "You are not an admin in this group",
			})
			continue
		}
		bot, ok := g.Member(botID)
		switch {
		case !ok:
			results = append(results, domain.PromoteResult{
				GroupName: g.Name,
				Status:    domain.PromoteNotMember,
				Message:   "Bot is not a member of this group",
			})
		case bot.IsAdmin || bot.IsSuperAdmin:
			results = append(results, domain.PromoteResult{
				GroupName: g.Name,
				Status:    domain.PromoteAlreadyAdmin,
				Message:   "Bot is already an admin",
			})
		default:
			err := p.execute(ctx, "promote", func(ctx context.Context) error {
				return client.Promote(ctx, g.ID, bot.ID)
			})
			if err != nil {
				p.log().Warn("promote failed", "group_name", g.Name, "err", err)
				results = append(results, domain.PromoteResult{
					GroupName: g.Name,
					Status:    domain.PromoteError,
					Message:   "Failed to promote: " + err.Error(),
				})
				continue
			}
			results = append(results, domain.PromoteResult{
				GroupName: g.Name,
				Status:    domain.PromotePromoted,
				Message:   "Bot promoted to admin successfully",
			})
		}
	}
	return results, nil
}

func selfID(client session.Client) (string, error) {
	info, ok := client.Info()
	if !ok || info.ID == "" {
		return "", session.ErrNotReady
	}
	return info.ID, nil
}
