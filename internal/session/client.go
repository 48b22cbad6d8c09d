package session

import (
	"context"
	"strings"
)

// Client is one live connection to the messaging network.
type Client interface {
	// Connect starts the connection. Lifecycle progress (challenge, ready,
	// disconnects) is reported through the Emit func given to the factory.
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	// Ping is a cheap call used by the health probe.
	Ping(ctx context.Context) error
	Info() (Info, bool)
	Groups(ctx context.Context) ([]Group, error)
	Promote(ctx context.Context, groupID, participantID string) error
	SendText(ctx context.Context, groupID, text string) error
	SendImage(ctx context.Context, groupID string, img Image) error
}

type Emit func(Event)

// Factory builds clients bound to the persistent credential store, so a
// device that already paired does not have to scan again.
type Factory interface {
	New(ctx context.Context, emit Emit) (Client, error)
}

type Info struct {
	ID       string `json:"id"`
	PushName string `json:"pushname"`
	Platform string `json:"platform"`
}

type Image struct {
	Data     []byte
	MimeType string
	FileName string
	Caption  string
}

type Participant struct {
	ID           string `json:"id"`
	AltID        string `json:"-"`
	IsAdmin      bool   `json:"isAdmin"`
	IsSuperAdmin bool   `json:"isSuperAdmin"`
}

type Group struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Participants []Participant `json:"-"`
}

// Member returns the participant matching id, ignoring device suffixes.
func (g Group) Member(id string) (Participant, bool) {
	for _, p := range g.Participants {
		if SameUser(p.ID, id) || (p.AltID != "" && SameUser(p.AltID, id)) {
			return p, true
		}
	}
	return Participant{}, false
}

// IsAdmin reports whether id is an admin or super-admin of the group.
func (g Group) IsAdmin(id string) bool {
	p, ok := g.Member(id)
	return ok && (p.IsAdmin || p.IsSuperAdmin)
}

// FindGroupByName returns the first group with exactly this display name.
func FindGroupByName(groups []Group, name string) (Group, bool) {
	for _, g := range groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// SameUser compares two addresses by user and server, dropping any
// ":device" suffix.
func SameUser(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return bareAddress(a) == bareAddress(b)
}

func bareAddress(id string) string {
	user, server, _ := strings.Cut(id, "@")
	user, _, _ = strings.Cut(user, ":")
	return user + "@" + server
}
