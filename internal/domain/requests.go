package domain

import (
	"strings"
	"time"
)

// ScheduleRequest carries the form fields of a schedule or update call.
// Cron wins over Date+Time when both are given.
type ScheduleRequest struct {
	GroupName      string
	Message        string
	Cron           string
	Date           string
	Time           string
	Description    string
	EndDate        string
	MaxOccurrences string
}

// Expiry holds the parsed optional expiry fields.
type Expiry struct {
	EndDate        *time.Time
	MaxOccurrences *int
}

type SendRequest struct {
	GroupName string
	Message   string
}

func (r SendRequest) Validate(imageCount int) error {
	if strings.TrimSpace(r.GroupName) == "" {
		return Invalid("groupName is required")
	}
	if strings.TrimSpace(r.Message) == "" && imageCount == 0 {
		return Invalid("groupName and message are required")
	}
	return nil
}

// SendResult is returned by the immediate-send path.
type SendResult struct {
	GroupName  string    `json:"groupName"`
	SentAt     time.Time `json:"sentAt"`
	ImageCount int       `json:"imageCount"`
}

type PromoteStatus string

const (
	PromoteAlreadyAdmin PromoteStatus = "already_admin"
	PromotePromoted     PromoteStatus = "promoted"
	PromoteNotMember    PromoteStatus = "not_member"
	PromoteNoPermission PromoteStatus = "no_permission"
	PromoteError        PromoteStatus = "error"
)

type PromoteResult struct {
	GroupName string        `json:"groupName"`
	Status    PromoteStatus `json:"status"`
	Message   string        `json:"message"`
}

type PromoteSummary struct {
	Promoted     int `json:"promoted"`
	AlreadyAdmin int `json:"alreadyAdmin"`
	Total        int `json:"total"`
}

func Summarize(results []PromoteResult) PromoteSummary {
	out := PromoteSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case PromotePromoted:
			out.Promoted++
		case PromoteAlreadyAdmin:
			out.AlreadyAdmin++
		}
	}
	return out
}
