package propozal

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusWon       Status = "won"
	StatusLost      Status = "lost"
	StatusDeclined  Status = "declined"
	StatusFinal     Status = "final"
	StatusSubmitted Status = "submitted"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusDraft, StatusSent, StatusWon, StatusLost, StatusDeclined, StatusFinal, StatusSubmitted:
		return s, nil
	default:
		return "", invalidField("status", "must be one of draft|sent|won|lost|declined|final|submitted")
	}
}

type ExpiredAction string

const (
	ExpiredShowMessage ExpiredAction = "show_message"
	ExpiredHide        ExpiredAction = "hide"
	ExpiredRedirect    ExpiredAction = "redirect"
)

type Proposal struct {
	ID                 string        `json:"id"`
	OwnerID            string        `json:"ownerId"`
	Title              string        `json:"title,omitempty"`
	Status             Status        `json:"status"`
	SentAt             *time.Time    `json:"sentAt,omitempty"`
	WonAt              *time.Time    `json:"wonAt,omitempty"`
	ExpiresAt          *time.Time    `json:"expiresAt,omitempty"`
	ExpiredAction      ExpiredAction `json:"expiredAction,omitempty"`
	ExpiredMessage     string        `json:"expiredMessage,omitempty"`
	ExpiredRedirectURL string        `json:"expiredRedirectUrl,omitempty"`
	ViewCount          int64         `json:"viewCount"`
	ShareCount         int64         `json:"shareCount"`
	CloneCount         int64         `json:"cloneCount"`
	ClientName         string        `json:"clientName,omitempty"`
	ClientEmail        string        `json:"clientEmail,omitempty"`
	ProjectValueActual *float64      `json:"projectValueActual,omitempty"`
	WinNotes           string        `json:"winNotes,omitempty"`
	LostReason         string        `json:"lostReason,omitempty"`
	AddToPortfolio     bool          `json:"addToPortfolio"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

type EventType string

const (
	EventView      EventType = "view"
	EventScroll    EventType = "scroll"
	EventTimeSpent EventType = "time_spent"
	EventExit      EventType = "exit"
)

func ParseEventType(raw string) (EventType, error) {
	switch t := EventType(strings.ToLower(strings.TrimSpace(raw))); t {
	case EventView, EventScroll, EventTimeSpent, EventExit:
		return t, nil
	default:
		return "", invalidField("event_type", "must be one of view|scroll|time_spent|exit")
	}
}

type SessionKey struct {
	ProposalID string
	SessionID  string
}

type EngagementSession struct {
	ProposalID     string    `json:"proposalId"`
	SessionID      string    `json:"sessionId"`
	FirstViewAt    time.Time `json:"firstViewAt"`
	LastViewAt     time.Time `json:"lastViewAt"`
	ViewCount      int64     `json:"viewCount"`
	ScrollDepthMax int       `json:"scrollDepthMax"`
	TotalTimeSpent int64     `json:"totalTimeSpent"`
	SectionsViewed []string  `json:"sectionsViewed"`
	DeviceType     string    `json:"deviceType,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	Referrer       string    `json:"referrer,omitempty"`
}

func (s EngagementSession) Key() SessionKey {
	return SessionKey{ProposalID: s.ProposalID, SessionID: s.SessionID}
}

// EngagementEvent is one client-reported telemetry sample. Optional numeric
// fields are pointers so "absent" and "zero" stay distinguishable.
type EngagementEvent struct {
	ProposalID  string
	SessionID   string
	Type        EventType
	ScrollDepth *int
	TimeSpent   *int64
	Section     string
	DeviceType  string
	UserAgent   string
	Referrer    string
}

type WebhookSubscription struct {
	UserID  string   `json:"userId"`
	URL     string   `json:"url"`
	Enabled bool     `json:"enabled"`
	Events  []string `json:"events"`
	Secret  string   `json:"-"`
}

func (s WebhookSubscription) Subscribed(eventType string) bool {
	for _, event := range s.Events {
		if event == eventType {
			return true
		}
	}
	return false
}

const (
	WebhookProposalCreated = "proposal.created"
	WebhookProposalSent    = "proposal.sent"
	WebhookProposalViewed  = "proposal.viewed"
	WebhookProposalWon     = "proposal.won"
	WebhookProposalLost    = "proposal.lost"
	WebhookTestPing        = "test.ping"
)

type WebhookDelivery struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	EventType      string          `json:"eventType"`
	URL            string          `json:"url"`
	Payload        json.RawMessage `json:"payload"`
	ResponseStatus int             `json:"responseStatus"`
	ResponseBody   string          `json:"responseBody,omitempty"`
	Failed         bool            `json:"failed"`
	Attempts       int             `json:"attempts"`
	Error          string          `json:"error,omitempty"`
	DeliveredAt    time.Time       `json:"deliveredAt"`
}

type RateLimitWindow struct {
	UserID       string    `json:"userId"`
	Endpoint     string    `json:"endpoint"`
	WindowStart  time.Time `json:"windowStart"`
	RequestCount int       `json:"requestCount"`
}

type UsagePeriod struct {
	UserID             string    `json:"userId"`
	Period             string    `json:"period"`
	ProposalsGenerated int       `json:"proposalsGenerated"`
	PeriodStart        time.Time `json:"periodStart"`
	PeriodEnd          time.Time `json:"periodEnd"`
}

// Account is the slice of the external user record this service reads.
type Account struct {
	UserID        string `json:"userId"`
	Plan          string `json:"plan"`
	QuotaOverride *int   `json:"quotaOverride,omitempty"`
}

// Clock is injected everywhere wall time matters so tests can pin it.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

func detachedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
