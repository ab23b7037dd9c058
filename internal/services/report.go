package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"wappsentinel/internal/repo"
	"wappsentinel/pkg/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Report order origins
const (
	OriginTranscribed  = "transcribed"
	OriginConversation = "conversation"
)

// ErrNoReportChat is returned when no destination chat is configured
var ErrNoReportChat = errors.New("report chat id not configured")

// ReportOrder is one order line of the daily report, whichever worker produced it
type ReportOrder struct {
	Origin           string
	DeliveryAt       time.Time
	PaymentStatus    string
	ClientName       string
	ContactPrimary   string
	ContactSecondary string
	Address          string
	Items            []models.OrderItem
	AcceptedAt       time.Time
}

// ReportResult describes a sent report
type ReportResult struct {
	Date        string `json:"date"`
	ChatID      string `json:"chat_id"`
	OrdersCount int    `json:"orders_count"`
	MessageID   string `json:"message_id,omitempty"`
}

// ReportService builds and sends the daily delivery report
type ReportService struct {
	orders *repo.StructuredOrderRepository
	convs  *repo.ConversationRepository
	sender MessageSender
	loc    *time.Location
}

// NewReportService creates a new report service. Dates are interpreted in loc.
func NewReportService(db *gorm.DB, sender MessageSender, loc *time.Location) *ReportService {
	if loc == nil {
		loc = time.UTC
	}
	return &ReportService{
		orders: repo.NewStructuredOrderRepository(db),
		convs:  repo.NewConversationRepository(db),
		sender: sender,
		loc:    loc,
	}
}

// Location returns the report timezone
func (s *ReportService) Location() *time.Location { return s.loc }

// OrdersForDate returns transcribed orders and confirmed conversation drafts
// delivering on date, earliest delivery first
func (s *ReportService) OrdersForDate(ctx context.Context, date time.Time) ([]ReportOrder, error) {
	from := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, s.loc)
	to := from.AddDate(0, 0, 1)

	structured, err := s.orders.ListDeliveringBetween(ctx, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list structured orders: %w", err)
	}
	drafts, err := s.convs.ListValidatedDrafts(ctx, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list validated drafts: %w", err)
	}

	out := make([]ReportOrder, 0, len(structured)+len(drafts))
	for _, o := range structured {
		out = append(out, ReportOrder{
			Origin:           OriginTranscribed,
			DeliveryAt:       *o.DeliveryAt,
			PaymentStatus:    o.PaymentStatus,
			ClientName:       o.ClientName,
			ContactPrimary:   o.ContactPrimary,
			ContactSecondary: o.ContactSecondary,
			Items:            o.Items,
			AcceptedAt:       o.AcceptedAt,
		})
	}
	for _, d := range drafts {
		ro := ReportOrder{
			Origin:           OriginConversation,
			DeliveryAt:       *d.DeliveryAt,
			PaymentStatus:    d.PaymentStatus,
			ClientName:       d.ClientName,
			ContactPrimary:   d.ClientPhone,
			ContactSecondary: d.AdditionalPhone,
			Address:          d.DeliveryAddress,
			Items:            d.Items,
		}
		if d.ConfirmedAt != nil {
			ro.AcceptedAt = *d.ConfirmedAt
		}
		out = append(out, ro)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DeliveryAt.Before(out[j].DeliveryAt)
	})
	return out, nil
}

const reportRule = "────────────────────"

// Format renders the report text for date
func (s *ReportService) Format(orders []ReportOrder, date time.Time) string {
	header := "📋 ORDERS FOR " + date.Format("02.01.2006")
	if len(orders) == 0 {
		return header + "\n\nNo orders for this date."
	}

	var b strings.Builder
	b.WriteString(header + "\n")
	fmt.Fprintf(&b, "Total orders: %d\n\n", len(orders))

	paid, unpaid := 0, 0
	for i, o := range orders {
		b.WriteString(reportRule + "\n")
		fmt.Fprintf(&b, "ORDER #%d\n", i+1)
		fmt.Fprintf(&b, "🕐 Delivery time: %s\n", o.DeliveryAt.In(s.loc).Format("15:04"))

		switch o.PaymentStatus {
		case models.PaymentPaid:
			paid++
			b.WriteString("💳 ✅ Paid\n")
		case models.PaymentUnpaid:
			unpaid++
			b.WriteString("💳 ❌ Not paid\n")
		}

		if o.ClientName != "" {
			fmt.Fprintf(&b, "👤 Client: %s\n", o.ClientName)
		}
		if o.ContactPrimary != "" {
			fmt.Fprintf(&b, "📱 Contact: %s\n", o.ContactPrimary)
		}
		if o.ContactSecondary != "" {
			fmt.Fprintf(&b, "📱 Extra: %s\n", o.ContactSecondary)
		}
		if o.Address != "" {
			fmt.Fprintf(&b, "📍 Address: %s\n", o.Address)
		}
		if len(o.Items) > 0 {
			b.WriteString("📦 Items:\n")
			for _, it := range o.Items {
				name := it.Name
				if name == "" {
					name = "Unknown"
				}
				if it.Quantity != "" {
					fmt.Fprintf(&b, "   • %s - %s\n", name, it.Quantity)
				} else {
					fmt.Fprintf(&b, "   • %s\n", name)
				}
			}
		}
		if !o.AcceptedAt.IsZero() {
			fmt.Fprintf(&b, "📅 Accepted: %s\n", o.AcceptedAt.In(s.loc).Format("02.01.2006 15:04"))
		}
		b.WriteString("\n")
	}

	b.WriteString(reportRule + "\n")
	b.WriteString("📊 STATISTICS:\n")
	fmt.Fprintf(&b, "   • Total orders: %d\n", len(orders))
	fmt.Fprintf(&b, "   • Paid: %d\n", paid)
	fmt.Fprintf(&b, "   • Not paid: %d\n", unpaid)
	b.WriteString(reportRule)

	return b.String()
}

// Send builds the report for date and posts it to chatID
func (s *ReportService) Send(ctx context.Context, date time.Time, chatID string) (*ReportResult, error) {
	if chatID == "" {
		return nil, ErrNoReportChat
	}

	orders, err := s.OrdersForDate(ctx, date)
	if err != nil {
		return nil, err
	}

	messageID, err := s.sender.SendTextMessage(ctx, chatID, s.Format(orders, date))
	if err != nil {
		return nil, fmt.Errorf("send report: %w", err)
	}

	log.Info().
		Str("date", date.Format("2006-01-02")).
		Str("chat_id", chatID).
		Int("orders", len(orders)).
		Msg("Daily report sent")

	return &ReportResult{
		Date:        date.Format("2006-01-02"),
		ChatID:      chatID,
		OrdersCount: len(orders),
		MessageID:   messageID,
	}, nil
}

// ReportScheduler sends the report for the current day once a day at a
// fixed local time
type ReportScheduler struct {
	reports *ReportService
	chatID  string
	at      time.Duration // offset from local midnight
	now     func() time.Time
}

// NewReportScheduler creates a scheduler firing at the clock offset at
func NewReportScheduler(reports *ReportService, chatID string, at time.Duration) *ReportScheduler {
	return &ReportScheduler{reports: reports, chatID: chatID, at: at, now: time.Now}
}

// NextRun returns the first firing time strictly after now
func NextRun(now time.Time, at time.Duration, loc *time.Location) time.Time {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	next := midnight.Add(at)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).Add(at)
	}
	return next
}

// Run waits for each firing time until ctx is done
func (s *ReportScheduler) Run(ctx context.Context) {
	loc := s.reports.Location()
	for {
		next := NextRun(s.now(), s.at, loc)
		log.Info().Time("next_run", next).Msg("Daily report scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.reports.Send(ctx, next, s.chatID); err != nil {
			log.Error().Err(err).Msg("Daily report failed")
		}
	}
}
