package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature/badge"
)

const timeLayout = "Jan 2 15:04 UTC"

// UserFetcher loads stored profiles for display names.
type UserFetcher interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
}

// names resolves user ids to display names, falling back to the id.
type names struct {
	users UserFetcher
}

func (n names) of(ctx context.Context, userID int64) string {
	if n.users != nil {
		if u, err := n.users.GetByID(ctx, userID); err == nil {
			return u.DisplayName()
		}
	}
	return domain.User{UserID: userID}.DisplayName()
}

func stamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

var kindLabels = map[string]string{
	domain.RefWager:       "Wager",
	domain.RefChallenge:   "Challenge",
	domain.RefElimination: "Elimination",
	domain.RefEvent:       "Event",
	domain.RefDispute:     "Dispute",
}

// formatTransition renders an engine transition for the group chat.
func formatTransition(ctx context.Context, n names, t domain.Transition) string {
	label := kindLabels[t.Kind]
	if label == "" {
		label = t.Kind
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", label, t.EntityID)
	if t.Title != "" {
		fmt.Fprintf(&b, " %q", t.Title)
	}
	fmt.Fprintf(&b, " is now %s.", t.To)
	if t.Note != "" {
		fmt.Fprintf(&b, " (%s)", t.Note)
	}

	if t.Kind == domain.RefWager && t.To == domain.WagerLocked {
		fmt.Fprintf(&b, "\nBetting is closed. Settle with /settle %s <answer>.", t.EntityID)
	}

	for _, p := range t.Payouts {
		fmt.Fprintf(&b, "\n  %s %+d", n.of(ctx, p.UserID), p.Amount)
	}
	for _, a := range t.Badges {
		name := a.Code
		if def, ok := badge.Lookup(a.Code); ok {
			name = def.Name
		}
		fmt.Fprintf(&b, "\n  %s earned the %s badge", n.of(ctx, a.UserID), name)
	}
	return b.String()
}

func formatBadges(ctx context.Context, n names, awards []domain.BadgeAward) string {
	var b strings.Builder
	for _, a := range awards {
		name := a.Code
		if def, ok := badge.Lookup(a.Code); ok {
			name = def.Name
		}
		fmt.Fprintf(&b, "\n%s earned the %s badge!", n.of(ctx, a.UserID), name)
	}
	return b.String()
}

func formatWager(w *domain.Wager) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Wager %s: %s\n", w.ID, w.Title)
	fmt.Fprintf(&b, "Stake %d, betting closes %s, %d in, %d staked.", w.Stake, stamp(w.BettingDeadline), len(w.Entries), w.TotalStaked())
	switch w.Type {
	case domain.WagerNumeric:
		fmt.Fprintf(&b, "\nGuess with /guess %s <number>.", w.ID)
	default:
		for i := 0; i < w.OptionCount(); i++ {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, w.OptionLabel(i))
		}
	}
	return b.String()
}

func wagerKeyboard(w *domain.Wager) *models.InlineKeyboardMarkup {
	if w.Type == domain.WagerNumeric || w.State != domain.WagerOpen {
		return nil
	}
	rows := make([][]models.InlineKeyboardButton, 0, w.OptionCount())
	for i := 0; i < w.OptionCount(); i++ {
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         w.OptionLabel(i),
			CallbackData: fmt.Sprintf("wj:%s:%d", w.ID, i),
		}})
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func formatChallenge(ctx context.Context, n names, c *domain.Challenge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Challenge %s by %s: %s\n", c.ID, n.of(ctx, c.CreatorID), c.Description)
	fmt.Fprintf(&b, "Reward %d, due %s, %s.", c.Reward, stamp(c.Deadline), c.State)
	if c.TargetID != 0 {
		fmt.Fprintf(&b, "\nReserved for %s.", n.of(ctx, c.TargetID))
	}
	if c.AcceptorID != 0 {
		fmt.Fprintf(&b, "\nTaken by %s.", n.of(ctx, c.AcceptorID))
	}
	return b.String()
}

func challengeKeyboard(c *domain.Challenge) *models.InlineKeyboardMarkup {
	switch c.State {
	case domain.ChallengeOpen:
		return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "Accept", CallbackData: "ca:" + c.ID},
		}}}
	case domain.ChallengeSubmitted:
		return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "Approve", CallbackData: "cy:" + c.ID},
			{Text: "Reject", CallbackData: "cn:" + c.ID},
		}}}
	default:
		return nil
	}
}

func formatElimination(ctx context.Context, n names, e *domain.EliminationChallenge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Elimination %s: %s\n", e.ID, e.Title)
	fmt.Fprintf(&b, "Buy-in %d, starts %s", e.BuyIn, stamp(e.StartsAt))
	if e.Mode == domain.EliminationDeadline {
		fmt.Fprintf(&b, ", ends %s", stamp(e.EndsAt))
	} else {
		b.WriteString(", last one standing wins")
	}
	fmt.Fprintf(&b, ".\nIn (%d):", len(e.Participants))
	for _, p := range e.Participants {
		mark := ""
		if p.EliminatedAt != nil {
			mark = " (out)"
		}
		fmt.Fprintf(&b, " %s%s", n.of(ctx, p.UserID), mark)
	}
	return b.String()
}

func eliminationKeyboard(e *domain.EliminationChallenge) *models.InlineKeyboardMarkup {
	if e.State != domain.EliminationOpen {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{{
		{Text: fmt.Sprintf("Join (%d)", e.BuyIn), CallbackData: "ej:" + e.ID},
	}}}
}

func formatEvent(e *domain.Event) string {
	going := 0
	for _, r := range e.RSVPs {
		if r.Going {
			going++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Event %s: %s\n", e.ID, e.Title)
	fmt.Fprintf(&b, "Starts %s, %d going.", stamp(e.StartsAt), going)
	if e.AttendanceBonus > 0 {
		fmt.Fprintf(&b, "\nAttendees get %d points", e.AttendanceBonus)
		if e.NoShowPenalty > 0 {
			fmt.Fprintf(&b, "; no-shows who said yes lose %d", e.NoShowPenalty)
		}
		b.WriteString(".")
	}
	return b.String()
}

func eventKeyboard(e *domain.Event) *models.InlineKeyboardMarkup {
	if e.State != domain.EventUpcoming {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{{
		{Text: "Going", CallbackData: "er:" + e.ID + ":y"},
		{Text: "Not going", CallbackData: "er:" + e.ID + ":n"},
	}}}
}

func formatDispute(ctx context.Context, n names, d *domain.Dispute) string {
	up, down := 0, 0
	for _, v := range d.Votes {
		if v.Uphold {
			up++
		} else {
			down++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dispute %s on %s %s by %s against %s\n", d.ID, d.SubjectKind, d.SubjectID, n.of(ctx, d.OpenedBy), n.of(ctx, d.AccusedID))
	if d.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", d.Reason)
	}
	fmt.Fprintf(&b, "Votes: %d uphold, %d reject. Voting ends %s.", up, down, stamp(d.VotingEndsAt))
	return b.String()
}

func disputeKeyboard(d *domain.Dispute) *models.InlineKeyboardMarkup {
	if d.State != domain.DisputeOpen {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{{
		{Text: "Uphold", CallbackData: "dv:" + d.ID + ":y"},
		{Text: "Reject", CallbackData: "dv:" + d.ID + ":n"},
	}}}
}

func formatJournal(j domain.Journal, account domain.AccountID) string {
	var amount int64
	for _, p := range j.Postings {
		if p.Account == account {
			amount += p.Amount
		}
	}
	memo := string(j.Type)
	if j.Memo != "" {
		memo = j.Memo
	}
	return fmt.Sprintf("%s %+d %s", j.CreatedAt.UTC().Format("Jan 2 15:04"), amount, memo)
}
