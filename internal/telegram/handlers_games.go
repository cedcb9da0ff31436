package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature/challenge"
	"tg_wager_bot/internal/feature/dispute"
	"tg_wager_bot/internal/feature/elimination"
	"tg_wager_bot/internal/feature/event"
	"tg_wager_bot/internal/feature/wager"
)

// Wagers

func (r *Router) createWager(ctx context.Context, req *request) (reply, error) {
	const syntax = "/wager <stake> <duration> <question> [| option | option ...]"
	question, options := splitOptions(req.cmd.after(2))
	kind := domain.WagerBinary
	if len(options) > 0 {
		kind = domain.WagerMultipleChoice
	}
	return r.newWager(ctx, req, syntax, kind, question, options)
}

func (r *Router) createNumericWager(ctx context.Context, req *request) (reply, error) {
	return r.newWager(ctx, req, "/numwager <stake> <duration> <question>", domain.WagerNumeric, req.cmd.after(2), nil)
}

func (r *Router) newWager(ctx context.Context, req *request, syntax string, kind domain.WagerType, question string, options []string) (reply, error) {
	if len(req.cmd.args) < 3 {
		return reply{}, usage(syntax)
	}
	stake, err := parseAmount(req.cmd.args[0])
	if err != nil {
		return reply{}, err
	}
	window, err := parseDuration(req.cmd.args[1])
	if err != nil {
		return reply{}, err
	}

	w, err := r.services.Wagers.Create(ctx, wager.CreateParams{
		GroupID:   req.chatID,
		CreatorID: req.user.UserID,
		Title:     question,
		Type:      kind,
		Options:   options,
		Stake:     stake,
		Deadline:  r.now().Add(window),
	})
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatWager(w), keyboard: wagerKeyboard(w)}, nil
}

func (r *Router) joinWagerCallback(ctx context.Context, req *request, id, arg string) (reply, error) {
	choice, err := strconv.Atoi(arg)
	if err != nil {
		return reply{}, domain.ErrInvalidChoice
	}
	w, awards, err := r.services.Wagers.Join(ctx, req.chatID, id, req.user.UserID, choice)
	if err != nil {
		return reply{}, err
	}

	rep := reply{toast: fmt.Sprintf("You're in on %q with %d points.", w.OptionLabel(choice), w.Stake)}
	if len(awards) > 0 {
		rep.text = strings.TrimSpace(formatBadges(ctx, r.names(), awards))
	}
	return rep, nil
}

func (r *Router) guess(ctx context.Context, req *request) (reply, error) {
	if len(req.cmd.args) < 2 {
		return reply{}, usage("/guess <id> <number>")
	}
	n, err := parseNumber(req.cmd.args[1])
	if err != nil {
		return reply{}, err
	}
	w, awards, err := r.services.Wagers.Guess(ctx, req.chatID, req.cmd.args[0], req.user.UserID, n)
	if err != nil {
		return reply{}, err
	}
	text := fmt.Sprintf("%s guessed %d on wager %s for %d points.", req.user.DisplayName(), n, w.ID, w.Stake)
	return reply{text: text + formatBadges(ctx, r.names(), awards)}, nil
}

func (r *Router) settle(ctx context.Context, req *request) (reply, error) {
	if len(req.cmd.args) < 2 {
		return reply{}, usage("/settle <id> <option#|number>")
	}
	w, err := r.services.Wagers.Get(ctx, req.chatID, req.cmd.args[0])
	if err != nil {
		return reply{}, err
	}
	outcome, err := parseOutcome(w, req.cmd.args[1])
	if err != nil {
		return reply{}, err
	}
	t, err := r.services.Wagers.Settle(ctx, req.chatID, w.ID, r.actor(ctx, req), outcome)
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatTransition(ctx, r.names(), t)}, nil
}

func (r *Router) cancelWager(ctx context.Context, req *request) (reply, error) {
	if len(req.cmd.args) < 1 {
		return reply{}, usage("/cancelwager <id>")
	}
	t, err := r.services.Wagers.Cancel(ctx, req.chatID, req.cmd.args[0], r.actor(ctx, req))
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatTransition(ctx, r.names(), t)}, nil
}

func (r *Router) listWagers(ctx context.Context, req *request) (reply, error) {
	wagers, err := r.services.Wagers.List(ctx, req.chatID)
	if err != nil {
		return reply{}, err
	}
	if len(wagers) == 0 {
		return reply{text: "No active wagers. Start one with /wager."}, nil
	}
	parts := make([]string, 0, len(wagers))
	for _, w := range wagers {
		parts = append(parts, fmt.Sprintf("%s [%s]", formatWager(w), w.State))
	}
	return reply{text: strings.Join(parts, "\n\n")}, nil
}

// Challenges

func (r *Router) createChallenge(ctx context.Context, req *request) (reply, error) {
	if len(req.cmd.args) < 3 {
		return reply{}, usage("/challenge <reward> <duration> <description>")
	}
	reward, err := parseAmount(req.cmd.args[0])
	if err != nil {
		return reply{}, err
	}
	window, err := parseDuration(req.cmd.args[1])
	if err != nil {
		return reply{}, err
	}

	var targetID int64
	if req.replyTo != nil {
		target, err := r.target(ctx, req)
		if err != nil {
			return reply{}, err
		}
		targetID = target.UserID
	}

	c, err := r.services.Challenges.Create(ctx, challenge.CreateParams{
		GroupID:     req.chatID,
		CreatorID:   req.user.UserID,
		TargetID:    targetID,
		Description: req.cmd.after(2),
		Reward:      reward,
		Deadline:    r.now().Add(window),
	})
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatChallenge(ctx, r.names(), c), keyboard: challengeKeyboard(c)}, nil
}

func (r *Router) listChallenges(ctx context.Context, req *request) (reply, error) {
	challenges, err := r.services.Challenges.List(ctx, req.chatID)
	if err != nil {
		return reply{}, err
	}
	if len(challenges) == 0 {
		return reply{text: "No open challenges. Dare someone with /challenge."}, nil
	}
	n := r.names()
	parts := make([]string, 0, len(challenges))
	for _, c := range challenges {
		parts = append(parts, formatChallenge(ctx, n, c))
	}
	return reply{text: strings.Join(parts, "\n\n")}, nil
}

func (r *Router) idArg(req *request, syntax string) (string, error) {
	if len(req.cmd.args) < 1 {
		return "", usage(syntax)
	}
	return req.cmd.args[0], nil
}

func (r *Router) acceptChallenge(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/accept <id>")
	if err != nil {
		return reply{}, err
	}
	c, err := r.services.Challenges.Accept(ctx, req.chatID, id, req.user.UserID)
	if err != nil {
		return reply{}, err
	}
	return reply{text: fmt.Sprintf("%s accepted challenge %s. Report with /done %s.", req.user.DisplayName(), c.ID, c.ID)}, nil
}

func (r *Router) acceptChallengeCallback(ctx context.Context, req *request, id, _ string) (reply, error) {
	c, err := r.services.Challenges.Accept(ctx, req.chatID, id, req.user.UserID)
	if err != nil {
		return reply{}, err
	}
	return reply{
		toast: "Challenge accepted.",
		text:  fmt.Sprintf("%s accepted challenge %s. Report with /done %s.", req.user.DisplayName(), c.ID, c.ID),
	}, nil
}

func (r *Router) submitChallenge(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/done <id>")
	if err != nil {
		return reply{}, err
	}
	c, err := r.services.Challenges.Submit(ctx, req.chatID, id, req.user.UserID)
	if err != nil {
		return reply{}, err
	}
	text := fmt.Sprintf("%s says challenge %s is done. %s, approve or reject by %s.",
		req.user.DisplayName(), c.ID, r.names().of(ctx, c.CreatorID), stamp(c.AutoApproveAt))
	return reply{text: text, keyboard: challengeKeyboard(c)}, nil
}

func (r *Router) approveChallenge(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/approve <id>")
	if err != nil {
		return reply{}, err
	}
	return r.approve(ctx, req, id)
}

func (r *Router) approveChallengeCallback(ctx context.Context, req *request, id, _ string) (reply, error) {
	rep, err := r.approve(ctx, req, id)
	rep.toast = "Approved."
	return rep, err
}

func (r *Router) approve(ctx context.Context, req *request, id string) (reply, error) {
	t, err := r.services.Challenges.Approve(ctx, req.chatID, id, r.actor(ctx, req))
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatTransition(ctx, r.names(), t)}, nil
}

func (r *Router) rejectChallenge(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/reject <id>")
	if err != nil {
		return reply{}, err
	}
	return r.reject(ctx, req, id)
}

func (r *Router) rejectChallengeCallback(ctx context.Context, req *request, id, _ string) (reply, error) {
	rep, err := r.reject(ctx, req, id)
	rep.toast = "Rejected."
	return rep, err
}

func (r *Router) reject(ctx context.Context, req *request, id string) (reply, error) {
	c, err := r.services.Challenges.Reject(ctx, req.chatID, id, r.actor(ctx, req))
	if err != nil {
		return reply{}, err
	}
	text := fmt.Sprintf("Challenge %s was rejected. %s can /dispute %s <reason> before the reward goes back.",
		c.ID, r.names().of(ctx, c.AcceptorID), c.ID)
	return reply{text: text}, nil
}

func (r *Router) cancelChallenge(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/cancelchallenge <id>")
	if err != nil {
		return reply{}, err
	}
	t, err := r.services.Challenges.Cancel(ctx, req.chatID, id, r.actor(ctx, req))
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatTransition(ctx, r.names(), t)}, nil
}

// Eliminations

func (r *Router) createElimination(ctx context.Context, req *request) (reply, error) {
	const syntax = "/elimination <buy-in> <join-within> [<run-for>] <title>"
	args := req.cmd.args
	if len(args) < 3 {
		return reply{}, usage(syntax)
	}
	buyIn, err := parseAmount(args[0])
	if err != nil {
		return reply{}, err
	}
	joinWindow, err := parseDuration(args[1])
	if err != nil {
		return reply{}, err
	}

	startsAt := r.now().Add(joinWindow)
	p := elimination.CreateParams{
		GroupID:   req.chatID,
		CreatorID: req.user.UserID,
		Mode:      domain.EliminationLastStanding,
		BuyIn:     buyIn,
		StartsAt:  startsAt,
		Title:     req.cmd.after(2),
	}
	if run, err := parseDuration(args[2]); err == nil && len(args) > 3 {
		p.Mode = domain.EliminationDeadline
		p.EndsAt = startsAt.Add(run)
		p.Title = req.cmd.after(3)
	}

	e, err := r.services.Eliminations.Create(ctx, p)
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatElimination(ctx, r.names(), e), keyboard: eliminationKeyboard(e)}, nil
}

func (r *Router) joinEliminationCallback(ctx context.Context, req *request, id, _ string) (reply, error) {
	e, err := r.services.Eliminations.Join(ctx, req.chatID, id, req.user.UserID)
	if err != nil {
		return reply{}, err
	}
	return reply{toast: fmt.Sprintf("You're in for %d points. %d joined so far.", e.BuyIn, len(e.Participants))}, nil
}

func (r *Router) tapOut(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/tapout <id>")
	if err != nil {
		return reply{}, err
	}
	e, t, err := r.services.Eliminations.TapOut(ctx, req.chatID, id, req.user.UserID)
	if err != nil {
		return reply{}, err
	}
	return r.eliminationResult(ctx, e, t, fmt.Sprintf("%s tapped out of %s.", req.user.DisplayName(), e.ID)), nil
}

func (r *Router) eliminate(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/eliminate <id>, as a reply")
	if err != nil {
		return reply{}, err
	}
	target, err := r.target(ctx, req)
	if err != nil {
		return reply{}, err
	}
	e, t, err := r.services.Eliminations.Eliminate(ctx, req.chatID, id, r.actor(ctx, req), target.UserID)
	if err != nil {
		return reply{}, err
	}
	return r.eliminationResult(ctx, e, t, fmt.Sprintf("%s is out of %s.", target.DisplayName(), e.ID)), nil
}

func (r *Router) eliminationResult(ctx context.Context, e *domain.EliminationChallenge, t *domain.Transition, headline string) reply {
	if t != nil {
		return reply{text: headline + "\n" + formatTransition(ctx, r.names(), *t)}
	}
	return reply{text: fmt.Sprintf("%s %d still standing.", headline, len(e.Survivors()))}
}

// Events

func (r *Router) createEvent(ctx context.Context, req *request) (reply, error) {
	if len(req.cmd.args) < 3 {
		return reply{}, usage("/event <bonus> <starts-in> <title>")
	}
	bonus, err := parseNonNegative(req.cmd.args[0])
	if err != nil {
		return reply{}, err
	}
	lead, err := parseDuration(req.cmd.args[1])
	if err != nil {
		return reply{}, err
	}

	e, err := r.services.Events.Create(ctx, event.CreateParams{
		GroupID:   req.chatID,
		CreatorID: req.user.UserID,
		Title:     req.cmd.after(2),
		StartsAt:  r.now().Add(lead),
		Bonus:     bonus,
		Penalty:   bonus,
	})
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatEvent(e), keyboard: eventKeyboard(e)}, nil
}

func (r *Router) listEvents(ctx context.Context, req *request) (reply, error) {
	events, err := r.services.Events.List(ctx, req.chatID)
	if err != nil {
		return reply{}, err
	}
	if len(events) == 0 {
		return reply{text: "No upcoming events. Plan one with /event."}, nil
	}
	parts := make([]string, 0, len(events))
	for _, e := range events {
		parts = append(parts, formatEvent(e))
	}
	return reply{text: strings.Join(parts, "\n\n")}, nil
}

func (r *Router) rsvpCallback(ctx context.Context, req *request, id, arg string) (reply, error) {
	going := arg == "y"
	if _, err := r.services.Events.RSVP(ctx, req.chatID, id, req.user.UserID, going); err != nil {
		return reply{}, err
	}
	if going {
		return reply{toast: "See you there."}, nil
	}
	return reply{toast: "Maybe next time."}, nil
}

func (r *Router) markAttended(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/attended <id>, as a reply")
	if err != nil {
		return reply{}, err
	}
	target, err := r.target(ctx, req)
	if err != nil {
		return reply{}, err
	}
	e, err := r.services.Events.MarkAttended(ctx, req.chatID, id, r.actor(ctx, req), target.UserID)
	if err != nil {
		return reply{}, err
	}
	return reply{text: fmt.Sprintf("%s is at %s (%d present).", target.DisplayName(), e.Title, len(e.Attendees))}, nil
}

func (r *Router) cancelEvent(ctx context.Context, req *request) (reply, error) {
	id, err := r.idArg(req, "/cancelevent <id>")
	if err != nil {
		return reply{}, err
	}
	t, err := r.services.Events.Cancel(ctx, req.chatID, id, r.actor(ctx, req))
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatTransition(ctx, r.names(), t)}, nil
}

// Disputes

func (r *Router) openDispute(ctx context.Context, req *request) (reply, error) {
	const syntax = "/dispute <id> [<corrected answer>] <reason>"
	if len(req.cmd.args) < 1 {
		return reply{}, usage(syntax)
	}

	p := dispute.OpenParams{
		GroupID:   req.chatID,
		UserID:    req.user.UserID,
		SubjectID: req.cmd.args[0],
		Reason:    req.cmd.after(1),
	}

	w, err := r.services.Wagers.Get(ctx, req.chatID, p.SubjectID)
	switch {
	case err == nil:
		if len(req.cmd.args) < 2 {
			return reply{}, usage(syntax)
		}
		outcome, err := parseOutcome(w, req.cmd.args[1])
		if err != nil {
			return reply{}, err
		}
		p.Outcome = &outcome
		p.Reason = req.cmd.after(2)
	case !errors.Is(err, domain.ErrWagerNotFound):
		return reply{}, err
	}

	d, err := r.services.Disputes.Open(ctx, p)
	if err != nil {
		return reply{}, err
	}
	return reply{text: formatDispute(ctx, r.names(), d), keyboard: disputeKeyboard(d)}, nil
}

func (r *Router) voteCallback(ctx context.Context, req *request, id, arg string) (reply, error) {
	d, t, err := r.services.Disputes.Vote(ctx, req.chatID, id, req.user.UserID, arg == "y")
	if err != nil {
		return reply{}, err
	}
	rep := reply{toast: fmt.Sprintf("Vote counted (%d so far).", len(d.Votes))}
	if t != nil {
		rep.text = formatTransition(ctx, r.names(), *t)
	}
	return rep, nil
}
