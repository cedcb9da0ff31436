package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tg_wager_bot/internal/domain"
	"tg_wager_bot/internal/feature/badge"
	"tg_wager_bot/internal/feature/owner"
	"tg_wager_bot/internal/feature/points"
)

const helpText = `Play for points with your group.

Points: /balance /leaderboard /history /pot /badges
/tip <amount> (reply) gives points to a member.
Admins: /grant, /deduct, /prize <amount> (reply).

Wagers: /wager <stake> <duration> <question> [| option | option ...]
/numwager <stake> <duration> <question>, /guess <id> <number>
/settle <id> <option#|number>, /cancelwager <id>, /wagers

Challenges: /challenge <reward> <duration> <description> (reply to dare someone)
/accept, /done, /approve, /reject, /cancelchallenge <id>, /challenges

Elimination: /elimination <buy-in> <join-within> [<run-for>] <title>
/tapout <id>, /eliminate <id> (reply)

Events: /event <bonus> <starts-in> <title>, /events
/attended <id> (reply), /cancelevent <id>

Disputes: /dispute <id> [<corrected answer>] <reason>

Durations look like 90m, 2h, 3d, 1d12h.`

var errRoleTarget = domain.NewUserError("role_target", "That member has not used the bot yet, or is the owner.")

func (r *Router) help(context.Context, *request) (reply, error) {
	return reply{text: helpText}, nil
}

func (r *Router) balance(ctx context.Context, req *request) (reply, error) {
	who := req.user
	if req.replyTo != nil {
		target, err := r.target(ctx, req)
		if err != nil {
			return reply{}, err
		}
		who = target
	}

	account, err := r.services.Points.Balance(ctx, req.chatID, who.UserID)
	if err != nil {
		return reply{}, err
	}
	return reply{text: fmt.Sprintf("%s has %d points.", who.DisplayName(), account.Balance)}, nil
}

func (r *Router) leaderboard(ctx context.Context, req *request) (reply, error) {
	accounts, err := r.services.Points.Leaderboard(ctx, req.chatID, points.DefaultLimit)
	if err != nil {
		return reply{}, err
	}
	if len(accounts) == 0 {
		return reply{text: "Nobody has points here yet."}, nil
	}

	n := r.names()
	var b strings.Builder
	b.WriteString("Leaderboard")
	for i, a := range accounts {
		fmt.Fprintf(&b, "\n%d. %s %d", i+1, n.of(ctx, a.ID.UserID), a.Balance)
	}
	return reply{text: b.String()}, nil
}

func (r *Router) history(ctx context.Context, req *request) (reply, error) {
	journals, err := r.services.Points.History(ctx, req.chatID, req.user.UserID, points.DefaultLimit)
	if err != nil {
		return reply{}, err
	}
	if len(journals) == 0 {
		return reply{text: "No activity yet."}, nil
	}

	account := domain.UserAccount(req.chatID, req.user.UserID)
	var b strings.Builder
	b.WriteString("Recent activity")
	for _, j := range journals {
		b.WriteString("\n")
		b.WriteString(formatJournal(j, account))
	}
	return reply{text: b.String()}, nil
}

func (r *Router) pot(ctx context.Context, req *request) (reply, error) {
	total, err := r.services.Points.Pot(ctx, req.chatID)
	if err != nil {
		return reply{}, err
	}
	return reply{text: fmt.Sprintf("The group pot holds %d points.", total)}, nil
}

func (r *Router) badges(ctx context.Context, req *request) (reply, error) {
	who := req.user
	if req.replyTo != nil {
		who = profile(req.replyTo)
	}

	awards, err := badge.List(ctx, r.services.Store, req.chatID, who.UserID)
	if err != nil {
		return reply{}, err
	}
	if len(awards) == 0 {
		return reply{text: fmt.Sprintf("%s has no badges yet.", who.DisplayName())}, nil
	}

	badge.Sort(awards)
	var b strings.Builder
	fmt.Fprintf(&b, "%s's badges", who.DisplayName())
	for _, a := range awards {
		if def, ok := badge.Lookup(a.Code); ok {
			fmt.Fprintf(&b, "\n%s: %s", def.Name, def.Description)
		}
	}
	return reply{text: b.String()}, nil
}

// amountAndTarget reads "<amount>" from a command sent as a reply.
func (r *Router) amountAndTarget(ctx context.Context, req *request, syntax string) (int64, domain.User, error) {
	if len(req.cmd.args) < 1 {
		return 0, domain.User{}, usage(syntax)
	}
	amount, err := parseAmount(req.cmd.args[0])
	if err != nil {
		return 0, domain.User{}, err
	}
	target, err := r.target(ctx, req)
	if err != nil {
		return 0, domain.User{}, err
	}
	return amount, target, nil
}

func (r *Router) tip(ctx context.Context, req *request) (reply, error) {
	amount, target, err := r.amountAndTarget(ctx, req, "/tip <amount>, as a reply")
	if err != nil {
		return reply{}, err
	}
	if err := r.services.Points.Tip(ctx, req.chatID, req.user.UserID, target.UserID, amount, req.ref()); err != nil {
		return reply{}, err
	}
	return reply{text: fmt.Sprintf("%s tipped %s %d points.", req.user.DisplayName(), target.DisplayName(), amount)}, nil
}

func (r *Router) grant(ctx context.Context, req *request) (reply, error) {
	amount, target, err := r.amountAndTarget(ctx, req, "/grant <amount>, as a reply")
	if err != nil {
		return reply{}, err
	}
	if err := r.services.Points.Grant(ctx, req.chatID, r.actor(ctx, req), target.UserID, amount, req.ref()); err != nil {
		return reply{}, err
	}
	return reply{text: fmt.Sprintf("Granted %d points to %s.", amount, target.DisplayName())}, nil
}

func (r *Router) deduct(ctx context.Context, req *request) (reply, error) {
	amount, target, err := r.amountAndTarget(ctx, req, "/deduct <amount>, as a reply")
	if err != nil {
		return reply{}, err
	}
	if err := r.services.Points.Deduct(ctx, req.chatID, r.actor(ctx, req), target.UserID, amount, req.ref()); err != nil {
		return reply{}, err
	}
	return reply{text: fmt.Sprintf("Deducted %d points from %s.", amount, target.DisplayName())}, nil
}

func (r *Router) prize(ctx context.Context, req *request) (reply, error) {
	amount, target, err := r.amountAndTarget(ctx, req, "/prize <amount>, as a reply")
	if err != nil {
		return reply{}, err
	}
	if err := r.services.Points.Prize(ctx, req.chatID, r.actor(ctx, req), target.UserID, amount, req.ref()); err != nil {
		return reply{}, err
	}
	return reply{text: fmt.Sprintf("%s wins %d points from the pot!", target.DisplayName(), amount)}, nil
}

func (r *Router) showStats(ctx context.Context, req *request) (reply, error) {
	if r.ownerID == 0 || req.user.UserID != r.ownerID {
		return reply{}, errOwnerOnly
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime %s", time.Since(r.startedAt).Truncate(time.Second))

	if r.mongo != nil {
		status := "ok"
		if err := r.mongo.Ping(ctx); err != nil {
			status = "error"
		}
		fmt.Fprintf(&b, "\nMongo %s", status)
	}

	if r.stats != nil {
		counts, err := r.stats.Counts(ctx)
		if err != nil {
			return reply{}, err
		}
		fmt.Fprintf(&b, "\nUsers %d, groups %d", counts.Users, counts.Groups)
		fmt.Fprintf(&b, "\nOpen wagers %d, challenges %d, disputes %d", counts.OpenWagers, counts.OpenChallenges, counts.OpenDisputes)
	}
	return reply{text: b.String()}, nil
}

func (r *Router) promote(ctx context.Context, req *request) (reply, error) {
	return r.setRole(ctx, req, domain.RoleAdmin, "%s is now a bot admin.")
}

func (r *Router) demote(ctx context.Context, req *request) (reply, error) {
	return r.setRole(ctx, req, domain.RoleUser, "%s is no longer a bot admin.")
}

func (r *Router) setRole(ctx context.Context, req *request, role, done string) (reply, error) {
	if r.ownerID == 0 || req.user.UserID != r.ownerID {
		return reply{}, errOwnerOnly
	}
	if r.roles == nil {
		return reply{}, errors.New("role manager is not configured")
	}
	target, err := r.target(ctx, req)
	if err != nil {
		return reply{}, err
	}

	if err := r.roles.SetRole(ctx, target.UserID, role); err != nil {
		if errors.Is(err, owner.ErrRoleTarget) {
			return reply{}, errRoleTarget
		}
		return reply{}, err
	}
	return reply{text: fmt.Sprintf(done, target.DisplayName())}, nil
}
