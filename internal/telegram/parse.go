package telegram

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"tg_wager_bot/internal/domain"
)

var (
	errInvalidDuration = domain.NewUserError("invalid_duration", "Durations look like 90m, 2h, 1d12h.")
	errInvalidNumber   = domain.NewUserError("invalid_number", "That is not a whole number.")
	errNeedReply       = domain.NewUserError("need_reply", "Reply to a message from the member you mean.")
	errGroupOnly       = domain.NewUserError("group_only", "This works in group chats. Add me to a group to play.")
	errOwnerOnly       = domain.NewUserError("owner_only", "Only the bot owner can do that.")
	errUnknownCommand  = domain.NewUserError("unknown_command", "Unknown command. Try /help.")
)

func usage(text string) error {
	return domain.NewUserError("usage", "Usage: "+text)
}

// command is a slash command split into its name and arguments.
type command struct {
	name string
	args []string
	rest string
}

// parseCommand reads "/name@bot arg ..." and lowercases the name.
func parseCommand(text string) (command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return command{}, false
	}

	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return command{}, false
	}

	rest = strings.TrimSpace(rest)
	return command{
		name: strings.ToLower(head),
		args: strings.Fields(rest),
		rest: rest,
	}, true
}

// after returns the raw text following the first n arguments.
func (c command) after(n int) string {
	rest := c.rest
	for i := 0; i < n; i++ {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		rest = rest[end:]
	}
	return strings.TrimSpace(rest)
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	return n, nil
}

// parseNonNegative accepts zero, for optional bonuses.
func parseNonNegative(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, domain.ErrInvalidAmount
	}
	return n, nil
}

func parseNumber(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errInvalidNumber
	}
	return n, nil
}

// maxDuration caps deadlines and windows given in commands.
const maxDuration = 366 * 24 * time.Hour

// parseDuration accepts Go durations plus a leading day count, e.g. 2d or
// 1d6h. Results above maxDuration are rejected.
func parseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errInvalidDuration
	}

	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i >= 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil || n < 0 || n > int(maxDuration/(24*time.Hour)) {
			return 0, errInvalidDuration
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
	}

	var rest time.Duration
	if s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 || d > maxDuration {
			return 0, errInvalidDuration
		}
		rest = d
	}

	total := days + rest
	if total <= 0 || total > maxDuration {
		return 0, errInvalidDuration
	}
	return total, nil
}

// parseOutcome reads an answer for w: a 1-based option number (or yes/no
// for binary wagers) or a number for numeric ones.
func parseOutcome(w *domain.Wager, s string) (domain.Outcome, error) {
	s = strings.TrimSpace(s)
	if w.Type == domain.WagerNumeric {
		n, err := parseNumber(s)
		if err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{Value: n}, nil
	}

	if w.Type == domain.WagerBinary {
		switch strings.ToLower(s) {
		case "yes", "y":
			return domain.Outcome{Choice: 0}, nil
		case "no", "n":
			return domain.Outcome{Choice: 1}, nil
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > w.OptionCount() {
		return domain.Outcome{}, domain.ErrInvalidChoice
	}
	return domain.Outcome{Choice: n - 1}, nil
}

// splitOptions separates "question | a | b" into the question and options.
func splitOptions(text string) (string, []string) {
	parts := strings.Split(text, "|")
	question := strings.TrimSpace(parts[0])
	var options []string
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			options = append(options, p)
		}
	}
	return question, options
}
