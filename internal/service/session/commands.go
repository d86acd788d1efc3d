package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/z-lab/internal/turnstate"
)

type commandFunc func(c *Coordinator, ctx context.Context, args string, res *Result) error

// commands maps every "!" name, aliases included, to its handler.
var commands map[string]commandFunc

func init() {
	commands = map[string]commandFunc{
		"help":    cmdHelp,
		"h":       cmdHelp,
		"quit":    cmdQuit,
		"q":       cmdQuit,
		"exit":    cmdQuit,
		"clear":   cmdClear,
		"cls":     cmdClear,
		"status":  cmdStatus,
		"s":       cmdStatus,
		"memory":  cmdMemory,
		"m":       cmdMemory,
		"git":     cmdGit,
		"g":       cmdGit,
		"reset":   cmdReset,
		"history": cmdHistory,
		"learn":   cmdLearn,
		"recall":  cmdRecall,
		"bionic":  cmdBionic,
	}
}

func (c *Coordinator) command(ctx context.Context, in Input) (Result, error) {
	var res Result
	if err := commands[in.Command](c, ctx, in.Body, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// HelpText lists commands and modes with the session's party names.
func (c *Coordinator) HelpText() string {
	op, self, ext := c.profile.Operator.Name, c.profile.Responder.Name, c.profile.External.Name
	return strings.Join([]string{
		fmt.Sprintf("Just type: %s observes and waits until asked.", self),
		"",
		"COMMANDS:",
		"  !help, !h               show this help",
		"  !quit, !q, !exit        save and leave",
		"  !clear                  clear the screen",
		"  !status, !s             current status",
		"  !memory, !m             recent exchanges",
		"  !git, !g                git status",
		"  !history                recent turns",
		"  !reset                  hand the floor back to " + op,
		"  !learn <key> <value>    remember a fact",
		"  !recall [key]           show learned facts",
		"  !bionic                 toggle bionic reading",
		"",
		"MODES:",
		fmt.Sprintf("  z <text>                ask %s directly", self),
		fmt.Sprintf("  a <text>                message for %s", ext),
		"  c <text>                code mode (c help)",
		"  g <text>                git mode (commit, push, pull)",
		"",
		fmt.Sprintf("RULE: %s can NEVER speak for %s. %s is always in control.", self, op, op),
	}, "\n")
}

func cmdHelp(c *Coordinator, _ context.Context, _ string, res *Result) error {
	res.add(KindInfo, "", c.HelpText())
	return nil
}

func cmdQuit(c *Coordinator, _ context.Context, _ string, res *Result) error {
	res.Quit = true
	res.add(KindNotice, "", fmt.Sprintf("Goodbye, %s!", c.profile.Operator.Name))
	return nil
}

func cmdClear(_ *Coordinator, _ context.Context, _ string, res *Result) error {
	res.Clear = true
	return nil
}

func cmdStatus(c *Coordinator, _ context.Context, _ string, res *Result) error {
	st := c.Status()
	may := "no"
	if st.Machine.ResponderMaySpeak {
		may = "yes"
	}
	bionic := "OFF"
	if st.Bionic {
		bionic = "ON"
	}

	lines := []string{
		fmt.Sprintf("  %s: %s (always in control)", c.profile.Operator.Name, c.profile.Operator.Role),
		fmt.Sprintf("  %s: %s (helps, never replaces your voice)", c.profile.Responder.Name, c.profile.Responder.Role),
		fmt.Sprintf("  Phase: %s (responder may speak: %s)", st.Machine.Phase, may),
		fmt.Sprintf("  Turns: %d", st.Machine.TurnCount),
		fmt.Sprintf("  Session: %s since %s", st.Session.SessionID, st.Session.StartedAt.Local().Format("2006-01-02 15:04")),
		fmt.Sprintf("  Exchanges this session: %d", st.Session.Exchanges),
		fmt.Sprintf("  %s connections: %d", c.profile.External.Name, st.External),
		fmt.Sprintf("  Bionic: %s", bionic),
	}
	res.add(KindInfo, "", strings.Join(lines, "\n"))
	return nil
}

func cmdMemory(c *Coordinator, _ context.Context, _ string, res *Result) error {
	limit := c.cfg.ContextLimit
	if limit <= 0 {
		limit = DefaultContextLimit
	}
	text := c.log.FormatContext(limit)
	if text == "" {
		text = "No exchanges yet."
	}
	res.add(KindInfo, "", text)
	return nil
}

func cmdGit(c *Coordinator, ctx context.Context, _ string, res *Result) error {
	if c.git == nil {
		res.add(KindWarning, "", "git mode is not available")
		return nil
	}
	out, err := c.git.Execute(ctx, "")
	if err != nil {
		res.add(KindWarning, "", "git: "+err.Error())
		return nil
	}
	res.add(KindTool, "", out)
	return nil
}

func cmdReset(c *Coordinator, _ context.Context, _ string, res *Result) error {
	c.machine.ForceReset()
	res.add(KindNotice, "", fmt.Sprintf("Floor handed back to %s.", c.profile.Operator.Name))
	return nil
}

func cmdHistory(c *Coordinator, _ context.Context, _ string, res *Result) error {
	turns := c.machine.History(10)
	if len(turns) == 0 {
		res.add(KindInfo, "", "No turns yet.")
		return nil
	}
	res.add(KindInfo, "", turnstate.FormatHistory(turns, c.profile.Label))
	return nil
}

func cmdLearn(c *Coordinator, ctx context.Context, args string, res *Result) error {
	key, value, _ := strings.Cut(args, " ")
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return &ValidationError{Input: "!learn " + args, Reason: "usage: !learn <key> <value>"}
	}
	if err := c.log.Learn(ctx, key, value); err != nil {
		c.warnIf(err, res)
		return nil
	}
	res.add(KindNotice, "", fmt.Sprintf("Learned %s = %s", key, value))
	return nil
}

func cmdRecall(c *Coordinator, _ context.Context, args string, res *Result) error {
	if key := strings.TrimSpace(args); key != "" {
		fact, ok := c.log.Learned(key)
		if !ok {
			res.add(KindNotice, "", fmt.Sprintf("Nothing learned about %q.", key))
			return nil
		}
		res.add(KindInfo, "", fmt.Sprintf("%s = %s (%s)", key, fact.Value, fact.LearnedAt.Local().Format(time.DateTime)))
		return nil
	}

	facts := c.log.AllLearned()
	if len(facts) == 0 {
		res.add(KindInfo, "", "Nothing learned yet.")
		return nil
	}
	lines := make([]string, 0, len(facts))
	for _, k := range sortedKeys(facts) {
		lines = append(lines, fmt.Sprintf("  %s = %s", k, facts[k].Value))
	}
	res.add(KindInfo, "", strings.Join(lines, "\n"))
	return nil
}

func cmdBionic(c *Coordinator, ctx context.Context, _ string, res *Result) error {
	next := "on"
	if c.Bionic() {
		next = "off"
	}
	if err := c.log.SetPreference(ctx, PreferenceBionic, next); err != nil {
		c.warnIf(err, res)
	}
	res.add(KindNotice, "", "Bionic reading: "+strings.ToUpper(next))
	return nil
}
