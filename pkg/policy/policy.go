// Package policy maps identities to the robot commands they may issue.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Command is one of the actuation commands the robot understands.
type Command uint8

const (
	CommandUnknown Command = iota
	CommandMove
	CommandStop
	CommandSetSpeed
	CommandRotate
	CommandHome
	CommandShutdown
)

var commandNames = map[Command]string{
	CommandMove:     "MOVE",
	CommandStop:     "STOP",
	CommandSetSpeed: "SET_SPEED",
	CommandRotate:   "ROTATE",
	CommandHome:     "HOME",
	CommandShutdown: "SHUTDOWN",
}

var commandsByName = func() map[string]Command {
	out := make(map[string]Command, len(commandNames))
	for c, n := range commandNames {
		out[n] = c
	}
	return out
}()

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotPermitted   = errors.New("command not permitted for identity")
)

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseCommand matches the wire name exactly; "move" is not MOVE.
func ParseCommand(name string) (Command, error) {
	if c, ok := commandsByName[name]; ok {
		return c, nil
	}
	return CommandUnknown, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// AllCommands lists every known command in declaration order.
func AllCommands() []Command {
	return []Command{CommandMove, CommandStop, CommandSetSpeed, CommandRotate, CommandHome, CommandShutdown}
}

// Policy is immutable after New.
type Policy struct {
	grants map[string]map[Command]struct{}
}

// New builds a policy from identity -> command names. Unknown names are an error
// so a typo in configuration cannot silently drop a grant.
func New(grants map[string][]string) (*Policy, error) {
	p := &Policy{grants: make(map[string]map[Command]struct{}, len(grants))}
	for identity, names := range grants {
		identity = strings.TrimSpace(identity)
		if identity == "" {
			return nil, errors.New("policy: empty identity")
		}
		set := make(map[Command]struct{}, len(names))
		for _, n := range names {
			c, err := ParseCommand(strings.TrimSpace(n))
			if err != nil {
				return nil, fmt.Errorf("policy: identity %s: %w", identity, err)
			}
			set[c] = struct{}{}
		}
		p.grants[identity] = set
	}
	return p, nil
}

// Authorize passes iff identity is granted the command named name.
func (p *Policy) Authorize(identity, name string) (Command, error) {
	c, err := ParseCommand(name)
	if err != nil {
		return CommandUnknown, err
	}
	if p == nil {
		return c, fmt.Errorf("%w: %s %s", ErrNotPermitted, identity, c)
	}
	if _, ok := p.grants[identity][c]; !ok {
		return c, fmt.Errorf("%w: %s %s", ErrNotPermitted, identity, c)
	}
	return c, nil
}

// Allowed returns the commands granted to identity, in declaration order.
func (p *Policy) Allowed(identity string) []Command {
	if p == nil {
		return nil
	}
	var out []Command
	for _, c := range AllCommands() {
		if _, ok := p.grants[identity][c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Identities lists identities with at least one entry, sorted.
func (p *Policy) Identities() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.grants))
	for id := range p.grants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
