package command

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/decision"
)

var (
	// ErrInvalidArgument marks a command the operator got wrong.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIllegalState marks a command that hit an inconsistent cluster view.
	ErrIllegalState = errors.New("illegal state")
)

// Command is an operator-issued change to the routing table. In explain
// mode rejections come back as NO decisions instead of errors.
type Command interface {
	Name() string
	Execute(alloc *allocation.RoutingAllocation, explain bool) (RerouteExplanation, error)
}

// RerouteExplanation is the verdict a command ran under.
type RerouteExplanation struct {
	Command  Command
	Decision decision.Decision
}

func (e RerouteExplanation) MarshalJSON() ([]byte, error) {
	out := struct {
		Command    string            `json:"command"`
		Parameters Command           `json:"parameters,omitempty"`
		Decision   decision.Decision `json:"decisions"`
	}{Parameters: e.Command, Decision: e.Decision}
	if e.Command != nil {
		out.Command = e.Command.Name()
	}
	return json.Marshal(out)
}

// RoutingExplanations collects the explanations of a command list.
type RoutingExplanations struct {
	explanations []RerouteExplanation
}

// Add appends an explanation.
func (r *RoutingExplanations) Add(e RerouteExplanation) {
	r.explanations = append(r.explanations, e)
}

// Explanations returns the explanations in execution order.
func (r *RoutingExplanations) Explanations() []RerouteExplanation {
	return r.explanations
}

func (r *RoutingExplanations) MarshalJSON() ([]byte, error) {
	if r.explanations == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.explanations)
}

// Parser builds a command from its JSON body.
type Parser func(body json.RawMessage) (Command, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Parser{
		AllocateName: ParseAllocate,
	}
)

// Register makes a command available by name in command lists.
func Register(name string, parser Parser) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = parser
}

// Names lists the registered command names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Parser, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Commands is an ordered list of commands executed as one unit. Its JSON
// form is {"commands":[{"<name>":{...}}, ...]}.
type Commands struct {
	commands []Command
}

// NewCommands returns a list holding cmds.
func NewCommands(cmds ...Command) *Commands {
	return &Commands{commands: cmds}
}

// Add appends a command.
func (c *Commands) Add(cmd Command) { c.commands = append(c.commands, cmd) }

// Len is the number of commands.
func (c *Commands) Len() int { return len(c.commands) }

// Commands returns the commands in order.
func (c *Commands) Commands() []Command { return c.commands }

// Execute runs every command against alloc. The first error stops the run;
// the explanations gathered so far are returned with it.
func (c *Commands) Execute(alloc *allocation.RoutingAllocation, explain bool) (*RoutingExplanations, error) {
	out := &RoutingExplanations{}
	for _, cmd := range c.commands {
		e, err := cmd.Execute(alloc, explain)
		if err != nil {
			return out, err
		}
		out.Add(e)
	}
	return out, nil
}

func (c *Commands) MarshalJSON() ([]byte, error) {
	list := make([]map[string]Command, 0, len(c.commands))
	for _, cmd := range c.commands {
		list = append(list, map[string]Command{cmd.Name(): cmd})
	}
	return json.Marshal(struct {
		Commands []map[string]Command `json:"commands"`
	}{list})
}

func (c *Commands) UnmarshalJSON(b []byte) error {
	var doc struct {
		Commands []map[string]json.RawMessage `json:"commands"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return errors.Wrapf(ErrInvalidArgument, "malformed command list: %v", err)
	}
	cmds := make([]Command, 0, len(doc.Commands))
	for i, entry := range doc.Commands {
		if len(entry) != 1 {
			return errors.Wrapf(ErrInvalidArgument, "command #%d must name exactly one command, got %d", i, len(entry))
		}
		for name, body := range entry {
			parse, ok := lookup(name)
			if !ok {
				return errors.Wrapf(ErrInvalidArgument, "no command with name [%s]", name)
			}
			cmd, err := parse(body)
			if err != nil {
				return err
			}
			cmds = append(cmds, cmd)
		}
	}
	c.commands = cmds
	return nil
}
