package command

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/allocation"
	"github.com/dreamware/torua/internal/decision"
	"github.com/dreamware/torua/internal/routing"
)

func TestCommandsJSON(t *testing.T) {
	body := `{"commands":[
		{"allocate":{"index":"idx","shard":0,"node":"n1","allow_primary":true}},
		{"allocate":{"index":"idx","shard":0,"node":"n2"}}
	]}`
	var cmds Commands
	require.NoError(t, json.Unmarshal([]byte(body), &cmds))
	require.Equal(t, 2, cmds.Len())
	assert.Equal(t, NewAllocateCommand(shard0, "n2", false), cmds.Commands()[1])

	out, err := json.Marshal(&cmds)
	require.NoError(t, err)
	assert.JSONEq(t, `{"commands":[
		{"allocate":{"index":"idx","shard":0,"node":"n1","allow_primary":true}},
		{"allocate":{"index":"idx","shard":0,"node":"n2","allow_primary":false}}
	]}`, string(out))
}

func TestCommandsJSONErrors(t *testing.T) {
	tests := map[string]string{
		"unknown command": `{"commands":[{"move":{}}]}`,
		"two names":       `{"commands":[{"allocate":{"index":"i","shard":0,"node":"n"},"cancel":{}}]}`,
		"unknown field":   `{"commands":[],"dry_run":true}`,
		"bad body":        `{"commands":[{"allocate":{"index":"i"}}]}`,
		"not json":        `commands`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var cmds Commands
			err := cmds.UnmarshalJSON([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidArgument), err.Error())
		})
	}
}

func TestCommandsExecute(t *testing.T) {
	alloc := newAllocation(t, fixed(decision.Yes))
	alloc.SetDebug(true)
	cmds := NewCommands(
		NewAllocateCommand(shard0, "n1", true),
		NewAllocateCommand(shard0, "n1", false),
	)

	explanations, err := cmds.Execute(alloc, true)
	require.NoError(t, err)
	require.Len(t, explanations.Explanations(), 2)
	assert.Equal(t, decision.Yes, explanations.Explanations()[0].Decision.Type)
	assert.Equal(t, decision.Yes, explanations.Explanations()[1].Decision.Type, "the replica is next in line")

	b, err := json.Marshal(explanations)
	require.NoError(t, err)
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "allocate", decoded[0]["command"])
	assert.Equal(t, "YES", decoded[0]["decisions"].(map[string]interface{})["decision"])
}

func TestCommandsExecuteStopsAtFirstError(t *testing.T) {
	alloc := newAllocation(t, fixed(decision.Yes))
	cmds := NewCommands(
		NewAllocateCommand(routing.ShardID{Index: "nope", Shard: 0}, "n1", true),
		NewAllocateCommand(shard0, "n1", true),
	)
	explanations, err := cmds.Execute(alloc, false)
	require.Error(t, err)
	assert.Empty(t, explanations.Explanations())

	p, _ := alloc.RoutingNodes().Get(primaryKey)
	assert.Equal(t, routing.Unassigned, p.State())
}

type noopCommand struct{}

func (noopCommand) Name() string { return "noop" }

func (c noopCommand) Execute(*allocation.RoutingAllocation, bool) (RerouteExplanation, error) {
	return RerouteExplanation{Command: c, Decision: decision.AlwaysYes}, nil
}

func TestRegister(t *testing.T) {
	Register("noop", func(json.RawMessage) (Command, error) { return noopCommand{}, nil })
	assert.Contains(t, Names(), "noop")
	assert.Contains(t, Names(), AllocateName)

	var cmds Commands
	require.NoError(t, json.Unmarshal([]byte(`{"commands":[{"noop":{}}]}`), &cmds))
	require.Equal(t, 1, cmds.Len())
	assert.Equal(t, "noop", cmds.Commands()[0].Name())
}

func TestEmptyExplanationsJSON(t *testing.T) {
	b, err := json.Marshal(&RoutingExplanations{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))
}
