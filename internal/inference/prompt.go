/*
File Name:  prompt.go
Author:     dpc contributors

Prompt assembly: concatenates the selected instruction set's system
instruction, optional filtered-context and device-context blocks, a
conversation history section, and the current user query, per §4.11.
*/

package inference

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ConversationTurn is one prior message in a conversation history.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InstructionSet supplies the system instruction to prepend.
type InstructionSet struct {
	Name        string
	Instruction string
}

// AssembleRequest parameterizes prompt assembly.
type AssembleRequest struct {
	Instructions        InstructionSet
	IncludeFullContext  bool
	FilteredContexts    map[string]interface{} // source label -> filtered PersonalContext
	LocalDeviceContext  interface{}
	PeerDeviceContexts  map[string]interface{} // peer node id -> filtered device context
	History             []ConversationTurn
	Query               string
}

// Assemble builds the final prompt string per §4.11. The system
// instruction is empty when IncludeFullContext is false (context is
// excluded entirely from that instruction set's framing).
func Assemble(req AssembleRequest) string {
	var b strings.Builder

	if req.IncludeFullContext && req.Instructions.Instruction != "" {
		b.WriteString(req.Instructions.Instruction)
		b.WriteString("\n\n")
	}

	if req.IncludeFullContext {
		for _, source := range sortedKeys(req.FilteredContexts) {
			data, err := json.Marshal(req.FilteredContexts[source])
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "<CONTEXT source=%q>\n%s\n</CONTEXT>\n\n", source, data)
		}

		if req.LocalDeviceContext != nil {
			data, err := json.Marshal(req.LocalDeviceContext)
			if err == nil {
				fmt.Fprintf(&b, "<DEVICE_CONTEXT source=%q>\n%s\nInterpret fields as a structured snapshot of the local device/system state.\n</DEVICE_CONTEXT>\n\n", "local", data)
			}
		}
		for _, peer := range sortedKeys(req.PeerDeviceContexts) {
			data, err := json.Marshal(req.PeerDeviceContexts[peer])
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "<DEVICE_CONTEXT source=%q>\n%s\nInterpret fields as a structured snapshot of the peer device/system state.\n</DEVICE_CONTEXT>\n\n", peer, data)
		}
	}

	if len(req.History) > 0 {
		b.WriteString("## Conversation History\n")
		for _, turn := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString(req.Query)

	return b.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
