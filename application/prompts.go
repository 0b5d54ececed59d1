package application

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/planloop/domain/agent"
)

// MaxObjectives caps the number of objectives kept from one planning pass.
const MaxObjectives = 5

// Request purposes. They label generation calls for logs and test doubles.
const (
	PurposeIntent  = "intent"
	PurposePlan    = "plan"
	PurposeExecute = "execute"
	PurposeStep    = "step"
	PurposeReview  = "review"
	PurposeFinal   = "final"
	PurposeHandoff = "handoff"
)

const (
	intentSystem = "You extract the user's underlying intent from a task. " +
		"Answer with one or two plain sentences describing what the user wants to achieve."

	planSystem = "You break a goal into a short ordered list of atomic, testable objectives. " +
		"Return at most 5 objectives. Each objective must be achievable on its own."

	executeSystem = "You complete one objective by reasoning only. You have no tools. " +
		"Answer with the result of the objective."

	stepSystem = "You are an autonomous agent working inside a sandboxed workspace. " +
		"Use the available tools to make progress on TASK. Keep each step small. " +
		"When the focus should change, write a line of the form NEXT: <task>. " +
		"When the objective is complete, summarize the result and write DONE."

	reviewSystem = "You review the outcome of a set of objectives against the user's intent. " +
		"Decide whether the intent is satisfied and give a short reason."

	finalSystem = "You write the final answer for the user from the results of the completed objectives."

	handoffSystem = "You write a short handoff note for the next planning pass. " +
		"Say what went wrong and what the next plan must do differently."
)

var (
	planSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "objectives": {
      "type": "array",
      "items": {"type": "string"},
      "maxItems": 5
    }
  },
  "required": ["objectives"],
  "additionalProperties": false
}`)

	reviewSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "satisfied": {"type": "boolean"},
    "reason": {"type": "string"}
  },
  "required": ["satisfied", "reason"],
  "additionalProperties": false
}`)
)

type planOutput struct {
	Objectives []string `json:"objectives"`
}

type reviewOutput struct {
	Satisfied bool   `json:"satisfied"`
	Reason    string `json:"reason"`
}

func intentPrompt(prompt string) string {
	return "TASK:\n" + prompt
}

func planPrompt(s agent.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\nINTENT:\n%s\n", s.Prompt, s.UserIntent)
	if s.Handoff != "" {
		fmt.Fprintf(&b, "\nHANDOFF FROM PREVIOUS ATTEMPT:\n%s\n", s.Handoff)
	}
	return b.String()
}

func executePrompt(t Task) string {
	return fmt.Sprintf("TASK:\n%s\n\nINTENT:\n%s\n\nOBJECTIVE:\n%s", t.Prompt, t.UserIntent, t.Objective)
}

func reviewPrompt(s agent.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INTENT:\n%s\n\nRESULTS:\n", s.UserIntent)
	writePlans(&b, s.Plans)
	return b.String()
}

func finalPrompt(s agent.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\nINTENT:\n%s\n\nRESULTS:\n", s.Prompt, s.UserIntent)
	writePlans(&b, s.Plans)
	return b.String()
}

func handoffPrompt(s agent.State, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INTENT:\n%s\n\nREVIEW:\n%s\n\nRESULTS:\n", s.UserIntent, reason)
	writePlans(&b, s.Plans)
	return b.String()
}

func writePlans(b *strings.Builder, plans []agent.Plan) {
	for i, p := range plans {
		switch p.Status {
		case agent.PlanCompleted:
			fmt.Fprintf(b, "%d. [completed] %s\n   %s\n", i+1, p.Objective, p.Result)
		case agent.PlanFailed:
			fmt.Fprintf(b, "%d. [failed] %s\n   %s\n", i+1, p.Objective, p.Error)
		default:
			fmt.Fprintf(b, "%d. [%s] %s\n", i+1, p.Status, p.Objective)
		}
	}
}

// parseObjectives decodes a planning answer into waiting plans.
// Blank objectives are dropped and the list is capped at MaxObjectives.
func parseObjectives(raw json.RawMessage) ([]agent.Plan, error) {
	var out planOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	var plans []agent.Plan
	for _, o := range out.Objectives {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		plans = append(plans, agent.NewPlan(o))
		if len(plans) == MaxObjectives {
			break
		}
	}
	return plans, nil
}

func parseReview(raw json.RawMessage) (reviewOutput, error) {
	var out reviewOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return reviewOutput{}, fmt.Errorf("decode review: %w", err)
	}
	out.Reason = strings.TrimSpace(out.Reason)
	return out, nil
}
