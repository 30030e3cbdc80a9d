package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/stadswerk/caseflow/model"
)

// Advancement is the result of walking an execution forward: the new
// state plus everything the walk produced along the way. The caller
// persists all of it in one transaction or none of it.
type Advancement struct {
	State *model.ExecutionState

	// ReadyTasks are the tokens newly resting on user task nodes.
	ReadyTasks []model.TaskRef

	// CaseStates are the case_state names declared by newly-entered
	// user task nodes.
	CaseStates []string

	// Intents are the service-task intent kinds the tokens passed.
	Intents []string

	// Subprocesses are the subprocess nodes the tokens passed; each
	// spawns a non-main workflow instance.
	Subprocesses []model.NodeDefinition

	// Completed reports whether the execution reached the end of the
	// graph (no tokens remain).
	Completed bool
}

// NewExecution starts an execution at the graph's start node and advances
// through automatic nodes until tokens rest on user tasks or the end.
// Pure: no side effects until the caller persists the result.
func NewExecution(spec *model.ProcessSpec, eval ConditionEvaluator, variables map[string]any) (*Advancement, error) {
	state := &model.ExecutionState{
		Version:   model.ExecutionStateVersion,
		Process:   spec.Process,
		Variables: variables,
		Tokens: []model.Token{{
			ID:     uuid.New().String(),
			NodeID: spec.Start,
			Status: model.TokenWaiting,
		}},
	}
	adv := &Advancement{State: state}
	if err := advance(spec, eval, adv); err != nil {
		return nil, err
	}
	return adv, nil
}

// ReadyTasks returns the currently-actionable tasks of a state in
// deterministic order: node declaration order, then token ID. Pure and
// restartable; recomputing never mutates the state.
func ReadyTasks(spec *model.ProcessSpec, state *model.ExecutionState) ([]model.TaskRef, error) {
	if err := checkCompatible(spec, state); err != nil {
		return nil, err
	}

	var refs []model.TaskRef
	for _, tok := range state.Tokens {
		if tok.Status != model.TokenReady {
			continue
		}
		refs = append(refs, model.TaskRef{TaskID: tok.ID, TaskName: tok.NodeID})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		oi, oj := spec.NodeOrder(refs[i].TaskName), spec.NodeOrder(refs[j].TaskName)
		if oi != oj {
			return oi < oj
		}
		return refs[i].TaskID < refs[j].TaskID
	})
	return refs, nil
}

// CompleteToken advances the execution past the ready token with the
// given task ID, merging the submitted variables into the process scope
// first so gateway conditions can see them. A task ID that is not in the
// current ready frontier fails with TASK_ALREADY_COMPLETED.
func CompleteToken(spec *model.ProcessSpec, eval ConditionEvaluator, state *model.ExecutionState, taskID string, variables map[string]any) (*Advancement, error) {
	if err := checkCompatible(spec, state); err != nil {
		return nil, err
	}

	next := cloneState(state)

	idx := -1
	for i, tok := range next.Tokens {
		if tok.ID == taskID && tok.Status == model.TokenReady {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, model.NewTaskAlreadyCompletedError(
			fmt.Sprintf("task %q is not in the ready frontier", taskID),
		)
	}

	if next.Variables == nil {
		next.Variables = make(map[string]any, len(variables))
	}
	for k, v := range variables {
		next.Variables[k] = v
	}

	// Move the completed token past its node.
	node, _ := spec.Node(next.Tokens[idx].NodeID)
	successors, err := followTransitions(spec, eval, node.ID, next.Variables, false)
	if err != nil {
		return nil, err
	}
	next.Tokens = append(next.Tokens[:idx], next.Tokens[idx+1:]...)
	next.Tokens = append(next.Tokens, successors...)

	adv := &Advancement{State: next}
	if err := advance(spec, eval, adv); err != nil {
		return nil, err
	}
	return adv, nil
}

// advance walks waiting tokens through automatic nodes until every
// remaining token is ready on a user task. Bounded by a step budget so a
// cyclic graph of automatic nodes cannot spin forever.
func advance(spec *model.ProcessSpec, eval ConditionEvaluator, adv *Advancement) error {
	const stepBudget = 1000

	state := adv.State
	for steps := 0; ; steps++ {
		if steps >= stepBudget {
			return model.NewDefinitionInvalidError(
				fmt.Sprintf("process %q did not settle after %d automatic steps", spec.Process, stepBudget),
				nil,
			)
		}

		idx := -1
		for i, tok := range state.Tokens {
			if tok.Status == model.TokenWaiting {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}

		tok := state.Tokens[idx]
		node, ok := spec.Node(tok.NodeID)
		if !ok {
			return model.NewIncompatibleStateError(
				fmt.Sprintf("token rests on node %q which is not in the current graph", tok.NodeID),
			)
		}

		switch node.Type {
		case model.NodeUserTask:
			state.Tokens[idx].Status = model.TokenReady
			adv.ReadyTasks = append(adv.ReadyTasks, model.TaskRef{
				TaskID:   tok.ID,
				TaskName: node.ID,
			})
			if node.CaseState != "" {
				adv.CaseStates = append(adv.CaseStates, node.CaseState)
			}

		case model.NodeEnd:
			state.Tokens = append(state.Tokens[:idx], state.Tokens[idx+1:]...)

		case model.NodeServiceTask:
			adv.Intents = append(adv.Intents, node.Intent)
			if err := moveToken(spec, eval, state, idx, node.ID); err != nil {
				return err
			}

		case model.NodeSubprocess:
			adv.Subprocesses = append(adv.Subprocesses, *node)
			if err := moveToken(spec, eval, state, idx, node.ID); err != nil {
				return err
			}

		case model.NodeStart, model.NodeGateway:
			if err := moveToken(spec, eval, state, idx, node.ID); err != nil {
				return err
			}

		default:
			return model.NewDefinitionInvalidError(
				fmt.Sprintf("node %q has unsupported type %q", node.ID, node.Type), nil,
			)
		}
	}

	adv.Completed = len(state.Tokens) == 0
	sortReady(spec, adv)
	return nil
}

// moveToken replaces the token at idx with its successors.
func moveToken(spec *model.ProcessSpec, eval ConditionEvaluator, state *model.ExecutionState, idx int, nodeID string) error {
	node, _ := spec.Node(nodeID)
	exclusive := node.Type == model.NodeGateway
	successors, err := followTransitions(spec, eval, nodeID, state.Variables, exclusive)
	if err != nil {
		return err
	}
	state.Tokens = append(state.Tokens[:idx], state.Tokens[idx+1:]...)
	state.Tokens = append(state.Tokens, successors...)
	return nil
}

// followTransitions produces the tokens resulting from leaving a node.
// Gateways are exclusive: the first transition in declaration order whose
// condition holds wins. Other nodes fan out over every transition whose
// condition holds, splitting the token when several do. A condition that
// fails to evaluate counts as false.
func followTransitions(spec *model.ProcessSpec, eval ConditionEvaluator, nodeID string, variables map[string]any, exclusive bool) ([]model.Token, error) {
	outgoing := spec.Outgoing(nodeID)
	var successors []model.Token

	for _, tr := range outgoing {
		if tr.Condition != "" {
			ok, err := eval.Evaluate(tr.Condition, variables)
			if err != nil || !ok {
				continue
			}
		}
		successors = append(successors, model.Token{
			ID:     uuid.New().String(),
			NodeID: tr.To,
			Status: model.TokenWaiting,
		})
		if exclusive {
			break
		}
	}

	if len(successors) == 0 {
		return nil, model.NewDefinitionInvalidError(
			fmt.Sprintf("no transition out of node %q matched the current variables", nodeID), nil,
		)
	}
	return successors, nil
}

// checkCompatible rejects serialized states that cannot be resumed
// against the given graph before any token moves.
func checkCompatible(spec *model.ProcessSpec, state *model.ExecutionState) error {
	if state.Version != model.ExecutionStateVersion {
		return model.NewIncompatibleStateError(
			fmt.Sprintf("state version %d, engine supports %d", state.Version, model.ExecutionStateVersion),
		)
	}
	if state.Process != "" && state.Process != spec.Process {
		return model.NewIncompatibleStateError(
			fmt.Sprintf("state belongs to process %q, not %q", state.Process, spec.Process),
		)
	}
	for _, tok := range state.Tokens {
		if _, ok := spec.Node(tok.NodeID); !ok {
			return model.NewIncompatibleStateError(
				fmt.Sprintf("token rests on node %q which is not in the current graph", tok.NodeID),
			)
		}
	}
	return nil
}

func cloneState(state *model.ExecutionState) *model.ExecutionState {
	next := &model.ExecutionState{
		Version:   state.Version,
		Process:   state.Process,
		Tokens:    append([]model.Token(nil), state.Tokens...),
		Variables: make(map[string]any, len(state.Variables)),
	}
	for k, v := range state.Variables {
		next.Variables[k] = v
	}
	return next
}

func sortReady(spec *model.ProcessSpec, adv *Advancement) {
	sort.SliceStable(adv.ReadyTasks, func(i, j int) bool {
		oi, oj := spec.NodeOrder(adv.ReadyTasks[i].TaskName), spec.NodeOrder(adv.ReadyTasks[j].TaskName)
		if oi != oj {
			return oi < oj
		}
		return adv.ReadyTasks[i].TaskID < adv.ReadyTasks[j].TaskID
	})
}
