package orchestrator

import "fmt"

// planningSystemPrompt instructs the collaborator to answer with a graph only
const planningSystemPrompt = `You are a task planner. Break the user's request into a small dependency graph of subtasks that another assistant will execute.

Rules:
- Produce between 3 and 6 subtasks.
- Every task has "type": "chat".
- Keep tasks as independent as possible; list in "dependencies" only the ids of tasks whose results are truly required, so independent tasks can run in parallel.
- Each "instruction" must be self-contained: the executor sees only the original request, the task name and the results of its dependencies.
- Provide one "final_summary_instruction" describing how to combine the results into the final answer.

Reply with a single JSON object and nothing else:
{"tasks":[{"id":"task_1","name":"...","instruction":"...","dependencies":[],"type":"chat"}],"final_summary_instruction":"..."}`

func planningInstruction(userMessage string) string {
	return fmt.Sprintf("User request:\n%s\n\nReturn the execution graph JSON for this request.", userMessage)
}
