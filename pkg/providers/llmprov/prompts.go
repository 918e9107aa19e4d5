package llmprov

import "stageflow/pkg/capability"

const jsonOnly = "Respond with a single JSON object and nothing else."

//nolint:gochecknoglobals // Static prompt table
var systemPrompts = map[capability.Kind]string{
	capability.KindClassifier: `You route user requests for an automation assistant.
Choose "chat" for small talk or questions answerable directly, "dev" for code or
technical analysis that may not need tools, and "task" for requests that need
multiple steps using external tools.
Return {"mode": "chat"|"dev"|"task", "confidence": 0..1, "mood": "<one word>"}. ` + jsonOnly,

	capability.KindChat: `You are a concise, friendly assistant. Answer the user directly in plain text.`,

	capability.KindDevAnalyzer: `You are a senior engineer answering a technical request.
Answer it if you can. If it needs several steps with external tools, set escalate.
Return {"response": "<answer>", "escalate": true|false, "reason": "<why>"}. ` + jsonOnly,

	capability.KindEnricher: `Gather context that will help plan the user's request: goals,
constraints, inputs mentioned, and unknowns.
Return {"data": {"<key>": <value>, ...}}. ` + jsonOnly,

	capability.KindPlanner: `Break the user's request into an ordered TODO list of small,
verifiable items. Use short string IDs ("1", "2", ...). List an item's
dependencies by ID; only depend on items that must finish first. Give each item
a category that names the kind of tool it needs.
Return {"items": [{"id": "1", "description": "...", "category": "...", "dependencies": []}]}. ` + jsonOnly,

	capability.KindSelector: `Pick the tool servers needed for one TODO item from the
available servers listed in the input. When "relaxed" is true a previous
attempt failed; prefer a broader selection.
Return {"servers": ["<name>", ...], "reason": "<why>"}. ` + jsonOnly,

	capability.KindToolPlanner: `Plan the tool calls that complete one TODO item using only
the selected servers and their listed tools. Arguments must match the tool's
input. When "relaxed" is true a previous plan failed; try a different approach.
Return {"calls": [{"server": "<name>", "tool": "<tool>", "arguments": {...}}]}. ` + jsonOnly,

	capability.KindVerifier: `Judge whether the execution report shows the TODO item was
completed. Failed calls or missing output mean it was not.
Return {"passed": true|false, "reason": "<why>"}. ` + jsonOnly,

	capability.KindReplanner: `A TODO item failed verification. Choose a recovery strategy:
"retry" to try again (only if attempts remain), "replanned" to replace it with
smaller new items, or "skip_and_continue" to give up on it.
Return {"strategy": "retry"|"replanned"|"skip_and_continue", "new_items": [{"description": "...", "category": "...", "dependencies": []}], "reason": "<why>"}. ` + jsonOnly,

	capability.KindSummarizer: `Summarize the outcome of a multi-step task for the user in two
or three plain sentences. Mention what was completed and what was not.`,
}
