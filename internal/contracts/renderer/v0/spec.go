// Package v0 is the wire contract between the worker agent and the
// renderer HTTP service.
package v0

// RenderSpec asks the renderer to produce one task's output.
//   - task_id: render task being executed
//   - priority: informational, renderers may use it to pick a queue
//   - attempt: dispatch attempt, starting at 1
//   - output.object_key: path under the shared work directory the
//     renderer must write to
type RenderSpec struct {
	TaskID   string `json:"task_id"`
	Priority string `json:"priority"`
	Attempt  int    `json:"attempt"`
	Output   struct {
		ObjectKey string `json:"object_key"`
	} `json:"output"`
}

// RenderResult is the renderer's reply. Empty fields keep the values the
// agent requested.
type RenderResult struct {
	ObjectKey   string `json:"object_key,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}
