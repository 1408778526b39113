package orchestrator

import (
	"strings"

	"github.com/aristath/multiworker/internal/backend"
	"github.com/aristath/multiworker/internal/task"
)

const draftsHeader = "WORKER DRAFTS:"

// buildDraftArtifact stitches the output of every succeeded worker, tagged
// with its role name, in role order. Failed workers contribute nothing.
func buildDraftArtifact(workers []task.View) string {
	var blocks []string
	for _, w := range workers {
		if w.Outcome != task.Succeeded {
			continue
		}
		blocks = append(blocks, "### "+w.Name+"\n"+strings.TrimSpace(w.Output))
	}
	return draftsHeader + "\n" + strings.Join(blocks, "\n\n")
}

// buildSynthesisInput appends the draft artifact to a copy of the history as
// an assistant message. The caller's slice is left untouched.
func buildSynthesisInput(history []backend.Message, artifact string) []backend.Message {
	input := make([]backend.Message, 0, len(history)+1)
	input = append(input, history...)
	return append(input, backend.Message{Role: "assistant", Content: artifact})
}
