// Package evaluator wraps the external evaluator subprocess (nix-eval-jobs
// or equivalent) that turns a job file into a stream of derivation
// descriptors. Output is consumed line by line so that jobs emitting tens
// of thousands of records never require buffering the whole stream.
package evaluator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nwimmer/ekaci/internal/drv"
	"github.com/nwimmer/ekaci/internal/logfields"
	"github.com/nwimmer/ekaci/internal/metrics"
	"github.com/nwimmer/ekaci/internal/procrun"
)

// Record is one derivation descriptor emitted by the evaluator.
type Record struct {
	Attr      string              `json:"attr"`
	AttrPath  []string            `json:"attrPath"`
	DrvPath   drv.Id              `json:"drvPath"`
	InputDrvs map[string][]string `json:"inputDrvs"`
	Name      string              `json:"name"`
	Outputs   map[string]string   `json:"outputs"`
	System    string              `json:"system"`
}

// ErrorRecord is one evaluation-error descriptor. It does not fail the
// whole job; the evaluator only logs it (§9, Open Question resolution:
// evaluator errors do not produce DrvBuildEvent rows).
type ErrorRecord struct {
	Attr     string   `json:"attr"`
	AttrPath []string `json:"attrPath"`
	Error    string   `json:"error"`
}

// Event is one line of evaluator output, decoded as exactly one of its
// two fields.
type Event struct {
	Record *Record
	Err    *ErrorRecord
}

// Evaluator spawns the subprocess and decodes its output.
type Evaluator struct {
	Command  string
	Args     []string
	Factory  procrun.Factory
	Recorder metrics.Recorder
}

// New builds an Evaluator. recorder may be nil, in which case metrics are
// discarded.
func New(command string, args []string, recorder metrics.Recorder) *Evaluator {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Evaluator{Command: command, Args: args, Recorder: recorder}
}

// Evaluate runs the evaluator against jobPath and returns a channel of
// decoded Events. The channel closes when the subprocess's stdout
// reaches EOF; a subsequent non-zero exit is logged but does not close
// the channel with an error — the partial stream already delivered stays
// valid per §4.3.
func (e *Evaluator) Evaluate(ctx context.Context, jobPath string) <-chan Event {
	out := make(chan Event, 64)
	args := append(append([]string{}, e.Args...), jobPath)

	go func() {
		defer close(out)
		start := time.Now()
		lines, errs := procrun.Lines(ctx, e.Factory, e.Command, args...)

		for line := range lines {
			ev, ok := decodeLine(line)
			if !ok {
				slog.Warn("evaluator: unparseable output line", logfields.JobPath(jobPath))
				continue
			}
			if ev.Err != nil {
				slog.Warn("evaluator: evaluation error", logfields.JobPath(jobPath),
					slog.String("attr", ev.Err.Attr), slog.String("error", ev.Err.Error))
			}
			out <- ev
		}

		e.Recorder.ObserveEvalDuration(time.Since(start))

		if err := <-errs; err != nil {
			slog.Warn("evaluator subprocess exited non-zero after streaming",
				logfields.JobPath(jobPath), logfields.Error(err))
			e.Recorder.IncJobsEvaluated("exit_error")
			e.Recorder.IncSubprocessInvocation("eval", "error")
			return
		}
		e.Recorder.IncJobsEvaluated("success")
		e.Recorder.IncSubprocessInvocation("eval", "success")
	}()

	return out
}

func decodeLine(line string) (Event, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}
	if _, isError := raw["error"]; isError {
		var er ErrorRecord
		if err := json.Unmarshal([]byte(line), &er); err != nil {
			return Event{}, false
		}
		return Event{Err: &er}, true
	}
	var rec Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Event{}, false
	}
	return Event{Record: &rec}, true
}
