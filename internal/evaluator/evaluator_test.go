package evaluator

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptFactory returns a procrun.Factory that ignores name/args and
// always runs the given shell script, simulating nix-eval-jobs without
// requiring Nix to be installed.
func scriptFactory(script string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestEvaluateStreamsDerivationsAndErrors(t *testing.T) {
	script := `
cat <<'EOF'
{"attr":"hello","attrPath":["hello"],"drvPath":"jd83-hello.drv","inputDrvs":{"dep.drv":["out"]},"name":"hello","outputs":{"out":"/nix/store/out"},"system":"x86_64-linux"}
{"attr":"broken","attrPath":["broken"],"error":"infinite recursion"}
EOF
`
	e := New("nix-eval-jobs", nil, nil)
	e.Factory = scriptFactory(script)

	var records []Record
	var errRecords []ErrorRecord
	for ev := range e.Evaluate(context.Background(), "job.nix") {
		if ev.Record != nil {
			records = append(records, *ev.Record)
		}
		if ev.Err != nil {
			errRecords = append(errRecords, *ev.Err)
		}
	}

	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Name)
	assert.Equal(t, "x86_64-linux", records[0].System)

	require.Len(t, errRecords, 1)
	assert.Equal(t, "infinite recursion", errRecords[0].Error)
}

func TestEvaluateSkipsUnparseableLines(t *testing.T) {
	script := `echo 'not json'; echo '{"attr":"a","drvPath":"a.drv","name":"a"}'`
	e := New("nix-eval-jobs", nil, nil)
	e.Factory = scriptFactory(script)

	var records []Record
	for ev := range e.Evaluate(context.Background(), "job.nix") {
		if ev.Record != nil {
			records = append(records, *ev.Record)
		}
	}
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Name)
}

func TestEvaluateKeepsPartialStreamOnNonZeroExit(t *testing.T) {
	script := `echo '{"attr":"a","drvPath":"a.drv","name":"a"}'; exit 1`
	e := New("nix-eval-jobs", nil, nil)
	e.Factory = scriptFactory(script)

	var records []Record
	for ev := range e.Evaluate(context.Background(), "job.nix") {
		if ev.Record != nil {
			records = append(records, *ev.Record)
		}
	}
	require.Len(t, records, 1)
}
