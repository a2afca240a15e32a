package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/terrachat-io/terrachat/internal/intent"
	"github.com/terrachat-io/terrachat/internal/logging"
	"github.com/terrachat-io/terrachat/internal/plan"
)

// Event is one progress line from a running execution.
type Event struct {
	PlanID string
	Line   string
	Time   time.Time
}

// EventCallback is called for each progress event if set.
type EventCallback func(Event)

// RunResult is what a successful run reports back.
type RunResult struct {
	Outputs map[string]string
}

// Runner executes one compiled plan against the infrastructure tool.
type Runner interface {
	Run(ctx context.Context, p *plan.Plan, emit EventCallback) (*RunResult, error)
}

// TerraformRunner drives the terraform binary as a subprocess. Each resource
// type gets its own working directory under BaseDir holding the tool's
// module and state.
type TerraformRunner struct {
	BaseDir string
	// Binary overrides the terraform executable path, for tests.
	Binary string
}

// NewTerraformRunner returns a runner rooted at baseDir.
func NewTerraformRunner(baseDir string) *TerraformRunner {
	return &TerraformRunner{BaseDir: baseDir, Binary: "terraform"}
}

// Run writes the plan's variable file, then runs init and apply (or destroy)
// in the resource type's working directory. The subprocess inherits ctx:
// cancelling it kills the process, and Run returns only after the process
// has exited.
func (r *TerraformRunner) Run(ctx context.Context, p *plan.Plan, emit EventCallback) (*RunResult, error) {
	workdir := filepath.Join(r.BaseDir, p.ResourceType)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}

	lock := newDirLock(workdir)
	if err := lock.acquire(); err != nil {
		return nil, err
	}
	defer lock.release()

	varFile, err := r.writeVarFile(workdir, p)
	if err != nil {
		return nil, err
	}

	if _, err := r.runCommand(ctx, workdir, p.ID, emit, "init", "-input=false", "-no-color"); err != nil {
		return nil, fmt.Errorf("init failed: %w", err)
	}

	verb := "apply"
	if p.Action == intent.ActionDestroy {
		verb = "destroy"
	}
	lines, err := r.runCommand(ctx, workdir, p.ID, emit,
		verb, "-auto-approve", "-input=false", "-no-color", "-var-file="+filepath.Base(varFile))
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", verb, err)
	}

	return &RunResult{Outputs: parseOutputs(lines)}, nil
}

// writeVarFile serializes the plan variables as a JSON variable file named
// after the plan, so reruns of the same plan overwrite rather than pile up.
func (r *TerraformRunner) writeVarFile(workdir string, p *plan.Plan) (string, error) {
	data, err := json.MarshalIndent(p.Variables, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serializing variables: %w", err)
	}
	path := filepath.Join(workdir, fmt.Sprintf("terrachat_%s.tfvars.json", p.ID))
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return "", fmt.Errorf("writing variable file: %w", err)
	}
	return path, nil
}

// runCommand streams the subprocess's stdout line by line and returns all
// lines. On a non-zero exit the error carries stderr and the output tail so
// the recovery advisor has a full payload to classify.
func (r *TerraformRunner) runCommand(ctx context.Context, workdir, planID string, emit EventCallback, args ...string) ([]string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "terraform"
	}
	logging.Debug("running provisioning tool", "binary", binary, "args", strings.Join(args, " "), "dir", workdir)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workdir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching to subprocess: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	var lines []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if emit != nil {
			emit(Event{PlanID: planID, Line: line, Time: time.Now()})
		}
	}

	// Wait returns only after the process exited; a cancelled run is not
	// terminal before this point.
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return lines, fmt.Errorf("subprocess stopped: %w", ctx.Err())
		}
		return lines, fmt.Errorf("%s %s: %w: %s", binary, args[0], err, failurePayload(lines, stderr.String()))
	}
	return lines, nil
}

// failurePayload condenses stderr and the last stdout lines into one string
// for classification.
func failurePayload(lines []string, stderr string) string {
	const tail = 20
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.TrimSpace(stderr + "\n" + strings.Join(lines, "\n"))
}
