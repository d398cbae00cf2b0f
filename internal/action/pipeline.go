package action

import "fmt"

// Context carries per-run values into pipeline steps.
type Context struct {
	NowTS     int64
	CommandID string
	CmdType   string
	Attempt   int
}

// Step is one stage of the handler pipeline. Any step returning ok=false
// terminates the pipeline and becomes the final output.
type Step interface {
	Name() string
	Run(ctx *Context, cmd *Command, prev *Output) *Output
}

// RunPipeline runs steps in order, stopping on the first ok=false. A panic in
// a step is converted into a STEP_EXCEPTION output instead of propagating.
func RunPipeline(steps []Step, ctx *Context, cmd *Command) (out *Output) {
	for _, step := range steps {
		out = runStep(step, ctx, cmd, out)
		if out == nil {
			return &Output{
				OK:    false,
				Error: ErrorMap("STEP_FAILED", "step returned no output"),
			}
		}
		if !out.OK {
			return out
		}
	}
	if out == nil {
		return &Output{OK: false}
	}
	return out
}

func runStep(step Step, ctx *Context, cmd *Command, prev *Output) (out *Output) {
	defer func() {
		if r := recover(); r != nil {
			out = &Output{
				OK: false,
				Error: map[string]any{
					"code":    "STEP_EXCEPTION",
					"step":    step.Name(),
					"message": fmt.Sprint(r),
				},
			}
		}
	}()
	return step.Run(ctx, cmd, prev)
}

// DefaultSteps is the standard validate -> execute -> postprocess chain for a
// handler.
func DefaultSteps(a Action) []Step {
	return []Step{
		&ValidateStep{},
		&ExecuteStep{Action: a},
		&PostprocessStep{},
	}
}

// Run executes a handler through the default pipeline.
func Run(a Action, ctx *Context, cmd *Command) *Output {
	return RunPipeline(DefaultSteps(a), ctx, cmd)
}

// ValidateStep fills id/type from the context when missing, coerces the
// payload to an object and clamps a negative attempt to zero.
type ValidateStep struct{}

func (s *ValidateStep) Name() string { return "validate" }

func (s *ValidateStep) Run(ctx *Context, cmd *Command, prev *Output) *Output {
	if cmd.ID == "" {
		cmd.ID = ctx.CommandID
	}
	if cmd.Type == "" {
		cmd.Type = ctx.CmdType
	}
	if cmd.Payload == nil {
		cmd.Payload = map[string]any{}
	}
	if cmd.Attempt < 0 {
		cmd.Attempt = 0
	}
	return &Output{OK: true}
}

// ExecuteStep invokes the handler's core logic.
type ExecuteStep struct {
	Action Action
}

func (s *ExecuteStep) Name() string { return "execute" }

func (s *ExecuteStep) Run(ctx *Context, cmd *Command, prev *Output) *Output {
	if s.Action == nil {
		return &Output{
			OK:    false,
			Error: ErrorMap("NO_RUN_CORE", "action has no run_core"),
		}
	}
	return s.Action.RunCore(cmd)
}

// PostprocessStep stamps ts onto a successful result when missing.
type PostprocessStep struct{}

func (s *PostprocessStep) Name() string { return "postprocess" }

func (s *PostprocessStep) Run(ctx *Context, cmd *Command, prev *Output) *Output {
	if prev == nil || !prev.OK || prev.Result == nil {
		if prev == nil {
			return &Output{OK: false}
		}
		return prev
	}
	if _, ok := prev.Result["ts"]; !ok {
		result := make(map[string]any, len(prev.Result)+1)
		for k, v := range prev.Result {
			result[k] = v
		}
		result["ts"] = ctx.NowTS
		return &Output{OK: true, Result: result, Error: prev.Error}
	}
	return prev
}
