package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/observability"
	"github.com/itskum47/hostforge/hostd/system"
	"go.uber.org/zap"
)

// Caller dispatches a step to a framework component method.
type Caller interface {
	Call(ctx context.Context, component, method string, kwargs map[string]interface{}) (interface{}, error)
}

// ConfigWriter applies setconf steps to the running configuration.
type ConfigWriter interface {
	Set(ctx context.Context, section, key string, value interface{}) error
}

// Executor runs the steps of a task strictly in order.
type Executor struct {
	runner      system.Runner
	fetcher     system.Fetcher
	conf        ConfigWriter
	caller      Caller
	sink        messages.Poster
	stepTimeout time.Duration
	logger      *zap.Logger
}

// ExecutorDeps are the collaborators an Executor drives.
type ExecutorDeps struct {
	Runner  system.Runner
	Fetcher system.Fetcher
	Config  ConfigWriter
	Caller  Caller
	Sink    messages.Poster
}

func NewExecutor(deps ExecutorDeps, stepTimeout time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		runner:      deps.Runner,
		fetcher:     deps.Fetcher,
		conf:        deps.Config,
		caller:      deps.Caller,
		sink:        deps.Sink,
		stepTimeout: stepTimeout,
		logger:      logger.Named("executor"),
	}
}

// Execute runs t and reports the outcome as messages. It returns the first
// *StepError, after the failure message has been posted.
func (e *Executor) Execute(ctx context.Context, t *Task) error {
	start := time.Now()
	defer func() {
		observability.TaskRuntimeSeconds.Observe(time.Since(start).Seconds())
	}()

	if !t.IsGroup() {
		return e.run(ctx, t, 0, true)
	}

	for i := range t.Group {
		sub := t.Group[i]
		if sub.ID == "" {
			sub.ID = t.ID
		}
		last := i == len(t.Group)-1
		if err := e.run(ctx, &sub, i, last && t.OnSuccess == nil); err != nil {
			e.logger.Warn("group stopped at failed sub-task",
				zap.String("task_id", t.ID), zap.Int("sub_task", i), zap.Error(err))
			return err
		}
	}
	if t.OnSuccess != nil {
		if err := e.applyMarker(ctx, t); err != nil {
			return err
		}
		e.post(ctx, messages.Message{ID: t.ID, Severity: messages.Success, Text: successText(t), Finished: true})
	}
	return nil
}

// run executes one non-group task. sub is its index within a group and tags the
// step responses. final marks the success message finished.
func (e *Executor) run(ctx context.Context, t *Task, sub int, final bool) error {
	logger := e.logger.With(zap.String("task_id", t.ID))
	logger.Info("task started", zap.Int("steps", len(t.Steps)))
	if t.Message != nil && t.Message.Start != "" {
		e.post(ctx, messages.Message{ID: t.ID, Severity: messages.Info, Text: t.Message.Start})
	}

	responses := make([]messages.Response, 0, len(t.Steps))
	for i, step := range t.Steps {
		result, err := e.runStep(ctx, t.ID, step)
		if err != nil {
			stepErr := &StepError{TaskID: t.ID, Index: i, Unit: step.Unit, Order: step.Order, Err: err}
			observability.StepFailures.WithLabelValues(unitLabel(step.Unit)).Inc()
			logger.Warn("task step failed", zap.Int("step", i), zap.String("unit", step.Unit), zap.Error(err))

			responses = append(responses, messages.Response{Task: sub, Step: i, Error: err.Error()})
			e.post(ctx, messages.Message{
				ID:        t.ID,
				Severity:  messages.Error,
				Text:      errorText(t, stepErr),
				Finished:  true,
				Responses: responses,
			})
			return stepErr
		}
		responses = append(responses, messages.Response{Task: sub, Step: i, Result: encodeResult(result)})
	}

	if t.OnSuccess != nil {
		if err := e.applyMarker(ctx, t); err != nil {
			e.post(ctx, messages.Message{ID: t.ID, Severity: messages.Error, Text: errorText(t, err), Finished: true, Responses: responses})
			return err
		}
	}

	logger.Info("task completed")
	e.post(ctx, messages.Message{
		ID:        t.ID,
		Severity:  messages.Success,
		Text:      successText(t),
		Finished:  final,
		Responses: responses,
	})
	return nil
}

func (e *Executor) applyMarker(ctx context.Context, t *Task) error {
	m := t.OnSuccess
	if err := e.conf.Set(ctx, m.Section, m.Key, m.Value); err != nil {
		e.logger.Error("failed to write completion marker",
			zap.String("task_id", t.ID), zap.String("section", m.Section), zap.String("key", m.Key), zap.Error(err))
		return &StepError{TaskID: t.ID, Index: len(t.Steps), Unit: UnitSetConf, Order: m.Section + "." + m.Key, Err: err}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, taskID string, s Step) (interface{}, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	switch s.Unit {
	case UnitShell:
		return e.shell(ctx, s)
	case UnitFetch:
		return e.fetch(ctx, s)
	case UnitSetConf:
		return nil, e.setconf(ctx, s)
	default:
		if e.caller == nil {
			return nil, fmt.Errorf("no component dispatcher for unit %q", s.Unit)
		}
		kwargs := make(map[string]interface{}, len(s.Data)+1)
		for k, v := range s.Data {
			kwargs[k] = v
		}
		kwargs["task_id"] = taskID
		return e.caller.Call(ctx, s.Unit, s.Order, kwargs)
	}
}

func (e *Executor) shell(ctx context.Context, s Step) (interface{}, error) {
	if strings.TrimSpace(s.Order) == "" {
		return nil, errors.New("empty shell command")
	}
	res, err := e.runner.Run(ctx, system.Command{
		Line:  s.Order,
		Stdin: stringArg(s.Data, "stdin"),
		Dir:   stringArg(s.Data, "dir"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"stdout": res.Stdout, "exit_code": res.ExitCode}, nil
}

func (e *Executor) fetch(ctx context.Context, s Step) (interface{}, error) {
	url := s.Order
	if u := stringArg(s.Data, "url"); u != "" {
		url = u
	}
	dest := stringArg(s.Data, "path")
	if url == "" || dest == "" {
		return nil, errors.New("fetch needs a url and a path")
	}
	n, err := e.fetcher.Fetch(ctx, url, dest)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"path": dest, "bytes": n}
	if dir := stringArg(s.Data, "extract"); dir != "" {
		if err := system.Extract(dest, dir); err != nil {
			return nil, fmt.Errorf("extract %s: %w", dest, err)
		}
		out["extracted"] = dir
	}
	return out, nil
}

func (e *Executor) setconf(ctx context.Context, s Step) error {
	section, key := stringArg(s.Data, "section"), stringArg(s.Data, "key")
	if section == "" || key == "" {
		var ok bool
		section, key, ok = strings.Cut(s.Order, ".")
		if !ok || section == "" || key == "" {
			return fmt.Errorf("setconf needs section.key, got %q", s.Order)
		}
	}
	value, ok := s.Data["value"]
	if !ok {
		return errors.New("setconf needs a value")
	}
	if err := e.conf.Set(ctx, section, key, value); err != nil {
		e.logger.Error("configuration write failed", zap.String("section", section), zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (e *Executor) post(ctx context.Context, m messages.Message) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Post(ctx, m); err != nil {
		e.logger.Warn("failed to post task message", zap.String("task_id", m.ID), zap.Error(err))
	}
}

func errorText(t *Task, err error) string {
	if t.Message != nil && t.Message.Error != "" {
		return strings.ReplaceAll(t.Message.Error, "{error}", err.Error())
	}
	return fmt.Sprintf("Task failed: %v", err)
}

func successText(t *Task) string {
	if t.Message != nil && t.Message.Success != "" {
		return t.Message.Success
	}
	return "Task completed"
}

func encodeResult(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(v))
	}
	return data
}

func stringArg(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// unitLabel keeps metric cardinality bounded to the reserved units plus "component".
func unitLabel(unit string) string {
	switch unit {
	case UnitShell, UnitFetch, UnitSetConf:
		return unit
	}
	return "component"
}
