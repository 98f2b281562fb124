package timer

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	TimeoutWorkflowName  = "requestTimeoutWorkflow"
	FireTimeoutActivity  = "FireRequestTimeout"
	timeoutWorkflowIDFmt = "request-timeout-%s-%d"
)

var fireActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 30 * time.Second,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    5,
	},
}

// TimeoutInput is the workflow and activity argument.
type TimeoutInput struct {
	RequestID string    `json:"requestId"`
	At        time.Time `json:"at"`
}

// RequestTimeoutWorkflow sleeps until the deadline and then fires the alarm.
func RequestTimeoutWorkflow(ctx workflow.Context, in TimeoutInput) error {
	if d := in.At.Sub(workflow.Now(ctx)); d > 0 {
		if err := workflow.Sleep(ctx, d); err != nil {
			return err
		}
	}
	ctx = workflow.WithActivityOptions(ctx, fireActivityOptions)
	return workflow.ExecuteActivity(ctx, FireTimeoutActivity, in).Get(ctx, nil)
}

// Activities hosts the alarm activity on a worker.
type Activities struct {
	Target Target
}

func (a *Activities) FireRequestTimeout(ctx context.Context, in TimeoutInput) error {
	activity.GetLogger(ctx).Info("firing request timeout", "requestId", in.RequestID)
	return a.Target.FireTimeout(ctx, in.RequestID, in.At)
}

// Registrar is satisfied by worker.Worker and the SDK test environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register installs the timeout workflow and activity.
func Register(r Registrar, target Target) {
	r.RegisterWorkflowWithOptions(RequestTimeoutWorkflow, workflow.RegisterOptions{Name: TimeoutWorkflowName})
	acts := &Activities{Target: target}
	r.RegisterActivityWithOptions(acts.FireRequestTimeout, activity.RegisterOptions{Name: FireTimeoutActivity})
}

type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Temporal schedules alarms as durable workflows. The workflow id embeds the
// deadline so a re-init starts a fresh alarm instead of colliding with the old one.
type Temporal struct {
	client    workflowStarter
	taskQueue string
}

func NewTemporal(c client.Client, taskQueue string) *Temporal {
	return &Temporal{client: c, taskQueue: taskQueue}
}

func (t *Temporal) ScheduleOnce(ctx context.Context, id string, at time.Time) error {
	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf(timeoutWorkflowIDFmt, id, at.UnixMilli()),
		TaskQueue: t.taskQueue,
	}
	if _, err := t.client.ExecuteWorkflow(ctx, opts, TimeoutWorkflowName, TimeoutInput{RequestID: id, At: at}); err != nil {
		return fmt.Errorf("timer: start timeout workflow: %w", err)
	}
	return nil
}
