package heartbeat

import (
	"context"
	"errors"
	"log"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/lane"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// Attempt is the outcome of one heartbeat job: the run it produced and
// the decoded worker report, when one was found in the output.
type Attempt struct {
	RunID  string
	Report *domain.HeartbeatReport
}

// Runner submits jobs through the launch lane and worker adapter.
// Heartbeat jobs block until terminal; launch_job auto-actions are
// fire-and-forget.
type Runner interface {
	RunHeartbeatJob(ctx context.Context, workspace string, job domain.Job, prompt string) (Attempt, error)
	SubmitJob(workspace string, job domain.Job, prompt string) error
}

// PipelineRunner is the production Runner: lane admission in front of
// worker attempts.
type PipelineRunner struct {
	Lanes   *lane.Scheduler
	Workers *worker.Adapter
	Logger  *log.Logger
}

func (r *PipelineRunner) attemptSpec(job domain.Job, prompt string) worker.AttemptSpec {
	return worker.AttemptSpec{
		ProjectID:    job.ProjectID,
		Job:          job,
		Prompt:       prompt,
		Actor:        domain.Actor{ID: job.ManagerActorID, Role: job.ManagerRole},
		WorkerTeamID: job.TeamID,
		TargetTeamID: job.TeamID,
	}
}

// RunHeartbeatJob admits the job at low priority, runs the attempt, and
// decodes the report from the worker's raw output.
func (r *PipelineRunner) RunHeartbeatJob(ctx context.Context, ws string, job domain.Job, prompt string) (Attempt, error) {
	type outcome struct {
		res worker.AttemptResult
		err error
	}
	ch := make(chan outcome, 1)
	spec := r.attemptSpec(job, prompt)
	spec.Workspace = ws
	ticket := r.Lanes.Submit(ws, lane.Submission{
		Provider: job.Provider,
		TeamID:   job.TeamID,
		Priority: lane.PriorityLow,
		Run: func() {
			res, err := r.Workers.RunAttempt(ctx, spec)
			ch <- outcome{res, err}
		},
	})
	select {
	case o := <-ch:
		att := Attempt{RunID: o.res.RunID}
		if o.err != nil {
			return att, o.err
		}
		raw, _ := r.Workers.CollectRaw(ws, job.ProjectID, o.res.RunID, job.Provider)
		for _, cand := range worker.RawCandidates(raw) {
			rep, err := domain.DecodeHeartbeatReport(cand)
			if err == nil {
				att.Report = rep
				break
			}
		}
		if att.Report == nil {
			return att, domain.Ef(domain.CodeResultUnparseable, "heartbeat.run_job",
				"run %s produced no decodable heartbeat report", o.res.RunID)
		}
		return att, nil
	case <-ctx.Done():
		if ticket.Cancel() {
			code := domain.CodeLaneCanceled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				code = domain.CodeLaneTimeout
			}
			return Attempt{}, domain.E(code, "heartbeat.run_job", ctx.Err())
		}
		// Already admitted; the attempt honors ctx and will settle soon.
		o := <-ch
		return Attempt{RunID: o.res.RunID}, ctx.Err()
	}
}

// SubmitJob enqueues an execution job at normal priority and returns
// without waiting for admission.
func (r *PipelineRunner) SubmitJob(ws string, job domain.Job, prompt string) error {
	spec := r.attemptSpec(job, prompt)
	spec.Workspace = ws
	r.Lanes.Submit(ws, lane.Submission{
		Provider: job.Provider,
		TeamID:   job.TeamID,
		Priority: lane.PriorityNormal,
		Run: func() {
			if _, err := r.Workers.RunAttempt(context.Background(), spec); err != nil && r.Logger != nil {
				r.Logger.Printf("heartbeat: submitted job %s failed: %v", job.ID, err)
			}
		},
	})
	return nil
}
