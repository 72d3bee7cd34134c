package client

import (
	"context"

	"github.com/hanfei1991/renderfarm/model"
)

// Claim moves a job assigned to worker to running.
func Claim(ctx context.Context, cli MasterClient, id model.JobID, worker model.WorkerID) (*model.JobRecord, error) {
	return cli.UpdateJob(ctx, id, &model.UpdateRequest{Status: model.JobRunning, Worker: worker})
}

// ReportProgress reports the progress of a running job.
func ReportProgress(
	ctx context.Context, cli MasterClient, id model.JobID, worker model.WorkerID, progress float64, message string,
) (*model.JobRecord, error) {
	return cli.UpdateJob(ctx, id, &model.UpdateRequest{
		Status:   model.JobRunning,
		Worker:   worker,
		Progress: &progress,
		Message:  message,
	})
}

// Complete finishes a running job successfully.
func Complete(ctx context.Context, cli MasterClient, id model.JobID, worker model.WorkerID, output string) (*model.JobRecord, error) {
	return cli.UpdateJob(ctx, id, &model.UpdateRequest{
		Status: model.JobSucceeded,
		Worker: worker,
		Output: output,
	})
}

// Fail finishes a running job with an error.
func Fail(ctx context.Context, cli MasterClient, id model.JobID, worker model.WorkerID, detail string) (*model.JobRecord, error) {
	return cli.UpdateJob(ctx, id, &model.UpdateRequest{
		Status: model.JobFailed,
		Worker: worker,
		Error:  detail,
	})
}

// Requeue puts an assigned or running job back to the queue. A non-empty
// worker makes the requeue fail unless the job is still held by that worker.
func Requeue(ctx context.Context, cli MasterClient, id model.JobID, worker model.WorkerID, message string) (*model.JobRecord, error) {
	return cli.UpdateJob(ctx, id, &model.UpdateRequest{Status: model.JobQueued, Worker: worker, Message: message})
}

// Cancel cancels a job that has not finished.
func Cancel(ctx context.Context, cli MasterClient, id model.JobID) (*model.JobRecord, error) {
	return cli.UpdateJob(ctx, id, &model.UpdateRequest{Status: model.JobCancelled})
}
