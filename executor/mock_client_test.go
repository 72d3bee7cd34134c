package executor

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/hanfei1991/renderfarm/model"
)

type mockMasterClient struct {
	mock.Mock
}

func (m *mockMasterClient) SubmitJob(ctx context.Context, payload model.Payload) (*model.JobRecord, error) {
	args := m.Called(ctx, payload)
	rec, _ := args.Get(0).(*model.JobRecord)
	return rec, args.Error(1)
}

func (m *mockMasterClient) GetJob(ctx context.Context, id model.JobID) (*model.JobRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*model.JobRecord)
	return rec, args.Error(1)
}

func (m *mockMasterClient) ListJobs(ctx context.Context, statuses ...model.JobStatus) ([]model.JobSummary, error) {
	args := m.Called(ctx, statuses)
	jobs, _ := args.Get(0).([]model.JobSummary)
	return jobs, args.Error(1)
}

func (m *mockMasterClient) PollJobs(ctx context.Context, worker model.WorkerID, wait time.Duration) ([]*model.JobRecord, error) {
	args := m.Called(ctx, worker, wait)
	jobs, _ := args.Get(0).([]*model.JobRecord)
	return jobs, args.Error(1)
}

func (m *mockMasterClient) UpdateJob(ctx context.Context, id model.JobID, req *model.UpdateRequest) (*model.JobRecord, error) {
	args := m.Called(ctx, id, req)
	rec, _ := args.Get(0).(*model.JobRecord)
	return rec, args.Error(1)
}

func (m *mockMasterClient) DeleteJob(ctx context.Context, id model.JobID) (*model.DeleteResponse, error) {
	args := m.Called(ctx, id)
	resp, _ := args.Get(0).(*model.DeleteResponse)
	return resp, args.Error(1)
}

func (m *mockMasterClient) Heartbeat(ctx context.Context, worker model.WorkerID, hb model.Heartbeat) (*model.WorkerInfo, error) {
	args := m.Called(ctx, worker, hb)
	info, _ := args.Get(0).(*model.WorkerInfo)
	return info, args.Error(1)
}

func (m *mockMasterClient) ListWorkers(ctx context.Context) ([]*model.WorkerInfo, error) {
	args := m.Called(ctx)
	workers, _ := args.Get(0).([]*model.WorkerInfo)
	return workers, args.Error(1)
}

func (m *mockMasterClient) Health(ctx context.Context) (*model.HealthResponse, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*model.HealthResponse)
	return resp, args.Error(1)
}
