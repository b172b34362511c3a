package jobaccess

import (
	"context"
	"time"

	"loom/internal/api"
	"loom/internal/ipc"
	"loom/internal/jobs"
)

// Access provides job queries regardless of IPC or direct store backing.
type Access interface {
	Stats(ctx context.Context) (map[string]int, error)
	List(ctx context.Context, statuses []string) ([]api.Job, error)
	Describe(ctx context.Context, id string) (*api.JobDetail, error)
	Health(ctx context.Context) (api.HealthResponse, error)
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// NewIPCAccess returns an Access backed by daemon IPC.
func NewIPCAccess(client *ipc.Client) Access {
	return &ipcAccess{client: client}
}

// NewStoreAccess returns an Access backed by direct DB access.
func NewStoreAccess(store *jobs.Store) Access {
	return &storeAccess{store: store, service: api.NewJobService(store)}
}

type ipcAccess struct {
	client *ipc.Client
}

func (a *ipcAccess) Stats(_ context.Context) (map[string]int, error) {
	resp, err := a.client.Stats()
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (a *ipcAccess) List(_ context.Context, statuses []string) ([]api.Job, error) {
	resp, err := a.client.JobList(statuses)
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (a *ipcAccess) Describe(_ context.Context, id string) (*api.JobDetail, error) {
	resp, err := a.client.JobDescribe(id)
	if err != nil {
		return nil, err
	}
	if resp == nil || !resp.Found {
		return nil, nil
	}
	return &resp.Job, nil
}

func (a *ipcAccess) Health(_ context.Context) (api.HealthResponse, error) {
	resp, err := a.client.JobHealth()
	if err != nil {
		return api.HealthResponse{}, err
	}
	return api.HealthResponse{
		Healthy:     resp.Healthy,
		Total:       resp.Total,
		Pending:     resp.Pending,
		Active:      resp.Active,
		Degraded:    resp.Degraded,
		Completed:   resp.Completed,
		Failed:      resp.Failed,
		DeadLetters: resp.DeadLetters,
		Checks:      resp.Checks,
	}, nil
}

func (a *ipcAccess) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	resp, err := a.client.Purge(olderThan.Milliseconds())
	if err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

type storeAccess struct {
	store   *jobs.Store
	service *api.JobService
}

func (a *storeAccess) Stats(ctx context.Context) (map[string]int, error) {
	return a.service.Stats(ctx)
}

func (a *storeAccess) List(ctx context.Context, statuses []string) ([]api.Job, error) {
	var filters []jobs.Status
	for _, s := range statuses {
		if parsed, ok := jobs.ParseStatus(s); ok {
			filters = append(filters, parsed)
		}
	}
	list, err := a.service.List(ctx, filters...)
	if err != nil {
		return nil, err
	}
	return api.SortJobsNewestFirst(list), nil
}

func (a *storeAccess) Describe(ctx context.Context, id string) (*api.JobDetail, error) {
	return a.service.Describe(ctx, id)
}

func (a *storeAccess) Health(ctx context.Context) (api.HealthResponse, error) {
	summary, err := a.store.Health(ctx)
	if err != nil {
		return api.HealthResponse{}, err
	}
	// No daemon checks are available offline; a successful store read is the
	// only health signal this path has.
	resp := api.FromHealthSummary(summary)
	resp.Healthy = true
	return resp, nil
}

func (a *storeAccess) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		olderThan = 0
	}
	return a.store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-olderThan))
}
