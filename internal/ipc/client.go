package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start requests the daemon to start processing.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.client.Call("Loom.Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to stop processing.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Loom.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Loom.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit enqueues a new job through the daemon.
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.client.Call("Loom.Submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobList returns jobs optionally filtered by statuses.
func (c *Client) JobList(statuses []string) (*JobListResponse, error) {
	var resp JobListResponse
	req := JobListRequest{Statuses: statuses}
	if err := c.client.Call("Loom.JobList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobDescribe returns details for a single job.
func (c *Client) JobDescribe(id string) (*JobDescribeResponse, error) {
	var resp JobDescribeResponse
	req := JobDescribeRequest{ID: id}
	if err := c.client.Call("Loom.JobDescribe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobCancel cancels a job and releases its pending stages.
func (c *Client) JobCancel(id string) (*JobCancelResponse, error) {
	var resp JobCancelResponse
	req := JobCancelRequest{ID: id}
	if err := c.client.Call("Loom.JobCancel", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobPause pauses stage dispatch for a job.
func (c *Client) JobPause(id string) (*JobPauseResponse, error) {
	var resp JobPauseResponse
	req := JobPauseRequest{ID: id}
	if err := c.client.Call("Loom.JobPause", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobResume resumes stage dispatch for a paused job.
func (c *Client) JobResume(id string) (*JobResumeResponse, error) {
	var resp JobResumeResponse
	req := JobResumeRequest{ID: id}
	if err := c.client.Call("Loom.JobResume", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobPriority reassigns the priority class for a job.
func (c *Client) JobPriority(id, priority string) (*JobPriorityResponse, error) {
	var resp JobPriorityResponse
	req := JobPriorityRequest{ID: id, Priority: priority}
	if err := c.client.Call("Loom.JobPriority", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StageRestart resets the named stages on a job for re-execution.
func (c *Client) StageRestart(id string, stages []string) (*StageRestartResponse, error) {
	var resp StageRestartResponse
	req := StageRestartRequest{ID: id, Stages: stages}
	if err := c.client.Call("Loom.StageRestart", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Queues returns the configured queue topology with live depths.
func (c *Client) Queues() (*QueuesResponse, error) {
	var resp QueuesResponse
	if err := c.client.Call("Loom.Queues", QueuesRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns aggregate job and stage counters.
func (c *Client) Stats() (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.client.Call("Loom.Stats", StatsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobHealth returns job diagnostics.
func (c *Client) JobHealth() (*JobHealthResponse, error) {
	var resp JobHealthResponse
	if err := c.client.Call("Loom.JobHealth", JobHealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DatabaseHealth retrieves detailed database diagnostics.
func (c *Client) DatabaseHealth() (*DatabaseHealthResponse, error) {
	var resp DatabaseHealthResponse
	if err := c.client.Call("Loom.DatabaseHealth", DatabaseHealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Purge removes terminal jobs older than the supplied age.
func (c *Client) Purge(olderThanMillis int64) (*PurgeResponse, error) {
	var resp PurgeResponse
	req := PurgeRequest{OlderThanMillis: olderThanMillis}
	if err := c.client.Call("Loom.Purge", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.client.Call("Loom.TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogTail returns log lines from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	var resp LogTailResponse
	if err := c.client.Call("Loom.LogTail", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
