package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prismq/taskqueue/internal/domain"
	"github.com/prismq/taskqueue/internal/errval"
)

// APIError is an error answered by the task manager. It unwraps to the errval sentinel of its
// code, so callers test it with errors.Is like any local store error.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("task manager answered %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusServiceUnavailable {
		return errval.ErrStorageUnavailable
	}
	return errval.FromCode(e.Code)
}

// storage is a domain.Storage backed by the task manager REST API.
type storage struct {
	baseURL string
	client  *http.Client
}

// NewStorage returns a task store talking to the task manager at baseURL and waits until the
// task manager answers its liveness probe.
func NewStorage(ctx context.Context, baseURL string, timeout time.Duration) (*storage, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid task manager url %q", errval.ErrInvalidArgument, baseURL)
	}

	s := &storage{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 3), ctx)
	err = backoff.Retry(func() error {
		err := s.Ping(ctx)
		if err != nil {
			slog.Warn("Unable to reach task manager, retrying", "url", s.baseURL, "error", err)
		}
		return err
	}, b)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *storage) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/liveness", nil, nil)
}

func (s *storage) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *storage) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, error) {
	maxRetries := req.MaxRetries
	body := domain.RouterRequestAddTask{
		TaskType:   req.TaskType,
		Parameters: req.Parameters,
		Priority:   req.Priority,
		MaxRetries: &maxRetries,
	}

	var resp taskResponse
	if err := s.do(ctx, http.MethodPost, "/tasks", body, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (s *storage) ClaimTask(ctx context.Context, req domain.ClaimRequest) (*domain.Task, error) {
	if req.Strategy == nil {
		return nil, fmt.Errorf("%w: claim without strategy", errval.ErrInvalidArgument)
	}
	body := domain.RouterRequestClaimTask{
		WorkerID:  req.WorkerID,
		Strategy:  req.Strategy.Name(),
		TaskTypes: req.TaskTypes,
	}

	var resp taskResponse
	if err := s.do(ctx, http.MethodPost, "/tasks/claim", body, &resp); err != nil {
		return nil, err
	}
	// 204 leaves resp.Task nil
	return resp.Task, nil
}

func (s *storage) MarkRunning(ctx context.Context, taskID int64, workerID string) error {
	return s.do(ctx, http.MethodPost, taskPath(taskID, "running"), domain.RouterRequestMarkRunning{WorkerID: workerID}, nil)
}

func (s *storage) ReportResult(ctx context.Context, taskID int64, workerID string, result domain.TaskResult) (*domain.Task, error) {
	body := domain.RouterRequestReportResult{
		WorkerID:       workerID,
		Success:        result.Success,
		Data:           result.Data,
		Error:          result.Error,
		ItemsProcessed: result.ItemsProcessed,
		Metrics:        result.Metrics,
	}

	var resp taskResponse
	if err := s.do(ctx, http.MethodPost, taskPath(taskID, "result"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (s *storage) Cancel(ctx context.Context, taskID int64) error {
	return s.do(ctx, http.MethodDelete, taskPath(taskID, ""), nil, nil)
}

func (s *storage) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, fmt.Errorf("%w: reap timeout must be positive, got %s", errval.ErrInvalidArgument, timeout)
	}
	// round up so that sub-millisecond timeouts do not become zero
	millis := (timeout + time.Millisecond - 1) / time.Millisecond

	var resp struct {
		Reaped int `json:"reaped"`
	}
	if err := s.do(ctx, http.MethodPost, "/tasks/reap", domain.RouterRequestReap{TimeoutMillis: int64(millis)}, &resp); err != nil {
		return 0, err
	}
	return resp.Reaped, nil
}

func (s *storage) GetTaskByID(ctx context.Context, taskID int64) (*domain.Task, error) {
	var resp taskResponse
	if err := s.do(ctx, http.MethodGet, taskPath(taskID, ""), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (s *storage) GetTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	query := url.Values{}
	query.Set("status", string(status))
	query.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Tasks []*domain.Task `json:"tasks"`
	}
	if err := s.do(ctx, http.MethodGet, "/tasks?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (s *storage) GetTaskStatusChangeHistory(ctx context.Context, taskID int64) ([]*domain.TaskStatusChangeHistory, error) {
	var resp struct {
		History []*domain.TaskStatusChangeHistory `json:"history"`
	}
	if err := s.do(ctx, http.MethodGet, taskPath(taskID, "history"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

type taskResponse struct {
	Task *domain.Task `json:"task"`
}

func taskPath(taskID int64, action string) string {
	path := "/tasks/" + strconv.FormatInt(taskID, 10)
	if action != "" {
		path += "/" + action
	}
	return path
}

// do sends body as JSON and decodes a successful answer into out. Transport failures are
// reported as errval.ErrStorageUnavailable.
func (s *storage) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", errval.ErrStorageUnavailable, method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode answer to %s %s: %w", errval.ErrInternal, method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	}
	if apiErr.Code == "" {
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			apiErr.Code = errval.Code(errval.ErrStorageUnavailable)
		case http.StatusNotFound:
			apiErr.Code = errval.Code(errval.ErrNotFound)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	return apiErr
}
