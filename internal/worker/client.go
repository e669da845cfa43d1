package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/models"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
)

// Client talks to the task queue service.
type Client struct {
	baseURL    string
	workerID   string
	httpClient *http.Client
}

func NewClient(baseURL, workerID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/scraper",
		workerID:   workerID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type tasksResponse struct {
	Tasks []models.PriceCheckTask `json:"tasks"`
	Count int                     `json:"count"`
}

type submitResponse struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome"`
}

type excludedResponse struct {
	Sellers []models.ExcludedSeller `json:"sellers"`
}

// GetTasks claims up to limit tasks for this worker.
func (c *Client) GetTasks(ctx context.Context, limit int) ([]models.PriceCheckTask, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("worker_id", c.workerID)

	var resp tasksResponse
	if err := c.do(ctx, http.MethodGet, "/get_tasks?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// SubmitResult posts one result and returns the queue's outcome for it.
func (c *Client) SubmitResult(ctx context.Context, result *models.PriceCheckResult) (string, error) {
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/submit_results", result, &resp); err != nil {
		return "", err
	}
	return resp.Outcome, nil
}

func (c *Client) ExcludedSellers(ctx context.Context) ([]string, error) {
	var resp excludedResponse
	if err := c.do(ctx, http.MethodGet, "/excluded_sellers", nil, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Sellers))
	for _, s := range resp.Sellers {
		names = append(names, s.Name)
	}
	return names, nil
}

// do maps transport failures and 5xx responses to service_unavailable so
// the worker backs off; other non-2xx statuses come back as plain errors.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return monerrors.NewServiceUnavailable(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return monerrors.NewServiceUnavailable(
			fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
