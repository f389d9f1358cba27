package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient implements Client against the job service's JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient creates a client for baseURL. requestsPerSecond throttles
// outgoing calls; zero or less disables throttling.
func NewHTTPClient(baseURL, token string, requestsPerSecond float64) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	if requestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(1, int(requestsPerSecond)))
	}
	return c
}

// Submit posts a job and returns the ID assigned by the service.
func (c *HTTPClient) Submit(ctx context.Context, step string, payload any) (string, error) {
	var resp SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/jobs", &SubmitRequest{Step: step, Payload: payload}, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", &APIError{Status: http.StatusBadGateway, Code: "invalid_response", Message: "submission returned no job id"}
	}
	return resp.JobID, nil
}

// Status fetches the current state of a job.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var st JobStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &st); err != nil {
		return nil, err
	}
	if st.JobID == "" {
		st.JobID = jobID
	}
	return &st, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "factflow/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if respBody != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && (er.Error != "" || er.Message != "") {
		apiErr.Code = er.Error
		apiErr.Message = er.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
