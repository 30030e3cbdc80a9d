// Package external holds the HTTP clients for the two collaborators the
// back end talks to: the legacy process engine and the central case
// registry. Both are called off the request path by the outbox
// dispatcher; neither ever blocks a domain transaction.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/model"
)

// ProcessEngine starts instances in the legacy process engine.
type ProcessEngine interface {
	StartInstance(ctx context.Context, identification string, payload map[string]any) error
}

// CaseRegistry registers cases with the central municipal registry.
type CaseRegistry interface {
	RegisterCase(ctx context.Context, payload map[string]any) error
}

// ProcessEngineClient is the HTTP client for the legacy engine's
// start-instance endpoint.
type ProcessEngineClient struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewProcessEngineClient builds a client with a per-call timeout.
func NewProcessEngineClient(baseURL string, timeout time.Duration, log *zap.Logger) *ProcessEngineClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProcessEngineClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// StartInstance asks the legacy engine to start a process instance for a
// case identification.
func (c *ProcessEngineClient) StartInstance(ctx context.Context, identification string, payload map[string]any) error {
	body := map[string]any{
		"identification": identification,
		"variables":      payload,
	}
	if err := c.post(ctx, c.baseURL+"/process-instances", body); err != nil {
		return model.NewExternalServiceError(
			fmt.Sprintf("process engine start failed: %v", err),
		)
	}
	return nil
}

func (c *ProcessEngineClient) post(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// CaseRegistryClient is the HTTP client for the central registry. It is
// best-effort: calls are guarded by a circuit breaker so a down registry
// does not soak up dispatcher cycles.
type CaseRegistryClient struct {
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
	log     *zap.Logger
}

// NewCaseRegistryClient builds a breaker-guarded registry client.
func NewCaseRegistryClient(baseURL string, timeout time.Duration, breaker *CircuitBreaker, log *zap.Logger) *CaseRegistryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 2, 30*time.Second)
	}
	return &CaseRegistryClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		log:     log,
	}
}

// RegisterCase registers a case with the central registry.
func (c *CaseRegistryClient) RegisterCase(ctx context.Context, payload map[string]any) error {
	if err := c.breaker.Allow(); err != nil {
		return model.NewExternalServiceError(
			fmt.Sprintf("case registry unavailable: %v", err),
		)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/zaken", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return model.NewExternalServiceError(
			fmt.Sprintf("case registry call failed: %v", err),
		)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		return model.NewExternalServiceError(
			fmt.Sprintf("case registry returned status %d", resp.StatusCode),
		)
	}
	c.breaker.RecordSuccess()
	return nil
}
