package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/config"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/pkg/circuitbreaker"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// SeqeraConfig configures the workflow monitoring client.
type SeqeraConfig struct {
	APIRoot     string
	Token       string
	WorkspaceID string
	Timeout     time.Duration

	RateLimit float64 // requests per second
	Burst     int

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// LoadSeqeraConfigFromEnv loads the monitoring client configuration.
func LoadSeqeraConfigFromEnv() SeqeraConfig {
	token := config.GetSecretEnv("TOWER_TOKEN", "TOWER_TOKEN_FILE")
	cfg := SeqeraConfig{
		APIRoot:          config.GetEnv("TOWER_API_ROOT", "https://api.cloud.seqera.io"),
		Token:            token,
		WorkspaceID:      config.GetEnv("TOWER_WORKSPACE", ""),
		Timeout:          config.GetDurationEnv("TOWER_TIMEOUT", 10*time.Second),
		RateLimit:        float64(config.GetIntEnv("TOWER_RATE_LIMIT", 5)),
		Burst:            config.GetIntEnv("TOWER_BURST", 5),
		BreakerThreshold: config.GetIntEnv("TOWER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("TOWER_BREAKER_COOLDOWN", time.Minute),
	}
	return cfg.withDefaults()
}

func (c SeqeraConfig) withDefaults() SeqeraConfig {
	if c.APIRoot == "" {
		c.APIRoot = "https://api.cloud.seqera.io"
	}
	c.APIRoot = strings.TrimRight(c.APIRoot, "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

// Seqera workflow statuses.
const (
	seqeraSubmitted = "SUBMITTED"
	seqeraRunning   = "RUNNING"
	seqeraSucceeded = "SUCCEEDED"
	seqeraFailed    = "FAILED"
	seqeraUnknown   = "UNKNOWN"
)

type workflowList struct {
	Workflows []struct {
		Workflow workflow `json:"workflow"`
	} `json:"workflows"`
}

type workflow struct {
	RunName     string    `json:"runName"`
	Status      string    `json:"status"`
	ExitStatus  *int      `json:"exitStatus"`
	DateCreated time.Time `json:"dateCreated"`
}

// Seqera queries the workflow monitoring service for compute runs.
// Workflows are found by run name, which embeds the job ID.
type Seqera struct {
	config  SeqeraConfig
	runName func(jobID string) string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewSeqera creates a client. runName maps a job ID to its workflow run name.
func NewSeqera(cfg SeqeraConfig, runName func(jobID string) string) *Seqera {
	cfg = cfg.withDefaults()
	return &Seqera{
		config:  cfg,
		runName: runName,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			IsFailure: apperrors.IsTransient,
		}),
		logger: slog.With("component", "monitor", "source", "seqera"),
	}
}

// Query returns the status of the job's workflow run.
func (s *Seqera) Query(ctx context.Context, j *job.Job) (Report, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Report{}, err
	}

	name := s.runName(j.ID)
	var wf *workflow
	err := s.breaker.Execute(func() error {
		var err error
		wf, err = s.find(ctx, name)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Report{}, apperrors.Transient("seqera.query", err)
	}
	if err != nil {
		return Report{}, err
	}
	if wf == nil {
		return Report{Status: StatusNotFound}, nil
	}
	return s.report(wf), nil
}

// Ping checks that the service answers authenticated requests.
func (s *Seqera) Ping(ctx context.Context) error {
	_, err := s.find(ctx, "ping")
	return err
}

func (s *Seqera) report(wf *workflow) Report {
	switch wf.Status {
	case seqeraSubmitted, seqeraRunning:
		return Report{Status: StatusRunning}
	case seqeraSucceeded:
		return Report{Status: StatusSucceeded, ExitCode: wf.ExitStatus}
	case seqeraFailed:
		return Report{Status: StatusFailed, TraceName: "workflow", ExitCode: wf.ExitStatus}
	case seqeraUnknown:
		return Report{Status: StatusUnknown}
	default:
		s.logger.Warn("Unrecognized workflow status", "runName", wf.RunName, "status", wf.Status)
		return Report{Status: StatusUnknown}
	}
}

// searchMax bounds the search page. The search is a substring match, so
// similarly named runs can precede the exact one.
const searchMax = 10

// find returns the workflow whose run name is exactly name, or nil.
func (s *Seqera) find(ctx context.Context, name string) (*workflow, error) {
	q := url.Values{}
	if s.config.WorkspaceID != "" {
		q.Set("workspaceId", s.config.WorkspaceID)
	}
	q.Set("search", name)
	q.Set("max", strconv.Itoa(searchMax))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIRoot+"/workflow?"+q.Encode(), nil)
	if err != nil {
		return nil, apperrors.Permanent("seqera.request", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Transient("seqera.request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apperrors.Transient("seqera.request", err)
		}
		return nil, apperrors.Permanent("seqera.request", err)
	}

	var list workflowList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, apperrors.Transient("seqera.decode", err)
	}
	for _, w := range list.Workflows {
		if w.Workflow.RunName == name {
			wf := w.Workflow
			return &wf, nil
		}
	}
	return nil, nil
}
