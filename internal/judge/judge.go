// Package judge runs submissions against the external sandbox: the dispatcher enqueues jobs, the workers
// execute them and write the results back.
package judge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/retry"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	Client Client
	// Timeout bounds a single execution.
	Timeout time.Duration
	Retry   retry.Policy
}

type Judge struct {
	client  Client
	timeout time.Duration
	retry   retry.Policy
}

func New(c Config) *Judge {
	j := &Judge{
		client:  c.Client,
		timeout: c.Timeout,
		retry:   c.Retry,
	}

	if j.timeout <= 0 {
		j.timeout = defaultTimeout
	}

	return j
}

// Run executes code against every test case and summarizes the verdicts. It never fails: when the
// sandbox cannot be reached within the retry budget the result carries VerdictJudgeUnavailable.
func (j *Judge) Run(ctx context.Context, code, language string, cases []domain.TestCase) domain.JudgeResult {
	res := domain.JudgeResult{
		Verdict:    domain.VerdictAccepted,
		TotalCount: len(cases),
		Cases:      make([]domain.CaseResult, 0, len(cases)),
	}

	for _, tc := range cases {
		resp, err := j.execute(ctx, &ExecuteRequest{
			Source:         code,
			Language:       language,
			Stdin:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
		})
		if err != nil {
			res.Verdict = domain.VerdictJudgeUnavailable
			res.Error = err.Error()
			break
		}

		res.Elapsed += resp.Elapsed()
		res.Cases = append(res.Cases, domain.CaseResult{
			Verdict: resp.Status,
			Stdout:  resp.Stdout,
			Stderr:  resp.Stderr,
			Elapsed: resp.Elapsed(),
		})

		if resp.Status == domain.VerdictAccepted {
			res.PassedCount++
			continue
		}

		if res.Verdict == domain.VerdictAccepted {
			res.Verdict = resp.Status
		}

		// Every other case would fail to compile the same way.
		if resp.Status == domain.VerdictCompileError {
			break
		}
	}

	res.Passed = res.TotalCount > 0 && res.PassedCount == res.TotalCount
	if res.TotalCount == 0 {
		res.Verdict = domain.VerdictWrongOutput
		res.Error = "question has no test cases"
	}

	return res
}

func (j *Judge) execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	var resp *ExecuteResponse
	err := j.retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, j.timeout)
		defer cancel()

		var err error
		resp, err = j.client.Execute(ctx, req)
		if err != nil && !transient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("judge: execute: %w", err)
	}

	switch resp.Status {
	case domain.VerdictAccepted, domain.VerdictWrongOutput, domain.VerdictCompileError,
		domain.VerdictRuntimeError, domain.VerdictTimeout:
	default:
		return nil, fmt.Errorf("judge: unknown status %q", resp.Status)
	}

	return resp, nil
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}
