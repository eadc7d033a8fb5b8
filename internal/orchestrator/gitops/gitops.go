// Package gitops serializes git operations per project. Parallel coding
// agents branch and merge against the same repository, so every operation
// for one project runs on a single FIFO worker; operations for different
// projects proceed independently.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/common/pathsafe"
)

// ErrStopped is returned for operations queued behind a project stop.
var ErrStopped = fmt.Errorf("git gateway stopped for project")

// DefaultBranch is the integration branch merges land on.
const DefaultBranch = "main"

// AgentBranch returns the working branch name for one agent's feature.
func AgentBranch(agentIndex int, featureID string) string {
	return fmt.Sprintf("agent-%d/feature-%s", agentIndex, featureID)
}

type job struct {
	fn   func() error
	done chan error
}

type worker struct {
	jobs chan job
	quit chan struct{}
	once sync.Once
}

// Gateway owns one serialized git worker per project.
type Gateway struct {
	logger *logger.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

// NewGateway creates a git gateway.
func NewGateway(log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	return &Gateway{
		logger:  log.WithFields(zap.String("component", "gitops")),
		workers: make(map[string]*worker),
	}
}

func (g *Gateway) getWorker(projectID string) *worker {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.workers[projectID]
	if !ok {
		w = &worker{jobs: make(chan job, 64), quit: make(chan struct{})}
		g.workers[projectID] = w
		go w.run()
	}
	return w
}

func (w *worker) run() {
	for {
		select {
		case <-w.quit:
			// Drain whatever was queued behind the stop.
			for {
				select {
				case j := <-w.jobs:
					j.done <- ErrStopped
				default:
					return
				}
			}
		case j := <-w.jobs:
			j.done <- j.fn()
		}
	}
}

func (w *worker) stop() {
	w.once.Do(func() { close(w.quit) })
}

// Do runs fn on the project's worker and waits for it. Operations submitted
// from one goroutine execute in submission order.
func (g *Gateway) Do(ctx context.Context, projectID string, fn func() error) error {
	w := g.getWorker(projectID)
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-w.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop discards the project's worker along with any queued operations.
func (g *Gateway) Stop(projectID string) {
	g.mu.Lock()
	w, ok := g.workers[projectID]
	if ok {
		delete(g.workers, projectID)
	}
	g.mu.Unlock()
	if ok {
		w.stop()
	}
}

// runGit executes one git command in dir and returns its combined output.
func (g *Gateway) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s", args[0], err, output)
	}
	return output, nil
}

// CheckoutBranch checks out an existing branch.
func (g *Gateway) CheckoutBranch(ctx context.Context, projectID, dir, branch string) error {
	if err := pathsafe.Check(dir); err != nil {
		return err
	}
	return g.Do(ctx, projectID, func() error {
		if _, err := g.runGit(ctx, dir, "checkout", branch); err != nil {
			return errors.GitFailure("checkout", err)
		}
		return nil
	})
}

// CreateBranch checks out main and creates a fresh branch from it.
func (g *Gateway) CreateBranch(ctx context.Context, projectID, dir, branch string) error {
	if err := pathsafe.Check(dir); err != nil {
		return err
	}
	return g.Do(ctx, projectID, func() error {
		if _, err := g.runGit(ctx, dir, "checkout", DefaultBranch); err != nil {
			return errors.GitFailure("checkout", err)
		}
		if _, err := g.runGit(ctx, dir, "checkout", "-b", branch); err != nil {
			return errors.GitFailure("branch", err)
		}
		return nil
	})
}

// MergeNoFF checks out main and merges the branch with --no-ff. A conflict
// aborts the merge and leaves the tree clean.
func (g *Gateway) MergeNoFF(ctx context.Context, projectID, dir, branch string) error {
	if err := pathsafe.Check(dir); err != nil {
		return err
	}
	return g.Do(ctx, projectID, func() error {
		if _, err := g.runGit(ctx, dir, "checkout", DefaultBranch); err != nil {
			return errors.GitFailure("checkout", err)
		}
		msg := fmt.Sprintf("Merge branch '%s'", branch)
		if _, err := g.runGit(ctx, dir, "merge", "--no-ff", branch, "-m", msg); err != nil {
			if _, abortErr := g.runGit(ctx, dir, "merge", "--abort"); abortErr != nil {
				g.logger.Error("merge abort failed",
					zap.String("project_id", projectID),
					zap.String("branch", branch),
					zap.Error(abortErr))
			}
			return errors.GitFailure("merge", err)
		}
		return nil
	})
}

// DeleteBranch removes a fully merged branch.
func (g *Gateway) DeleteBranch(ctx context.Context, projectID, dir, branch string) error {
	if err := pathsafe.Check(dir); err != nil {
		return err
	}
	return g.Do(ctx, projectID, func() error {
		if _, err := g.runGit(ctx, dir, "branch", "-d", branch); err != nil {
			return errors.GitFailure("branch delete", err)
		}
		return nil
	})
}
