package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Process roles. A deployment runs one or more of them per instance.
const (
	RoleScheduler = "scheduler"
	RoleScanner   = "scanner"
	RoleNotifier  = "notifier"
	RoleReminders = "reminders"
	RoleHTTP      = "http"
)

// AllRoles lists every role in start order.
var AllRoles = []string{RoleScheduler, RoleScanner, RoleNotifier, RoleReminders, RoleHTTP}

// ParseRoles expands a comma separated role list. "all" and the empty string
// select every role.
func ParseRoles(raw []string) ([]string, error) {
	seen := map[string]bool{}
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			role := strings.ToLower(strings.TrimSpace(part))
			switch role {
			case "":
			case "all":
				for _, r := range AllRoles {
					seen[r] = true
				}
			case RoleScheduler, RoleScanner, RoleNotifier, RoleReminders, RoleHTTP:
				seen[role] = true
			default:
				return nil, fmt.Errorf("unknown role %q", role)
			}
		}
	}
	if len(seen) == 0 {
		return append([]string(nil), AllRoles...), nil
	}
	out := make([]string, 0, len(seen))
	for _, r := range AllRoles {
		if seen[r] {
			out = append(out, r)
		}
	}
	return out, nil
}

// Runner is a long-running component.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

type task struct {
	name   string
	runner Runner
}

// Service supervises the components of the running roles. The first component
// to fail cancels the others.
type Service struct {
	tasks  []task
	logger zerolog.Logger
}

// New constructs an empty Service.
func New(logger zerolog.Logger) *Service {
	return &Service{logger: logger.With().Str("component", "service").Logger()}
}

// Add registers a component under name.
func (s *Service) Add(name string, r Runner) {
	s.tasks = append(s.tasks, task{name: name, runner: r})
}

// Names returns the registered component names, sorted.
func (s *Service) Names() []string {
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.name)
	}
	sort.Strings(names)
	return names
}

// Run blocks until ctx is cancelled or a component fails.
func (s *Service) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return errors.New("no components configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		g.Go(func() error {
			s.logger.Info().Str("task", t.name).Msg("component starting")
			err := t.runner.Run(gctx)
			if err != nil && !isContextErr(err) {
				s.logger.Error().Err(err).Str("task", t.name).Msg("component failed")
				return fmt.Errorf("%s: %w", t.name, err)
			}
			s.logger.Info().Str("task", t.name).Msg("component stopped")
			return nil
		})
	}
	return g.Wait()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
