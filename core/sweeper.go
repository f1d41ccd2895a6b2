package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	DefaultSweepInterval = time.Hour
	DefaultMaxUploadAge  = time.Hour
)

// SweepResult summarizes a single sweep.
type SweepResult struct {
	Scanned int
	Deleted []string
}

// Sweeper periodically deletes artifacts older than a maximum age.
// It only touches the artifact store and knows nothing about rooms.
type Sweeper struct {
	fs       afero.Fs
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = d
	}
}

func WithMaxAge(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.maxAge = d
	}
}

func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = l
	}
}

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

func NewSweeper(fs afero.Fs, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		fs:       fs,
		interval: DefaultSweepInterval,
		maxAge:   DefaultMaxUploadAge,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a sweep every interval until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSweeperRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.logger.Info("sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("max_age", s.maxAge))
	return nil
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep()
			if err != nil {
				s.logger.Error(fmt.Sprintf("sweep: %v", err))
			}
			if len(res.Deleted) > 0 {
				s.logger.Info("sweep finished",
					slog.Int("scanned", res.Scanned),
					slog.Int("deleted", len(res.Deleted)))
			}
		}
	}
}

// Stop cancels the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrSweeperStopped
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		s.logger.Info("sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop sweeper: %w", ctx.Err())
	}
}

// Sweep deletes every file older than the maximum age. A failure on one
// file does not stop the sweep; all failures are returned joined.
func (s *Sweeper) Sweep() (SweepResult, error) {
	var res SweepResult
	infos, err := afero.ReadDir(s.fs, "/")
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, fmt.Errorf("list artifacts: %w", err)
	}

	now := s.now()
	var errs []error
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		res.Scanned++
		if now.Sub(info.ModTime()) <= s.maxAge {
			continue
		}
		if err := s.fs.Remove("/" + info.Name()); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.logger.Warn(fmt.Sprintf("delete %s: %v", info.Name(), err))
			errs = append(errs, fmt.Errorf("delete %s: %w", info.Name(), err))
			continue
		}
		res.Deleted = append(res.Deleted, info.Name())
		s.logger.Debug("deleted expired artifact", slog.String("file", info.Name()))
	}
	return res, errors.Join(errs...)
}
