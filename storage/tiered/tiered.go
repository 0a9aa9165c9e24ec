// Package tiered provides a Hot/Cold tiered webhook event log that puts fast
// ephemeral storage (Hot) in front of durable storage (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// Config configures the tiered event log
type Config struct {
	// Hot is the L1 event log (e.g., Redis, Memory) answering most duplicate checks
	Hot reconcile.EventLog

	// Cold is the L2 event log (e.g., Postgres) and the source of truth
	Cold reconcile.EventLog

	// AsyncHotSync moves Hot writes (records and read repairs) to a background
	// worker. If false, Hot is written inline after Cold.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails.
	// Hot failures never fail the caller because Cold already holds the record.
	AsyncErrorHandler func(error)
}

// Storage implements reconcile.EventLog over two tiers:
// - Read-Through: HasProcessed (Hot → Cold → repair Hot)
// - Write-Through: MarkProcessed (Cold → Hot)
type Storage struct {
	hot  reconcile.EventLog
	cold reconcile.EventLog
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered event log.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending Hot writes and stops the worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// writeHot records evt in Hot, inline or through the worker.
func (s *Storage) writeHot(ctx context.Context, evt *reconcile.WebhookEvent) {
	if !s.conf.AsyncHotSync {
		s.report(s.hot.MarkProcessed(ctx, evt))
		return
	}

	clone := *evt
	select {
	case s.syncQueue <- func() error {
		// detached from the request so the write survives its cancellation
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.hot.MarkProcessed(ctx, &clone)
	}:
	default:
		s.report(errors.New("sync queue full, dropping hot write"))
	}
}

// HasProcessed implements reconcile.EventLog with read-through strategy.
// A Hot error falls through to Cold.
func (s *Storage) HasProcessed(ctx context.Context, provider reconcile.Provider, eventID string) (bool, error) {
	if ok, err := s.hot.HasProcessed(ctx, provider, eventID); err == nil && ok {
		return true, nil
	}

	ok, err := s.cold.HasProcessed(ctx, provider, eventID)
	if err != nil || !ok {
		return ok, err
	}

	// read repair
	s.writeHot(ctx, &reconcile.WebhookEvent{
		Provider:    provider,
		EventID:     eventID,
		ProcessedAt: time.Now().UTC(),
	})
	return true, nil
}

// MarkProcessed implements reconcile.EventLog with write-through strategy.
func (s *Storage) MarkProcessed(ctx context.Context, evt *reconcile.WebhookEvent) error {
	if err := s.cold.MarkProcessed(ctx, evt); err != nil {
		return err
	}
	s.writeHot(ctx, evt)
	return nil
}
