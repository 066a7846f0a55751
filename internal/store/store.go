package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

var (
	// ErrNotFound is returned when a protocol, object or step does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a protocol status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stats holds aggregate counts over the stored protocols.
type Stats struct {
	Total         int                  `json:"total"`
	CountByStatus map[model.Status]int `json:"count_by_status"`
	CountByClass  map[string]int       `json:"count_by_class"`
	Steps         int                  `json:"steps"`
	OpenSets      int                  `json:"open_sets"`
}

// Store persists protocols, their outputs and their step ledger. The same
// schema backs the project database and each run's private ledger.
type Store interface {
	CreateProtocol(ctx context.Context, p *model.Protocol) error
	GetProtocol(ctx context.Context, id int64) (*model.Protocol, error)
	ListProtocols(ctx context.Context) ([]*model.Protocol, error)
	SaveProtocol(ctx context.Context, p *model.Protocol) error
	UpdateProtocolStatus(ctx context.Context, id int64, status model.Status, errMsg string) error
	DeleteProtocol(ctx context.Context, id int64) error

	SaveObject(ctx context.Context, o *model.Object) error
	GetObject(ctx context.Context, id int64) (*model.Object, error)
	ListObjects(ctx context.Context, protocolID int64) ([]*model.Object, error)
	CloseOpenSets(ctx context.Context, protocolID int64) (int, error)
	DeleteObjects(ctx context.Context, protocolID int64) error

	ReplaceSteps(ctx context.Context, protocolID int64, steps []*model.Step) error
	UpdateStep(ctx context.Context, protocolID int64, s *model.Step) error
	ListSteps(ctx context.Context, protocolID int64) ([]*model.Step, error)
	AbortRunningSteps(ctx context.Context, protocolID int64) error

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// Retry calls fn up to attempts times, waiting between failures. It is used
// around ledger reads that may race with the owning runner's writes. ErrNotFound
// is not retried.
func Retry(ctx context.Context, attempts int, wait time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// CopyRecords copies every protocol and object from src into dst, keeping ids.
// Launching a run uses it to seed the run's private ledger from the project.
func CopyRecords(ctx context.Context, dst, src Store) error {
	protocols, err := src.ListProtocols(ctx)
	if err != nil {
		return fmt.Errorf("list source protocols: %w", err)
	}
	for _, p := range protocols {
		if err := dst.SaveProtocol(ctx, p); err != nil {
			return fmt.Errorf("copy protocol %d: %w", p.ID, err)
		}
	}

	objects, err := src.ListObjects(ctx, 0)
	if err != nil {
		return fmt.Errorf("list source objects: %w", err)
	}
	for _, o := range objects {
		if err := dst.SaveObject(ctx, o); err != nil {
			return fmt.Errorf("copy object %d: %w", o.ID, err)
		}
	}
	return nil
}
