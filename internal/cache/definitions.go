package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/foxzi/cadence/internal/models"
)

// SequenceSource loads definitions on a cache miss
type SequenceSource interface {
	GetByID(ctx context.Context, id string) (*models.Sequence, error)
	GetRevisionSteps(ctx context.Context, sequenceID string, revision int) ([]models.Step, error)
}

// Definitions is a read-through cache of sequences and step snapshots
type Definitions struct {
	storage Storage
	source  SequenceSource
	ttl     time.Duration
	logger  *slog.Logger
}

// NewDefinitions creates a read-through cache over source
func NewDefinitions(storage Storage, source SequenceSource, ttl time.Duration, logger *slog.Logger) *Definitions {
	return &Definitions{
		storage: storage,
		source:  source,
		ttl:     ttl,
		logger:  logger.With("component", "cache"),
	}
}

func sequenceKey(id string) string {
	return "seq:" + id
}

func stepsKey(id string, revision int) string {
	return "steps:" + id + ":" + strconv.Itoa(revision)
}

// Sequence returns the sequence with its current steps, or nil if unknown
func (d *Definitions) Sequence(ctx context.Context, id string) (*models.Sequence, error) {
	if data, err := d.storage.Get(ctx, sequenceKey(id)); err == nil {
		var seq models.Sequence
		if err := json.Unmarshal(data, &seq); err == nil {
			return &seq, nil
		}
	} else if err != ErrMiss {
		d.logger.Warn("cache read failed", "key", sequenceKey(id), "error", err)
	}

	seq, err := d.source.GetByID(ctx, id)
	if err != nil || seq == nil {
		return seq, err
	}
	d.store(ctx, sequenceKey(id), seq)
	return seq, nil
}

// Steps returns the step snapshot of one revision, or nil if unknown
func (d *Definitions) Steps(ctx context.Context, id string, revision int) ([]models.Step, error) {
	key := stepsKey(id, revision)
	if data, err := d.storage.Get(ctx, key); err == nil {
		var steps []models.Step
		if err := json.Unmarshal(data, &steps); err == nil {
			return steps, nil
		}
	} else if err != ErrMiss {
		d.logger.Warn("cache read failed", "key", key, "error", err)
	}

	steps, err := d.source.GetRevisionSteps(ctx, id, revision)
	if err != nil || steps == nil {
		return steps, err
	}
	d.store(ctx, key, steps)
	return steps, nil
}

// Invalidate drops the cached settings of a sequence. Step snapshots are
// immutable and stay cached until they expire.
func (d *Definitions) Invalidate(ctx context.Context, id string) error {
	if err := d.storage.Delete(ctx, sequenceKey(id)); err != nil {
		return fmt.Errorf("failed to invalidate sequence %s: %w", id, err)
	}
	return nil
}

func (d *Definitions) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.storage.Set(ctx, key, data, d.ttl); err != nil {
		d.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
