package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/hibiken/asynq"
)

const deadLetterTaskType = "dead-letter"

// DeadLetters stores dead-letter entries as pending tasks of a queue that no
// server consumes, keyed by the original job id. Entries stay until removed.
type DeadLetters struct {
	queue     string
	client    *asynq.Client
	inspector *asynq.Inspector
}

// DeadLetters returns the dead-letter store backed by queue
func (b *Asynq) DeadLetters(queue string) *DeadLetters {
	return &DeadLetters{
		queue:     queue,
		client:    b.client,
		inspector: b.inspector,
	}
}

// Name returns the backing queue name
func (d *DeadLetters) Name() string {
	return d.queue
}

// Add stores entry. Adding an entry whose job id is already present is a no-op.
func (d *DeadLetters) Add(ctx context.Context, entry domain.DeadLetterEntry) error {
	if entry.JobName == "" {
		return fmt.Errorf("dead-letter entry for job %s: %w", entry.JobID, domain.ErrMalformedDeadLetter)
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	_, err = d.client.EnqueueContext(ctx,
		asynq.NewTask(deadLetterTaskType, body),
		asynq.Queue(d.queue),
		asynq.TaskID(entry.JobID),
		asynq.MaxRetry(0),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to store dead-letter entry for job %s: %w", entry.JobID, err)
	}
	return nil
}

// Get returns the entry stored for jobID
func (d *DeadLetters) Get(ctx context.Context, jobID string) (*domain.DeadLetterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := d.inspector.GetTaskInfo(d.queue, jobID)
	if err != nil {
		return nil, mapLookupError(err, jobID)
	}

	entry, err := decodeEntry(info)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func decodeEntry(info *asynq.TaskInfo) (*domain.DeadLetterEntry, error) {
	var entry domain.DeadLetterEntry
	if err := json.Unmarshal(info.Payload, &entry); err != nil {
		return nil, fmt.Errorf("dead-letter entry %s is not valid JSON: %w", info.ID, domain.ErrMalformedDeadLetter)
	}
	if entry.JobName == "" {
		return nil, fmt.Errorf("dead-letter entry %s has no job name: %w", info.ID, domain.ErrMalformedDeadLetter)
	}
	if entry.JobID == "" {
		entry.JobID = info.ID
	}
	return &entry, nil
}

// Remove deletes the entry for jobID. Removing a missing entry is a no-op.
func (d *DeadLetters) Remove(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := d.inspector.DeleteTask(d.queue, jobID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("failed to remove dead-letter entry %s: %w", jobID, err)
	}
	return nil
}

// List returns up to limit entries, oldest first. Malformed entries are skipped.
func (d *DeadLetters) List(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tasks, err := d.inspector.ListPendingTasks(d.queue, asynq.PageSize(limit), asynq.Page(1))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return []domain.DeadLetterEntry{}, nil
		}
		return nil, fmt.Errorf("failed to list dead-letter entries: %w", err)
	}

	entries := make([]domain.DeadLetterEntry, 0, len(tasks))
	for _, info := range tasks {
		entry, err := decodeEntry(info)
		if err != nil {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}
