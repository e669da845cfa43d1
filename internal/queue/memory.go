package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/models"
)

// maxHistory bounds the result history kept by the memory store.
const maxHistory = 5000

// MemoryStore keeps everything behind a single mutex. With a snapshot file
// set, state is written out after every change and read back on start.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*models.PriceCheckTask
	results  []models.PriceCheckResult
	excluded map[string]models.ExcludedSeller
	filename string
}

type snapshot struct {
	Tasks    []*models.PriceCheckTask  `json:"tasks"`
	Results  []models.PriceCheckResult `json:"results"`
	Excluded []models.ExcludedSeller   `json:"excluded_sellers"`
}

func NewMemoryStore(filename string) (*MemoryStore, error) {
	s := &MemoryStore{
		tasks:    make(map[string]*models.PriceCheckTask),
		excluded: make(map[string]models.ExcludedSeller),
		filename: filename,
	}

	if filename != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
	}

	return s, nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, task models.PriceCheckTask) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tasks {
		if existing.OfferID != task.OfferID || !existing.IsOpen() {
			continue
		}
		if existing.Status == models.TaskPending {
			existing.Title = task.Title
			existing.MyPrice = task.MyPrice
			if err := s.save(); err != nil {
				return "", err
			}
		}
		return existing.ID, nil
	}

	t := task
	s.tasks[t.ID] = &t
	return t.ID, s.save()
}

func (s *MemoryStore) Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]models.PriceCheckTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.PriceCheckTask
	for _, t := range s.tasks {
		if t.Status == models.TaskPending {
			pending = append(pending, t)
		}
	}
	sortTasks(pending)

	if len(pending) > limit {
		pending = pending[:limit]
	}

	claimed := make([]models.PriceCheckTask, 0, len(pending))
	for _, t := range pending {
		claimedAt := now
		t.Status = models.TaskProcessing
		t.ClaimedAt = &claimedAt
		t.ClaimedBy = workerID
		t.Attempts++
		claimed = append(claimed, *t)
	}

	if len(claimed) == 0 {
		return claimed, nil
	}
	return claimed, s.save()
}

func (s *MemoryStore) Submit(ctx context.Context, result *models.PriceCheckResult, maxAttempts int, now time.Time) (SubmitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[result.TaskID]
	if !ok {
		return "", ErrTaskNotFound
	}

	outcome := resolve(task, result, maxAttempts, now)
	switch outcome {
	case OutcomeDuplicate:
		return outcome, nil
	case OutcomeCompleted, OutcomeFailed:
		s.results = append(s.results, *result)
		if len(s.results) > maxHistory {
			s.results = s.results[len(s.results)-maxHistory:]
		}
	}

	return outcome, s.save()
}

func (s *MemoryStore) RequeueExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for _, t := range s.tasks {
		if !t.ClaimExpired(cutoff) {
			continue
		}
		t.Status = models.TaskPending
		t.ClaimedAt = nil
		t.ClaimedBy = ""
		t.LastError = "claim expired"
		requeued++
	}

	if requeued == 0 {
		return 0, nil
	}
	return requeued, s.save()
}

func (s *MemoryStore) Counts(ctx context.Context) (models.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts models.StatusCounts
	for _, t := range s.tasks {
		switch t.Status {
		case models.TaskPending:
			counts.Pending++
		case models.TaskProcessing:
			counts.Processing++
		case models.TaskDone:
			counts.Done++
		case models.TaskError:
			counts.Errors++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Recent(ctx context.Context, since *time.Time, limit int) ([]models.PriceCheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]models.PriceCheckResult, 0, limit)
	for i := len(s.results) - 1; i >= 0 && len(results) < limit; i-- {
		r := s.results[i]
		if since != nil && r.CheckedAt.Before(*since) {
			continue
		}
		results = append(results, r)
	}

	// Appends are in submit order; a late submit can carry an older check time.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CheckedAt.After(results[j].CheckedAt)
	})
	return results, nil
}

func (s *MemoryStore) ExcludedSellers(ctx context.Context) ([]models.ExcludedSeller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sellers := make([]models.ExcludedSeller, 0, len(s.excluded))
	for _, seller := range s.excluded {
		sellers = append(sellers, seller)
	}
	sort.Slice(sellers, func(i, j int) bool {
		return strings.ToLower(sellers[i].Name) < strings.ToLower(sellers[j].Name)
	})
	return sellers, nil
}

func (s *MemoryStore) ExcludeSeller(ctx context.Context, seller models.ExcludedSeller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.excluded[strings.ToLower(seller.Name)] = seller
	return s.save()
}

func (s *MemoryStore) IncludeSeller(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(name)
	if _, ok := s.excluded[key]; !ok {
		return ErrSellerNotFound
	}
	delete(s.excluded, key)
	return s.save()
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func sortTasks(tasks []*models.PriceCheckTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// save must be called with s.mu held.
func (s *MemoryStore) save() error {
	if s.filename == "" {
		return nil
	}

	snap := snapshot{
		Results: s.results,
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	sortTasks(snap.Tasks)
	for _, seller := range s.excluded {
		snap.Excluded = append(snap.Excluded, seller)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Write to temp file first for atomicity
	tmpFile := s.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return os.Rename(tmpFile, s.filename)
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	for _, t := range snap.Tasks {
		s.tasks[t.ID] = t
	}
	s.results = snap.Results
	for _, seller := range snap.Excluded {
		s.excluded[strings.ToLower(seller.Name)] = seller
	}
	return nil
}
