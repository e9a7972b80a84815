package buildservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/kennethnrk/chassis/internal/store"
)

const jobPrefix = "job:"

// CreateJob stores a new job under its ID.
func CreateJob(s *store.Store, job Job) error {
	if job.ID == "" {
		return errors.New("job ID cannot be empty")
	}
	if _, exists := s.Get(jobPrefix + job.ID); exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	return putJob(s, job)
}

// UpdateJob replaces the stored job.
func UpdateJob(s *store.Store, job Job) error {
	if job.ID == "" {
		return errors.New("job ID cannot be empty")
	}
	return putJob(s, job)
}

func putJob(s *store.Store, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.Put(jobPrefix+job.ID, b)
}

// DeleteJob removes a job record.
func DeleteJob(s *store.Store, id string) error {
	if id == "" {
		return errors.New("job ID cannot be empty")
	}
	return s.Delete(jobPrefix + id)
}

// GetJobByID loads a job.
// Returns (zero Job, false, nil) if the job is not found.
func GetJobByID(s *store.Store, id string) (Job, bool, error) {
	if id == "" {
		return Job{}, false, errors.New("job ID cannot be empty")
	}
	raw, ok := s.Get(jobPrefix + id)
	if !ok {
		return Job{}, false, nil
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

// ListJobs returns all jobs, oldest first.
func ListJobs(s *store.Store) ([]Job, error) {
	keys := s.KeysWithPrefix(jobPrefix)
	jobs := make([]Job, 0, len(keys))
	for _, k := range keys {
		raw, ok := s.Get(k)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job %q: %w", k, err)
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// ListJobsByStatuses returns the jobs in any of statuses, oldest first.
func ListJobsByStatuses(s *store.Store, statuses ...JobStatus) ([]Job, error) {
	jobs, err := ListJobs(s)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(jobs, func(j Job) bool {
		return !slices.Contains(statuses, j.Status)
	}), nil
}
