package buildservice

import (
	"testing"
	"time"

	"github.com/kennethnrk/chassis/internal/store"
)

// helper to create a new temporary store for tests.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)

	job := Job{ID: "job-1", Status: JobStatusPending, ImageName: "echo", Tag: "0.1.0", CreatedAt: time.Now()}
	if err := CreateJob(s, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	got, found, err := GetJobByID(s, "job-1")
	if err != nil {
		t.Fatalf("GetJobByID() error = %v", err)
	}
	if !found {
		t.Fatalf("GetJobByID() found = false, want true")
	}
	if got.ImageName != "echo" || got.Status != JobStatusPending {
		t.Fatalf("GetJobByID() = %+v, want image echo pending", got)
	}

	if err := CreateJob(s, job); err == nil {
		t.Fatalf("CreateJob() duplicate error = nil, want error")
	}
}

func TestGetJobByID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, found, err := GetJobByID(s, "missing")
	if err != nil {
		t.Fatalf("GetJobByID() error = %v", err)
	}
	if found {
		t.Fatalf("GetJobByID() found = true, want false")
	}
}

func TestJobEmptyIDErrors(t *testing.T) {
	s := newTestStore(t)

	if err := CreateJob(s, Job{}); err == nil {
		t.Fatalf("CreateJob() error = nil, want error")
	}
	if err := UpdateJob(s, Job{}); err == nil {
		t.Fatalf("UpdateJob() error = nil, want error")
	}
	if err := DeleteJob(s, ""); err == nil {
		t.Fatalf("DeleteJob() error = nil, want error")
	}
	if _, _, err := GetJobByID(s, ""); err == nil {
		t.Fatalf("GetJobByID() error = nil, want error")
	}
}

func TestUpdateAndDeleteJob(t *testing.T) {
	s := newTestStore(t)

	job := Job{ID: "job-1", Status: JobStatusPending}
	if err := CreateJob(s, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	job.Status = JobStatusSucceeded
	job.ImageTag = "echo:0.1.0"
	if err := UpdateJob(s, job); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}
	got, _, _ := GetJobByID(s, "job-1")
	if got.Status != JobStatusSucceeded || got.ImageTag != "echo:0.1.0" {
		t.Fatalf("GetJobByID() after update = %+v", got)
	}

	if err := DeleteJob(s, "job-1"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if _, found, _ := GetJobByID(s, "job-1"); found {
		t.Fatalf("job still present after DeleteJob()")
	}
}

func TestListJobsByStatuses(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jobs := []Job{
		{ID: "c", Status: JobStatusRunning, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "a", Status: JobStatusFailed, CreatedAt: base},
		{ID: "b", Status: JobStatusRunning, CreatedAt: base.Add(time.Minute)},
	}
	for _, j := range jobs {
		if err := CreateJob(s, j); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", j.ID, err)
		}
	}
	// Keys outside the job prefix are ignored.
	if err := s.Put("other:x", []byte("not json")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	all, err := ListJobs(s)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("ListJobs() = %+v, want a, b, c", all)
	}

	running, err := ListJobsByStatuses(s, JobStatusRunning, JobStatusPending)
	if err != nil {
		t.Fatalf("ListJobsByStatuses() error = %v", err)
	}
	if len(running) != 2 || running[0].ID != "b" || running[1].ID != "c" {
		t.Fatalf("ListJobsByStatuses() = %+v, want b, c", running)
	}
}

func TestJobResponse(t *testing.T) {
	resp := Job{ID: "j", Status: JobStatusRunning}.Response()
	if resp.Completed || resp.Success || *resp.RemoteBuildID != "j" || resp.ImageTag != nil {
		t.Fatalf("running Response() = %+v", resp)
	}

	resp = Job{ID: "j", Status: JobStatusSucceeded, ImageTag: "echo:1", Logs: "ok"}.Response()
	if !resp.Completed || !resp.Success || *resp.ImageTag != "echo:1" || *resp.Logs != "ok" {
		t.Fatalf("succeeded Response() = %+v", resp)
	}

	resp = Job{ID: "j", Status: JobStatusFailed, ErrorMessage: "boom"}.Response()
	if !resp.Completed || resp.Success || *resp.ErrorMessage != "boom" {
		t.Fatalf("failed Response() = %+v", resp)
	}
}
