package api

import (
	"time"

	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/pipeline"
)

type statisticsView struct {
	Decompiled  bool      `json:"decompiled"`
	TimedOut    bool      `json:"timed_out"`
	ExitStatus  *int      `json:"exit_status"`
	ElapsedTime *int      `json:"elapsed_time"`
	Timeout     *int      `json:"timeout"`
	Output      string    `json:"output"`
	Decompiler  string    `json:"decompiler"`
	Version     int       `json:"version"`
	ProcessedOn time.Time `json:"processed_on"`
}

type sampleView struct {
	ID int64 `json:"id"`
	model.Hashes
	Name       string          `json:"name"`
	Size       int64           `json:"size"`
	FileType   *string         `json:"file_type"`
	UploadedOn time.Time       `json:"uploaded_on"`
	Statistics *statisticsView `json:"statistics"`
}

func viewOf(s model.Sample) sampleView {
	v := sampleView{
		ID:         s.ID,
		Hashes:     s.Hashes,
		Name:       s.Name,
		Size:       s.Size,
		FileType:   s.Type,
		UploadedOn: s.CreatedAt,
	}
	if st := s.Statistics; st != nil {
		v.Statistics = &statisticsView{
			Decompiled:  st.Decompiled,
			TimedOut:    st.TimedOut,
			ExitStatus:  st.ExitStatus,
			ElapsedTime: st.ElapsedTime,
			Timeout:     st.Timeout,
			Output:      st.Output,
			Decompiler:  st.Decompiler,
			Version:     st.Version,
			ProcessedOn: st.CreatedAt,
		}
	}
	return v
}

func viewsOf(samples []model.Sample) []sampleView {
	out := make([]sampleView, 0, len(samples))
	for _, s := range samples {
		out = append(out, viewOf(s))
	}
	return out
}

type jobView struct {
	SHA1      string          `json:"sha1"`
	JobID     string          `json:"job_id"`
	Queue     string          `json:"queue"`
	Status    model.JobStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func jobViewOf(sha1 string, j model.Job) jobView {
	return jobView{SHA1: sha1, JobID: j.ExternalID, Queue: j.Queue, Status: j.Status, CreatedAt: j.CreatedAt}
}

// accepted is the body of dispatching requests.
type accepted struct {
	SHA1 string `json:"sha1,omitempty"`
	New  *bool  `json:"new,omitempty"`
	pipeline.Outcome
	Errors []string `json:"errors,omitempty"`
}

// resultRequest is what a queue worker posts once a job ended.
type resultRequest struct {
	SHA1        string `json:"sha1"`
	Decompiled  bool   `json:"decompiled"`
	TimedOut    bool   `json:"timed_out"`
	ExitStatus  *int   `json:"exit_status"`
	ElapsedTime *int   `json:"elapsed_time"`
	Timeout     *int   `json:"timeout"`
	Output      string `json:"output"`
	Result      []byte `json:"result"` // base64
	Decompiler  string `json:"decompiler"`
	Version     int    `json:"version"`
}

func (r resultRequest) statistics() model.Statistics {
	return model.Statistics{
		Decompiled:  r.Decompiled,
		TimedOut:    r.TimedOut,
		ExitStatus:  r.ExitStatus,
		ElapsedTime: r.ElapsedTime,
		Timeout:     r.Timeout,
		Output:      r.Output,
		Result:      r.Result,
		Decompiler:  r.Decompiler,
		Version:     r.Version,
	}
}

type reprocessRequest struct {
	pipeline.Selectors
	ForceReprocess bool   `json:"force_reprocess"`
	Callback       string `json:"callback"`
}

// activityView keys counts by UTC day, 2006-01-02.
type activityView struct {
	FirstDate *string        `json:"first_date"`
	Uploaded  map[string]int `json:"uploaded"`
	Processed map[string]int `json:"processed"`
}

func activityViewOf(a pipeline.Activity) activityView {
	v := activityView{Uploaded: a.Uploaded, Processed: a.Processed}
	if !a.FirstUpload.IsZero() {
		day := a.FirstUpload.UTC().Format(time.DateOnly)
		v.FirstDate = &day
	}
	return v
}
