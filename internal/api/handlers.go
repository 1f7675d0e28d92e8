package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CZERTAINLY/daas/internal/callback"
	"github.com/CZERTAINLY/daas/internal/pipeline"
	"github.com/CZERTAINLY/daas/internal/store"
)

const maxJSONBody = 64 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding json request failed: %w", err)
	}
	return nil
}

func (s *Server) samplesByHash(w http.ResponseWriter, r *http.Request) {
	var sel pipeline.Selectors
	if err := decodeJSON(w, r, &sel); err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	s.find(w, r, sel.Predicate())
}

func (s *Server) samplesByType(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("file_type")
	if raw == "" {
		writeProblem(w, http.StatusBadRequest, "file_type is required")
		return
	}
	var types []string
	for t := range strings.SplitSeq(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	s.find(w, r, store.TypeIn(types...))
}

func (s *Server) samplesBySize(w http.ResponseWriter, r *http.Request) {
	lower, err := strconv.ParseInt(r.URL.Query().Get("lower_size"), 10, 64)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "lower_size: "+err.Error())
		return
	}
	upper, err := strconv.ParseInt(r.URL.Query().Get("top_size"), 10, 64)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "top_size: "+err.Error())
		return
	}
	s.find(w, r, store.SizeBetween(lower, upper))
}

func (s *Server) find(w http.ResponseWriter, r *http.Request, p store.Predicate) {
	samples, err := s.svc.Find(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(samples))
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxSize+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeProblem(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() {
		_ = file.Close()
	}()
	content, err := io.ReadAll(io.LimitReader(file, s.opts.MaxSize+1))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if int64(len(content)) > s.opts.MaxSize {
		writeProblem(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("sample exceeds %d bytes", s.opts.MaxSize))
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	force, err := formBool(r.FormValue("force_reprocess"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "force_reprocess: "+err.Error())
		return
	}
	cb := r.FormValue("callback")
	if cb != "" {
		if err := callback.ValidateTarget(cb); err != nil {
			writeProblem(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := s.svc.Upload(r.Context(), pipeline.UploadRequest{
		Name:           name,
		Content:        content,
		ForceReprocess: force,
		Callback:       cb,
	})
	progressed := len(res.Outcome.Notified)+len(res.Outcome.Dispatched)+len(res.Outcome.Pending) > 0
	if err != nil && !progressed {
		s.fail(w, r, err)
		return
	}
	body := accepted{SHA1: res.Sample.SHA1, New: &res.New, Outcome: res.Outcome, Errors: messages(err)}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) reprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Callback != "" {
		if err := callback.ValidateTarget(req.Callback); err != nil {
			writeProblem(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	out, err := s.svc.Reprocess(r.Context(), pipeline.ReprocessRequest{
		Selectors: req.Selectors,
		Force:     req.ForceReprocess,
		Callback:  req.Callback,
	})
	progressed := len(out.Notified)+len(out.Dispatched)+len(out.Pending) > 0
	if err != nil && !progressed {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Outcome: out, Errors: messages(err)})
}

func (s *Server) submitResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SHA1 == "" {
		writeProblem(w, http.StatusBadRequest, "sha1 is required")
		return
	}
	if err := s.svc.SubmitResult(r.Context(), req.SHA1, req.statistics()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sha1 := chi.URLParam(r, "sha1")
	job, err := s.svc.Status(r.Context(), sha1)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobViewOf(sha1, job))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	sha1 := chi.URLParam(r, "sha1")
	job, err := s.svc.Cancel(r.Context(), sha1)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobViewOf(sha1, job))
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "sha1")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	sha1 := chi.URLParam(r, "sha1")
	blob, err := s.svc.Result(r.Context(), sha1)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeBlob(w, sha1+".zip", "application/zip", blob)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	if !s.opts.AllowDownload {
		writeProblem(w, http.StatusForbidden, "sample download is disabled")
		return
	}
	sha1 := chi.URLParam(r, "sha1")
	blob, err := s.svc.Download(r.Context(), sha1)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeBlob(w, sha1, "application/octet-stream", blob)
}

func (s *Server) countByType(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.CountByType(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Activity(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activityViewOf(a))
}

func writeBlob(w http.ResponseWriter, filename, contentType string, blob []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func formBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// messages splits joined errors for the response body.
func messages(err error) []string {
	if err == nil {
		return nil
	}
	return strings.Split(err.Error(), "\n")
}
