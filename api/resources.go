package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/marketplace"
	"github.com/gurre/fixit/table"
	"github.com/gurre/fixit/upload"
)

// multipartOverhead is the allowance for form fields and boundaries on top
// of the file size ceiling.
const multipartOverhead = 64 << 10

// UploadResponse is the body of a successful upload.
type UploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	FileURL string `json:"fileUrl"`
	Key     string `json:"key"`
}

// SignedURLResponse is the body of GET /upload/signed-url.
type SignedURLResponse struct {
	Success   bool      `json:"success"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DataResponse wraps a single record or request.
type DataResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ServicesResponse is the body of GET /services.
type ServicesResponse struct {
	Success bool           `json:"success"`
	Count   int            `json:"count"`
	Data    []table.Record `json:"data"`
	Filter  *string        `json:"filter"`
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	limit := s.uploads.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, s.uploads.TooLarge())
			return
		}
		s.writeError(w, r, apperr.ErrMissingFields.WithMessage("please provide a file to upload"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apperr.ErrMissingFields.WithMessage("please provide a file to upload"))
		return
	}
	defer file.Close()

	userID := r.FormValue("userId")
	if userID == "" {
		s.writeError(w, r, apperr.ErrMissingFields.WithMessage("userId is required"))
		return
	}
	kind, err := upload.ParseKind(r.FormValue("fileType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if header.Size > limit {
		s.writeError(w, r, s.uploads.TooLarge())
		return
	}
	key, err := upload.ObjectKey(kind, userID, header.Filename, s.clock.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.writeError(w, r, apperr.ErrUploadFailed.Wrap(err))
		return
	}
	fileURL, err := s.uploads.Store(r.Context(), body, key, header.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		Success: true,
		Message: "File uploaded successfully",
		FileURL: fileURL,
		Key:     key,
	})
}

func (s *Server) signedURL(w http.ResponseWriter, r *http.Request) {
	user, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := r.URL.Query().Get("key")
	owner, ok := upload.OwnerOf(key)
	if !ok {
		s.writeError(w, r, apperr.ErrInvalidKey.WithMessage("key is not an uploaded object"))
		return
	}
	if owner != user.SubjectID {
		s.writeError(w, r, apperr.ErrForbidden)
		return
	}
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 1 {
			s.writeError(w, r, apperr.ErrInvalidField.WithMessage("ttl must be a positive number of seconds"))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	url, expiresAt, err := s.uploads.SignedURL(r.Context(), key, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SignedURLResponse{Success: true, URL: url, ExpiresAt: expiresAt})
}

func (s *Server) profileDetails(w http.ResponseWriter, r *http.Request) {
	user, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.marketplace.Profile(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DataResponse{Success: true, Data: rec})
}

func (s *Server) profileUpdate(w http.ResponseWriter, r *http.Request) {
	user, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var input map[string]any
	if err := decodeJSON(r, &input); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.marketplace.UpdateProfile(r.Context(), user, input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DataResponse{
		Success: true,
		Message: "Profile updated successfully",
		Data:    rec,
	})
}

func (s *Server) hire(w http.ResponseWriter, r *http.Request) {
	var req marketplace.HireRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sr, err := s.marketplace.Hire(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, DataResponse{
		Success: true,
		Message: "Service request created successfully",
		Data:    sr,
	})
}

func (s *Server) services(w http.ResponseWriter, r *http.Request) {
	serviceType := r.URL.Query().Get("serviceType")
	recs, err := s.marketplace.Providers(r.Context(), serviceType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []table.Record{}
	}
	resp := ServicesResponse{Success: true, Count: len(recs), Data: recs}
	if serviceType != "" {
		resp.Filter = &serviceType
	}
	writeJSON(w, http.StatusOK, resp)
}
