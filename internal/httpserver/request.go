package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"wasched/internal/attachments"
	"wasched/internal/domain"
)

const (
	maxSendImages   = 5
	maxUpdateImages = 10
)

// form is the decoded body of a multipart, urlencoded or JSON request.
type form struct {
	values  map[string]string
	uploads []attachments.Upload
}

func (f form) get(key string) string { return strings.TrimSpace(f.values[key]) }

// readForm parses the request body and stages up to maxFiles files from
// fileField into the upload directory. The caller owns the staged uploads.
func (a *API) readForm(w http.ResponseWriter, r *http.Request, fileField string, maxFiles int) (form, error) {
	f := form{values: map[string]string{}}
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes())

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return f, domain.Invalid("invalid json: %v", err)
		}
		for k, v := range body {
			if v != nil {
				f.values[k] = fmt.Sprint(v)
			}
		}
		return f, nil
	}

	err := r.ParseMultipartForm(a.maxUploadBytes())
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return f, domain.Invalid("%s: %v", ErrBadForm, err)
	}
	for k, vs := range r.Form {
		if len(vs) > 0 {
			f.values[k] = vs[0]
		}
	}
	if r.MultipartForm == nil || fileField == "" {
		return f, nil
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File[fileField]
	if len(files) > maxFiles {
		return f, domain.Invalid("Too many files: at most %d allowed", maxFiles)
	}
	for _, fh := range files {
		up, err := attachments.Stage(a.UploadDir, fh)
		if err != nil {
			attachments.Discard(f.uploads)
			return form{}, fmt.Errorf("stage upload: %w", err)
		}
		f.uploads = append(f.uploads, up)
	}
	return f, nil
}

func (a *API) maxUploadBytes() int64 {
	if a.MaxUploadBytes > 0 {
		return a.MaxUploadBytes
	}
	return 16 << 20
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError sends {error, details}; details is omitted when err is nil.
func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := errorBody{Error: msg}
	if err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}

// writeFailure sends {success:false, error, details}.
func writeFailure(w http.ResponseWriter, status int, msg string, err error) {
	f := false
	body := errorBody{Success: &f, Error: msg}
	if err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}
