package httpx

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/depwatch/internal/domain"
)

// requireAuth guards management endpoints with the static API token. An
// unset token disables the check for local development.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.apiToken == "" {
			next(w, req)
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.apiToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		next(w, req)
	}
}

// authorizeJob validates the per-job bearer token against the job's auth
// key. The key is valid only for that job and never reused.
func (r *Router) authorizeJob(w http.ResponseWriter, req *http.Request, jobID string) (*domain.UpdateJob, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	job, err := r.jobs.GetJobByID(req.Context(), jobID)
	if err != nil {
		// Missing jobs answer like bad credentials so the endpoint does not
		// leak which job ids exist.
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(job.AuthKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return nil, false
	}
	return job, true
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
