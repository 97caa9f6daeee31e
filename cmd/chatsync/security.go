package main

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/httputil"
)

// verifyToken checks the bearer token sent by the UI. Websocket clients in
// browsers cannot set headers, so the watch stream also accepts ?token=.
func verifyToken(r *http.Request, apiToken string) error {
	if apiToken == "" {
		if os.Getenv("CHATSYNC_ENV") == "production" {
			return apperrors.New(apperrors.ErrCodeUnauthorized, "api token is required in production mode").
				WithUserMessage("Unauthorized")
		}
		return nil
	}

	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return apperrors.New(apperrors.ErrCodeUnauthorized, "invalid authorization scheme").
				WithUserMessage("Unauthorized")
		}
		presented = strings.TrimSpace(token)
	}
	if presented == "" {
		return apperrors.New(apperrors.ErrCodeUnauthorized, "missing api token").
			WithUserMessage("Unauthorized")
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(apiToken)) != 1 {
		return apperrors.New(apperrors.ErrCodeUnauthorized, "token mismatch").
			WithUserMessage("Unauthorized")
	}
	return nil
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := verifyToken(r, s.apiToken); err != nil {
			s.logger.WithField("remote_ip", httputil.ClientIP(r)).Warn("Rejected API request")
			httputil.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
