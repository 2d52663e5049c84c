package gmail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"gmail-bridge/internal/bridge/domain"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// classify wraps a Gmail or OAuth error into the bridge error taxonomy.
func classify(action string, err error) error {
	if err == nil {
		return nil
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "unauthorized_client" {
			return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrCredential, err)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrTransient, err)
		}
		return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrCredential, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrCredential, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrTransient, err)
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrNotFound, err)
		case apiErr.Code == http.StatusForbidden && isRateLimit(apiErr):
			return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrTransient, err)
		}
		return fmt.Errorf("unable to %s: %v", action, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrTransient, err)
	}
	return fmt.Errorf("unable to %s: %w", action, err)
}

func isRateLimit(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
