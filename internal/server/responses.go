package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/accounts"
	"github.com/gin-gonic/gin"
)

const (
	messageValidationFailed = "Form validation failed."
	messageUnauthenticated  = "Authentication required."
	messageInternal         = "Internal server error."
)

type errorMapping struct {
	target  error
	status  int
	message string
}

var accountErrorMappings = []errorMapping{
	{accounts.ErrDuplicateEmail, http.StatusBadRequest, "Email already registered."},
	{accounts.ErrDuplicateUsername, http.StatusBadRequest, "Username already taken."},
	{accounts.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid email or password."},
	{accounts.ErrAccountDeactivated, http.StatusForbidden, "Account is deactivated."},
	{accounts.ErrUnauthenticated, http.StatusUnauthorized, messageUnauthenticated},
	{accounts.ErrRegistrationFailed, http.StatusInternalServerError, "Registration failed. Please try again."},
	{accounts.ErrLoginFailed, http.StatusInternalServerError, "Login failed. Please try again."},
	{accounts.ErrLogoutFailed, http.StatusInternalServerError, "Logout failed."},
	{accounts.ErrProfileUpdateFailed, http.StatusInternalServerError, "Profile update failed."},
}

var oauthErrorMappings = []errorMapping{
	{accounts.ErrMissingCode, http.StatusBadRequest, "Missing authorization code"},
	{accounts.ErrProviderNotConfigured, http.StatusInternalServerError, "Google OAuth not configured"},
	{accounts.ErrTokenExchangeFailed, http.StatusInternalServerError, "Failed to exchange code for tokens"},
	{accounts.ErrInvalidProviderToken, http.StatusInternalServerError, "Invalid token from Google"},
	{accounts.ErrConstraintViolation, http.StatusInternalServerError, "Database constraint violation"},
	{accounts.ErrAccountDeactivated, http.StatusForbidden, "Account is deactivated."},
	{accounts.ErrLoginFailed, http.StatusInternalServerError, "Login failed. Please try again."},
}

// writeAccountError renders a workflow failure as {"message": ...}. Validation
// failures also carry the per-field messages.
func writeAccountError(c *gin.Context, err error) {
	var validationErr *accounts.ValidationError
	if errors.As(err, &validationErr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"message": messageValidationFailed,
			"errors":  validationErr.Fields,
		})
		return
	}
	status, message := resolveError(accountErrorMappings, err)
	c.AbortWithStatusJSON(status, gin.H{"message": message})
}

// writeOAuthError renders a federation failure as {"error": ...}.
func writeOAuthError(c *gin.Context, err error) {
	status, message := resolveError(oauthErrorMappings, err)
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func resolveError(mappings []errorMapping, err error) (int, string) {
	for _, mapping := range mappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.message
		}
	}
	return http.StatusInternalServerError, messageInternal
}
