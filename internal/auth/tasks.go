package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

var (
	ErrTasksNotConfigured = errors.New("task invoker is not configured")
	ErrMissingBearer      = errors.New("missing bearer token")
	ErrWrongInvoker       = errors.New("token was not issued to the task invoker")
)

// TaskVerifier authorizes calls to the /tasks endpoints. Callers present a
// Google-signed ID token whose email must equal the configured invoker.
type TaskVerifier struct {
	verifier *oidc.IDTokenVerifier
	invoker  string
	skip     bool
}

// NewTaskVerifier discovers the Google issuer. An empty audience accepts
// tokens minted for any audience. When skip is set (development) no checks are
// made and no discovery happens.
func NewTaskVerifier(ctx context.Context, invoker, audience string, skip bool) (*TaskVerifier, error) {
	if skip {
		return &TaskVerifier{skip: true}, nil
	}
	provider, err := oidc.NewProvider(ctx, GoogleIssuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}
	return newTaskVerifier(provider.Verifier(taskVerifierConfig(audience)), invoker), nil
}

func taskVerifierConfig(audience string) *oidc.Config {
	return &oidc.Config{ClientID: audience, SkipClientIDCheck: audience == ""}
}

func newTaskVerifier(verifier *oidc.IDTokenVerifier, invoker string) *TaskVerifier {
	return &TaskVerifier{verifier: verifier, invoker: strings.TrimSpace(invoker)}
}

// Verify checks an Authorization header value. It fails closed when no
// invoker is configured.
func (v *TaskVerifier) Verify(ctx context.Context, authorization string) error {
	if v.skip {
		return nil
	}
	if v.invoker == "" {
		return ErrTasksNotConfigured
	}

	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return ErrMissingBearer
	}

	claims, err := verifyClaims(ctx, v.verifier, strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if !strings.EqualFold(claims.Email, v.invoker) {
		return fmt.Errorf("%w: %s", ErrWrongInvoker, claims.Email)
	}
	return nil
}

// RequireTaskToken is a middleware guarding the task endpoints.
func RequireTaskToken(v *TaskVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := v.Verify(c.Request.Context(), c.GetHeader("Authorization"))
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, ErrMissingBearer):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		}
	}
}
