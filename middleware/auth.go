package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	appctx "github.com/sunupay/sunupay/utils/context"
)

var tokenList = strings.Split(os.Getenv("TOKEN_LIST"), ",")

// BearerToken extracts the bearer token from the authorization header
// and stashes it on the request context
func BearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string

		bearer := r.Header.Get("Authorization")

		if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
			token = bearer[7:]
		}
		ctx := context.WithValue(r.Context(), appctx.CTXKey("bearer.token"), token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isSimpleTokenValid(list []string, token string) bool {
	if token == "" {
		return false
	}
	for _, validToken := range list {
		// NOTE token length information is leaked even with subtle.ConstantTimeCompare
		if subtle.ConstantTimeCompare([]byte(validToken), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// SimpleTokenAuthorizedOnly requires a valid service token
func SimpleTokenAuthorizedOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token, ok := ctx.Value(appctx.CTXKey("bearer.token")).(string)
		if !ok || !isSimpleTokenValid(tokenList, token) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OperatorRoles pulls the authenticated operator and role claims from
// gateway-injected headers. The upstream api gateway performs the
// actual authentication; we only honor its verdict here.
func OperatorRoles(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		operator := r.Header.Get("X-Operator-ID")
		roles := []string{}
		if raw := r.Header.Get("X-Operator-Roles"); len(raw) > 0 {
			for _, role := range strings.Split(raw, ",") {
				roles = append(roles, strings.TrimSpace(role))
			}
		}
		ctx = context.WithValue(ctx, appctx.OperatorCTXKey, operator)
		ctx = context.WithValue(ctx, appctx.OperatorRolesCTXKey, roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RolesFromContext returns the operator role claims, empty when unauthenticated
func RolesFromContext(ctx context.Context) []string {
	roles, ok := ctx.Value(appctx.OperatorRolesCTXKey).([]string)
	if !ok {
		return nil
	}
	return roles
}

// OperatorFromContext returns the authenticated operator id
func OperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(appctx.OperatorCTXKey).(string)
	return operator
}

// RoleAuthorizedOnly admits requests whose operator holds at least one
// of the allowed roles
func RoleAuthorizedOnly(next http.Handler, allowed ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roles := RolesFromContext(r.Context())
		for _, role := range roles {
			for _, a := range allowed {
				if role == a {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
