package auth

import "github.com/voteflow/auth-service/internal/domain"

// HasAnyScope reports whether the caller's scope set intersects the
// required set. Access is granted when at least one required role is held
// (OR semantics). An empty required set denies: every guarded operation
// must name the roles it admits.
func HasAnyScope(required, actual []domain.UserScope) bool {
	if len(required) == 0 {
		return false
	}
	for _, want := range required {
		for _, have := range actual {
			if want == have {
				return true
			}
		}
	}
	return false
}
