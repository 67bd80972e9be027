package auth

import (
	"testing"

	"github.com/voteflow/auth-service/internal/domain"
)

func TestHasAnyScope(t *testing.T) {
	tests := []struct {
		name     string
		required []domain.UserScope
		actual   []domain.UserScope
		want     bool
	}{
		{
			name:     "exact match",
			required: []domain.UserScope{domain.ScopeAdmin},
			actual:   []domain.UserScope{domain.ScopeAdmin},
			want:     true,
		},
		{
			name:     "or semantics grants on any overlap",
			required: []domain.UserScope{domain.ScopeAdmin, domain.ScopeAuditor},
			actual:   []domain.UserScope{domain.ScopeVoter, domain.ScopeAuditor},
			want:     true,
		},
		{
			name:     "no overlap denies",
			required: []domain.UserScope{domain.ScopeAdmin},
			actual:   []domain.UserScope{domain.ScopeVoter, domain.ScopeGuardian},
			want:     false,
		},
		{
			name:     "empty actual denies",
			required: []domain.UserScope{domain.ScopeAdmin},
			actual:   nil,
			want:     false,
		},
		{
			name:     "empty required denies",
			required: nil,
			actual:   []domain.UserScope{domain.ScopeAdmin},
			want:     false,
		},
		{
			name:     "any-scope gate admits a voter",
			required: domain.AllScopes,
			actual:   []domain.UserScope{domain.ScopeVoter},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasAnyScope(tt.required, tt.actual); got != tt.want {
				t.Fatalf("HasAnyScope(%v, %v) = %v, want %v", tt.required, tt.actual, got, tt.want)
			}
		})
	}
}
