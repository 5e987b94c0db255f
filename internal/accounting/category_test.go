package accounting

import (
	"testing"

	"example.com/workoutsync/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestResolverPrecedence(t *testing.T) {
	r := NewResolver(nil)

	byType := r.Resolve(domain.Activity{Type: "Running"})
	require.Equal(t, domain.CategoryCardio, byType.Category)
	require.False(t, byType.Ambiguous)

	custom := r.Resolve(domain.Activity{Type: "running", Hints: domain.Hints{CustomCategory: domain.CategoryRecovery}})
	require.Equal(t, domain.CategoryRecovery, custom.Category)

	both := r.Resolve(domain.Activity{Type: "yoga", Hints: domain.Hints{
		CategoryOverride: domain.CategoryLifts,
		CustomCategory:   domain.CategoryRecovery,
	}})
	require.Equal(t, domain.CategoryLifts, both.Category)
	require.Equal(t, domain.CategoryRecovery, both.Display)
	require.True(t, both.Ambiguous)
}

func TestResolverSubtypeAndFallback(t *testing.T) {
	r := NewResolver(nil)
	require.Equal(t, domain.CategoryLifts, r.Resolve(domain.Activity{Type: "yoga", Subtype: "power"}).Category)
	require.Equal(t, domain.CategoryRecovery, r.Resolve(domain.Activity{Type: "yoga", Subtype: "yin"}).Category)
	require.Equal(t, domain.CategoryCardio, r.Resolve(domain.Activity{Type: "dance"}).Category)

	// unknown override values are skipped rather than trusted
	require.Equal(t, domain.CategoryRecovery, r.Resolve(domain.Activity{
		Type:  "pilates",
		Hints: domain.Hints{CategoryOverride: "zumba"},
	}).Category)
}
