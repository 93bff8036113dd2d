package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

func TestRequiredProfilesExist(t *testing.T) {
	t.Parallel()
	s := NewSettings()
	for _, name := range []string{"balanced", "stealth", "browser_tls", "none", "custom"} {
		require.NoError(t, s.Apply(Update{Profile: name}), name)
		assert.Equal(t, name, s.Current())
	}
}

func TestUnknownProfileRejected(t *testing.T) {
	t.Parallel()
	s := NewSettings()
	err := s.Apply(Update{Profile: "cloak"})
	require.Error(t, err)
	assert.Equal(t, scraperr.CodeInvalidProfile, scraperr.CodeOf(err))
	assert.Equal(t, "balanced", s.Current())
}

func TestRateDelayBounds(t *testing.T) {
	t.Parallel()
	s := NewSettings()
	err := s.Apply(Update{RateDelay: 61 * time.Second})
	assert.Equal(t, scraperr.CodeInvalidRateLimit, scraperr.CodeOf(err))
	err = s.Apply(Update{RateDelay: 50 * time.Millisecond})
	assert.Equal(t, scraperr.CodeInvalidRateLimit, scraperr.CodeOf(err))

	require.NoError(t, s.Apply(Update{RateDelay: 500 * time.Millisecond}))
	assert.Equal(t, 500*time.Millisecond, s.RateDelay())
}

func TestMaxResponseCharsBounds(t *testing.T) {
	t.Parallel()
	s := NewSettings()
	err := s.Apply(Update{MaxResponseChars: 10})
	assert.Equal(t, scraperr.CodeInvalidMaxResponseChars, scraperr.CodeOf(err))
	err = s.Apply(Update{MaxResponseChars: 2_000_000})
	assert.Equal(t, scraperr.CodeInvalidMaxResponseChars, scraperr.CodeOf(err))

	require.NoError(t, s.Apply(Update{MaxResponseChars: 5000}))
	assert.Equal(t, 5000, s.MaxChars())
}

func TestStealthRotatesUserAgent(t *testing.T) {
	t.Parallel()
	s := NewSettings()
	require.NoError(t, s.Apply(Update{Profile: "stealth"}))

	seen := make(map[string]bool)
	for i := 0; i < len(stealthAgents); i++ {
		seen[s.Snapshot().UserAgent] = true
	}
	assert.Greater(t, len(seen), 1, "stealth should rotate through its pool")
}

func TestCustomProfileUsesCallerValues(t *testing.T) {
	t.Parallel()
	s := NewSettings()
	require.NoError(t, s.Apply(Update{
		Profile:         "custom",
		CustomHeaders:   map[string]string{"X-Client": "acme"},
		CustomUserAgent: "acme-bot/2.0",
	}))
	snap := s.Snapshot()
	assert.Equal(t, "acme-bot/2.0", snap.UserAgent)
	assert.Equal(t, "acme", snap.Headers["X-Client"])
}

func TestRespectRobotsToggle(t *testing.T) {
	t.Parallel()
	s := NewSettings()
	assert.True(t, s.RespectRobots())
	off := false
	require.NoError(t, s.Apply(Update{RespectRobots: &off}))
	assert.False(t, s.RespectRobots())
}
