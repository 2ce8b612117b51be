package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	ch := c.After(time.Hour)
	require.Equal(t, 1, c.Waiters())

	c.Advance(59 * time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Minute)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(time.Hour), fired)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestFakeNonPositiveDurationFiresImmediately(t *testing.T) {
	c := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

func TestRealNowIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Real{}.Now().Location())
}
