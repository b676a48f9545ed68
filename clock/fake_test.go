package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	var order []string
	c.AfterFunc(50*time.Millisecond, func() { order = append(order, "b") })
	c.AfterFunc(10*time.Millisecond, func() {
		order = append(order, "a")
		c.AfterFunc(10*time.Millisecond, func() { order = append(order, "a2") })
	})
	stopped := c.AfterFunc(20*time.Millisecond, func() { order = append(order, "never") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(30 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2"}, order)
	assert.Equal(t, start.Add(30*time.Millisecond), c.Now())
	assert.Equal(t, 1, c.Pending())

	c.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2", "b"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClockCallbackSeesDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	var seen time.Time
	c.AfterFunc(40*time.Millisecond, func() { seen = c.Now() })
	c.Advance(time.Second)
	assert.Equal(t, start.Add(40*time.Millisecond), seen)
}
