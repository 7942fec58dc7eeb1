package notify

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestHubPublishAndUnsubscribe(t *testing.T) {
	h := NewHub()

	var a, b []string
	cancelA := h.Subscribe(func(e Event) { a = append(a, e.Topic) })
	cancelB := h.Subscribe(func(e Event) { b = append(b, e.Topic) })
	defer cancelB()

	h.Publish(Event{Topic: TopicFocus})
	assert.Equal(t, []string{TopicFocus}, a)
	assert.Equal(t, []string{TopicFocus}, b)

	cancelA()
	h.Publish(Event{Topic: TopicOnline})
	assert.Equal(t, []string{TopicFocus}, a, "canceled subscriber gets nothing")
	assert.Equal(t, []string{TopicFocus, TopicOnline}, b)

	cancelA() // cancel is idempotent
}

func TestTopicResource(t *testing.T) {
	assert.Equal(t, "resource:animals", TopicResource("animals"))
	assert.NotEqual(t, TopicResource("animals"), TopicResource("vaccines"))
}

func TestDeduperWindow(t *testing.T) {
	d := NewDeduper(10*time.Second, zerolog.Nop())
	base := time.Now()
	d.now = func() time.Time { return base }

	var emitted []string
	d.SetSink(func(key, message string) { emitted = append(emitted, message) })

	assert.True(t, d.Notify("animals:rate_limited", "slow down"))
	assert.False(t, d.Notify("animals:rate_limited", "slow down"), "duplicate inside window suppressed")
	assert.True(t, d.Notify("animals:network", "offline"), "different keys are independent")

	base = base.Add(11 * time.Second)
	assert.True(t, d.Notify("animals:rate_limited", "slow down"), "window elapsed")

	assert.Equal(t, []string{"slow down", "offline", "slow down"}, emitted)
}
