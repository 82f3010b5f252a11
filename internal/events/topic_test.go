package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicDeliversInRegistrationOrder(t *testing.T) {
	var topic Topic[int]
	var got []string

	topic.Subscribe(func(v int) { got = append(got, "a") })
	topic.Subscribe(func(v int) { got = append(got, "b") })
	topic.Subscribe(func(v int) { got = append(got, "c") })

	topic.Publish(1)

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTopicUnsubscribe(t *testing.T) {
	var topic Topic[string]
	var got []string

	topic.Subscribe(func(v string) { got = append(got, "first:"+v) })
	unsub := topic.Subscribe(func(v string) { got = append(got, "second:"+v) })
	topic.Subscribe(func(v string) { got = append(got, "third:"+v) })

	unsub()
	unsub() // second call is a no-op
	topic.Publish("x")

	assert.Equal(t, []string{"first:x", "third:x"}, got)
	assert.Equal(t, 2, topic.Len())
}

func TestTopicMutationDuringPublish(t *testing.T) {
	var topic Topic[int]
	var got []int
	var unsubLater func()

	topic.Subscribe(func(v int) {
		got = append(got, v)
		unsubLater()
		topic.Subscribe(func(v int) { got = append(got, v*100) })
	})
	unsubLater = topic.Subscribe(func(v int) { got = append(got, v*10) })

	topic.Publish(1)
	assert.Equal(t, []int{1}, got, "listener removed mid-delivery is skipped, new one waits")

	got = nil
	topic.Publish(2)
	assert.Equal(t, []int{2, 200}, got)
}
