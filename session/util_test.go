package session

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackListOrder(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	aId := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 2, 3})

	callbacks.Remove(aId)
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{2, 3})
}

func TestCallbackListRemoveAbsent(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	callbacks.Add(func() {})

	// removing an unregistered id is a no-op
	callbacks.Remove(NewId())
	assert.Equal(t, callbacks.Len(), 1)

	// removing twice is a no-op
	bId := callbacks.Add(func() {})
	callbacks.Remove(bId)
	callbacks.Remove(bId)
	assert.Equal(t, callbacks.Len(), 1)
}

func TestCallbackListSnapshot(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	callbacks.Add(func() {})

	snapshot := callbacks.Get()
	callbacks.Add(func() {})

	// the snapshot does not see later registrations
	assert.Equal(t, len(snapshot), 1)
	assert.Equal(t, callbacks.Len(), 2)
}
