package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeRejectsDuplicateName(t *testing.T) {
	b := NewBus()
	_, err := b.Subscribe(TagBufferingStart, "ui", func(Event) {}, true)
	require.NoError(t, err)

	_, err = b.Subscribe(TagBufferingStart, "ui", func(Event) {}, true)
	assert.ErrorIs(t, err, ErrDuplicateListener)

	// same name on another tag is fine
	_, err = b.Subscribe(TagBufferingComplete, "ui", func(Event) {}, true)
	assert.NoError(t, err)
}

func TestTypedDeliveryInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var got []string
	_, err := On(b, "first", func(e SourceDowngrade) { got = append(got, "first") }, false)
	require.NoError(t, err)
	_, err = On(b, "second", func(e SourceDowngrade) {
		got = append(got, "second")
		assert.Equal(t, 900, e.CapKbps)
	}, true)
	require.NoError(t, err)

	b.Publish(SourceDowngrade{CapKbps: 900})
	b.Publish(BufferingStart{})
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestSystemListenersSurviveRemoval(t *testing.T) {
	b := NewBus()
	sys := MustOn(b, "playback", func(ServerDisconnect) {})
	user, err := On(b, "shell", func(ServerDisconnect) {}, true)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Unsubscribe(sys), ErrNotRemovable)
	require.NoError(t, b.Unsubscribe(user))
	assert.ErrorIs(t, b.Unsubscribe(user), ErrUnknownListener)

	_, err = On(b, "shell", func(ServerDisconnect) {}, true)
	require.NoError(t, err)
	b.RemoveAll()
	assert.Equal(t, 1, b.Count(TagServerDisconnect))
	assert.Equal(t, []Tag{TagServerDisconnect}, b.Tags())
}

func TestListenerRemovedDuringPublishIsSkipped(t *testing.T) {
	b := NewBus()
	calls := 0
	var second ListenerID
	_, err := On(b, "a", func(PlaybackStop) {
		calls++
		require.NoError(t, b.Unsubscribe(second))
	}, true)
	require.NoError(t, err)
	second, err = On(b, "b", func(PlaybackStop) { calls++ }, true)
	require.NoError(t, err)

	b.Publish(PlaybackStop{})
	assert.Equal(t, 1, calls)
	assert.NoError(t, b.UnsubscribeName(TagPlaybackStop, "a"))
}
