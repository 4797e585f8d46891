package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/pagebrain/capd/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receiveOne(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return Message{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New(zaptest.NewLogger(t), 8)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(schemas.ActionCaptureProgress)
	defer unsubscribe()

	b.Publish(schemas.ActionCaptureProgress, schemas.ProgressEvent{TaskID: "1", Percentage: 10, Status: "Preparing content..."})

	msg := receiveOne(t, ch)
	assert.Equal(t, schemas.ActionCaptureProgress, msg.Event.Action)
	assert.NotEmpty(t, msg.ID)

	progress, ok := msg.Event.Data.(schemas.ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, 10, progress.Percentage)
}

func TestSubscribe_OnlyRequestedActions(t *testing.T) {
	b := New(zaptest.NewLogger(t), 8)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(schemas.ActionCaptureComplete)
	defer unsubscribe()

	b.Publish(schemas.ActionCaptureProgress, nil)
	b.Publish(schemas.ActionCaptureComplete, schemas.CaptureResult{TaskID: "42"})

	msg := receiveOne(t, ch)
	assert.Equal(t, schemas.ActionCaptureComplete, msg.Event.Action)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra message: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_DropsWhenSubscriberFull(t *testing.T) {
	b := New(zaptest.NewLogger(t), 1)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(schemas.ActionCaptureProgress)
	defer unsubscribe()

	// Nothing reads the channel, so only the first publish fits. The rest
	// must be dropped without blocking this goroutine.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(schemas.ActionCaptureProgress, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	msg := receiveOne(t, ch)
	assert.Equal(t, 0, msg.Event.Data)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New(zaptest.NewLogger(t), 8)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(schemas.ActionChatResponse)
	unsubscribe()
	// Idempotent.
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(schemas.ActionChatResponse, nil)
}

func TestShutdown_ClosesSubscribers(t *testing.T) {
	b := New(zaptest.NewLogger(t), 8)

	first, _ := b.Subscribe(schemas.ActionCaptureProgress)
	second, _ := b.Subscribe(schemas.ActionCaptureProgress, schemas.ActionCaptureComplete)

	b.Shutdown()

	_, open := <-first
	assert.False(t, open)
	_, open = <-second
	assert.False(t, open)
}
