package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"lonelycare-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
	block   bool
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.topic = topic
	f.payload = payload
	return f.err
}

func TestMQTTChannel_SendPublishesToSubjectTopic(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewAudibleCueChannel(pub, "lonelycare/", 1, zap.NewNop())

	err := ch.Send(context.Background(), "s1", models.LevelDanger, "no activity")
	require.NoError(t, err)
	assert.Equal(t, "lonelycare/s1/cue/audible", pub.topic)

	var payload notifyPayload
	require.NoError(t, json.Unmarshal(pub.payload, &payload))
	assert.Equal(t, "s1", payload.SubjectID)
	assert.Equal(t, "danger", payload.AlertLevel)
	assert.Equal(t, "audible", payload.Cue)
}

func TestMQTTChannel_SendHonorsContextTimeout(t *testing.T) {
	// broker 无响应时发布在超时后返回，不会无限阻塞派发
	pub := &fakePublisher{block: true}
	ch := NewDeviceNotifyChannel(pub, "lonelycare/", 1, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- ch.Send(ctx, "s1", models.LevelEmergency, "no activity")
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after context timeout")
	}
}
