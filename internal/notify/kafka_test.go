package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed++
	return nil
}

func sampleNotice() channel.Notice {
	return channel.Notice{
		Recipient: "ops",
		Nickname:  "anonymous",
		Title:     "Invalid channel (taobao)",
		URL:       "https://app.test/missing",
		Link:      "https://app.test/missing",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Category:  channel.AnomalyCategory,
		Remark:    "curl/8.0 1.2.3.4",
	}
}

func TestKafkaNotifier_Publishes(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w, "auth.anomaly.v1", zaptest.NewLogger(t))

	require.NoError(t, n.Notify(context.Background(), sampleNotice()))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	require.Equal(t, "https://app.test/missing", string(msg.Key))

	var decoded channel.Notice
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, sampleNotice(), decoded)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, channel.AnomalyCategory, headers["category"])
	require.Equal(t, "ops", headers["recipient"])
	require.NotEmpty(t, headers["notice_id"])
}

func TestKafkaNotifier_WriteFailureAndClose(t *testing.T) {
	w := &fakeWriter{err: errors.New("no brokers")}
	n := newKafkaNotifier(w, "auth.anomaly.v1", nil)

	require.Error(t, n.Notify(context.Background(), sampleNotice()))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	require.Equal(t, 1, w.closed)
	require.ErrorIs(t, n.Notify(context.Background(), sampleNotice()), ErrClosed)
}

func TestLogNotifier(t *testing.T) {
	require.NoError(t, NewLogNotifier(zaptest.NewLogger(t)).Notify(context.Background(), sampleNotice()))
}
