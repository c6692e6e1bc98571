package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
	"github.com/R3E-Network/pricewatch/internal/httputil"
	"github.com/R3E-Network/pricewatch/pkg/logger"
)

func sampleEvent() Event {
	return EventFromDue(pricehistory.DueNotification{
		SubscriptionKey: pricehistory.SubscriptionKey{SubscriberID: "S", ItemID: 570, TenantID: "guild"},
		ItemName:        "Game",
		NotifyThreshold: 50,
		DiscountPercent: 70,
		FinalPrice:      300,
		InitialPrice:    1000,
		Currency:        "USD",
		ObservedAt:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
}

func TestEventFromDue(t *testing.T) {
	ev := sampleEvent()
	assert.Equal(t, "S", ev.SubscriberID)
	assert.Equal(t, 70, ev.DiscountPercent)
	assert.Equal(t, "$3.00 (-70%), Save $7.00", ev.PriceText)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewDefault("notify")
	log.SetOutput(&buf)

	require.NoError(t, NewLogSink(log).Deliver(context.Background(), sampleEvent()))
	assert.Contains(t, buf.String(), "subscriber_id=S")
	assert.Contains(t, buf.String(), "discount notification")
}

func TestWebhookSink(t *testing.T) {
	var got Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.SubscriberID == "fail" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink := NewWebhookSink(httputil.NewClient(httputil.ClientConfig{}), server.URL)
	require.NoError(t, sink.Deliver(context.Background(), sampleEvent()))
	assert.Equal(t, int64(570), got.ItemID)

	bad := sampleEvent()
	bad.SubscriberID = "fail"
	err := sink.Deliver(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "400"))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(writer, "discount_notifications")

	require.NoError(t, sink.Deliver(context.Background(), sampleEvent()))
	require.Len(t, writer.msgs, 1)
	assert.Equal(t, []byte("S"), writer.msgs[0].Key)

	var ev Event
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &ev))
	assert.Equal(t, 70, ev.DiscountPercent)

	writer.err = errors.New("broker down")
	assert.Error(t, sink.Deliver(context.Background(), sampleEvent()))
	require.NoError(t, sink.Close())
}

func TestNewKafkaSinkBuildsWriter(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "topic")
	w, ok := sink.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "topic", w.Topic)
	require.NoError(t, sink.Close())
}
