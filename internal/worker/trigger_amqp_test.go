package worker

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcker struct {
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

func TestTriggerConsumer_Handle(t *testing.T) {
	trigger := &countingTrigger{}
	c := &TriggerConsumer{queue: DefaultTriggerQueue, target: trigger}
	acker := &fakeAcker{}

	body, err := json.Marshal(TriggerMessage{Source: "api-1", At: time.Now()})
	require.NoError(t, err)

	c.handle(amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body})
	c.handle(amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("not json")})

	assert.Equal(t, int32(2), trigger.n.Load(), "malformed wake-ups still drain")
	assert.Equal(t, []uint64{1, 2}, acker.acked)
	assert.Empty(t, acker.nacked)
}
