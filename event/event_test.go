// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blinklabs-io/ledgerd/event"
	"github.com/blinklabs-io/ledgerd/types"
)

const testEvtType event.EventType = "test.event"

func TestEventBusMultipleSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := event.NewEventBus(prometheus.NewRegistry(), nil)
	defer eb.Stop()
	_, sub1Ch := eb.Subscribe(testEvtType)
	_, sub2Ch := eb.Subscribe(testEvtType)
	eb.Publish(event.NewEvent(testEvtType, 999))
	for _, ch := range []<-chan event.Event{sub1Ch, sub2Ch} {
		select {
		case evt, ok := <-ch:
			require.True(t, ok)
			assert.Equal(t, 999, evt.Data)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := event.NewEventBus(nil, nil)
	defer eb.Stop()
	subId, subCh := eb.Subscribe(testEvtType)
	eb.Unsubscribe(testEvtType, subId)
	eb.Publish(event.NewEvent(testEvtType, 1))
	_, ok := <-subCh
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := event.NewEventBus(nil, nil)
	defer eb.Stop()
	_, subCh := eb.Subscribe(testEvtType)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range event.EventQueueSize * 3 {
			eb.Publish(event.NewEvent(testEvtType, i))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, subCh, event.EventQueueSize)
}

func TestEventBusAsync(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := event.NewEventBus(nil, nil)
	var count atomic.Int32
	eb.SubscribeFunc(event.BlockCommittedEventType, func(evt event.Event) {
		if _, ok := evt.Data.(event.BlockCommittedEvent); ok {
			count.Add(1)
		}
	})
	for i := range 5 {
		require.True(t, eb.PublishAsync(event.NewEvent(
			event.BlockCommittedEventType,
			event.BlockCommittedEvent{Height: types.Height(i)},
		)))
	}
	require.Eventually(t, func() bool {
		return count.Load() == 5
	}, time.Second, 5*time.Millisecond)
	eb.Stop()
	eb.Stop()
	assert.False(t, eb.PublishAsync(event.NewEvent(testEvtType, nil)))
}
