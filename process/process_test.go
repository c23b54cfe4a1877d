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

package process_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/ledgerd/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestUnexpectedExit(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireBinary(t, "true")
	err := process.Run(
		context.Background(),
		process.Spec{Name: "true", Path: "true"},
		make(chan chan struct{}),
	)
	require.ErrorIs(t, err, process.ErrUnexpectedExit)
}

func TestAbortStopsChild(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireBinary(t, "sleep")
	p, err := process.Start(process.Spec{
		Name:        "sleep",
		Path:        "sleep",
		Args:        []string{"30"},
		GracePeriod: time.Second,
	})
	require.NoError(t, err)

	abort := make(chan chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Monitor(context.Background(), abort)
	}()
	ack := make(chan struct{})
	abort <- ack
	select {
	case <-ack:
	case <-time.After(5 * time.Second):
		t.Fatal("abort was not acknowledged")
	}
	require.NoError(t, <-errCh)
	select {
	case <-p.Exited():
	default:
		t.Fatal("child still running after ack")
	}
}

func TestMissingBinary(t *testing.T) {
	_, err := process.Start(process.Spec{Path: "ledgerd-no-such-binary"})
	require.ErrorIs(t, err, process.ErrNotFound)
}

func TestContextCancelStopsChild(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireBinary(t, "sleep")
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- process.Run(ctx, process.Spec{Path: "sleep", Args: []string{"30"}}, nil)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(15 * time.Second):
		t.Fatal("process did not stop")
	}
}

func TestAbortWithBackgroundedGrandchild(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireBinary(t, "sh")
	requireBinary(t, "sleep")
	// the grandchild ignores SIGINT and inherits the output pipes
	p, err := process.Start(process.Spec{
		Name:        "sh",
		Path:        "sh",
		Args:        []string{"-c", "sleep 8 & wait"},
		GracePeriod: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	abort := make(chan chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Monitor(context.Background(), abort)
	}()
	start := time.Now()
	ack := make(chan struct{})
	abort <- ack
	select {
	case <-ack:
	case <-time.After(4 * time.Second):
		t.Fatal("abort was not acknowledged")
	}
	assert.Less(t, time.Since(start), 4*time.Second)
	require.NoError(t, <-errCh)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var ret []map[string]any
	dec := json.NewDecoder(bytes.NewReader(b.buf.Bytes()))
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		ret = append(ret, rec)
	}
	return ret
}

func TestOutputIsLoggedByLine(t *testing.T) {
	defer goleak.VerifyNone(t)
	requireBinary(t, "sh")
	var out syncBuffer
	logger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p, err := process.Start(process.Spec{
		Name:   "sh",
		Path:   "sh",
		Args:   []string{"-c", "echo one; echo two >&2; printf tail"},
		Logger: logger,
	})
	require.NoError(t, err)
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	got := map[string]string{}
	for _, rec := range out.records(t) {
		if rec["component"] != "sh" {
			continue
		}
		msg, _ := rec["msg"].(string)
		level, _ := rec["level"].(string)
		got[msg] = level
	}
	assert.Equal(t, "INFO", got["one"])
	assert.Equal(t, "WARN", got["two"])
	assert.Equal(t, "INFO", got["tail"])
}
