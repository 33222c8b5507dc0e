// ABOUTME: Tests for the serial executor
// ABOUTME: Submission order on a real pool, non-blocking submit and panic recovery

package workpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerial_KeepsOrderOnPool(t *testing.T) {
	p := New(4, 16, nil)
	defer p.Close()
	s := NewSerial(p)

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		s.Go(func() {
			defer wg.Done()
			if i%3 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestSerial_GoDoesNotWaitForRunningTask(t *testing.T) {
	p := New(2, 4, nil)
	defer p.Close()
	s := NewSerial(p)

	block := make(chan struct{})
	started := make(chan struct{})
	s.Go(func() {
		close(started)
		<-block
	})
	<-started

	second := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		s.Go(func() { close(second) })
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Go blocked behind a running task")
	}
	select {
	case <-second:
		t.Fatal("second task overtook the first")
	default:
	}

	close(block)
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second task never ran")
	}
}

func TestSerial_SurvivesPanic(t *testing.T) {
	s := NewSerial(Inline)

	ran := false
	s.Go(func() { panic("boom") })
	s.Go(func() { ran = true })
	require.True(t, ran)
}
