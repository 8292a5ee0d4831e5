// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockAdvance(t *testing.T) {
	m := NewMock()
	start := m.Now()

	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())
	assert.Equal(t, 90*time.Second, m.Since(start))
}

func TestMockSet(t *testing.T) {
	m := NewMock()
	pin := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	m.Set(pin)
	require.Equal(t, pin, m.Now())
	assert.Zero(t, m.Since(pin))
}

func TestMockIsStableWithoutAdvance(t *testing.T) {
	m := NewMock()
	a := m.Now()
	b := m.Now()
	assert.Equal(t, a, b, "mock time must not move on its own")
}

func TestMockConcurrentAdvance(t *testing.T) {
	m := NewMock()
	start := m.Now()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Advance(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, time.Second, m.Now().Sub(start))
}

func TestSystemClockMovesForward(t *testing.T) {
	a := System.Now()
	b := System.Now()
	require.False(t, b.Before(a))
}
