package cancel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToken_RequestCancel(t *testing.T) {
	tok := New(context.Background())
	assert.False(t, tok.Requested())
	assert.NoError(t, tok.Context().Err())

	tok.RequestCancel()

	assert.True(t, tok.Requested())
	assert.ErrorIs(t, tok.Context().Err(), context.Canceled)
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestToken_RequestCancelIdempotent(t *testing.T) {
	tok := New(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.RequestCancel()
		}()
	}
	wg.Wait()

	assert.True(t, tok.Requested())
}

func TestToken_ParentCancelIsNotRequest(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	tok := New(parent)
	cancel()

	assert.Error(t, tok.Context().Err())
	assert.False(t, tok.Requested())
}

func TestToken_Release(t *testing.T) {
	tok := New(context.Background())
	tok.Release()

	assert.Error(t, tok.Context().Err())
	assert.False(t, tok.Requested())
}

func TestToken_Bind(t *testing.T) {
	tok := New(context.Background())
	ctx, stop := tok.Bind(context.Background())
	defer stop()

	assert.NoError(t, ctx.Err())
	tok.RequestCancel()
	assert.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, time.Millisecond)
}

func TestToken_BindParentEnds(t *testing.T) {
	tok := New(context.Background())
	defer tok.Release()
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := tok.Bind(parent)
	defer stop()

	cancel()
	assert.Error(t, ctx.Err())
	assert.False(t, tok.Requested())
}

func TestToken_BindNil(t *testing.T) {
	var tok *Token
	ctx, stop := tok.Bind(context.Background())
	defer stop()
	assert.NoError(t, ctx.Err())
}
