package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnrollment struct {
	mu  sync.Mutex
	gen string
	err error
}

func (f *fakeEnrollment) Enrollment(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen, f.err
}

func (f *fakeEnrollment) set(gen string, err error) {
	f.mu.Lock()
	f.gen, f.err = gen, err
	f.mu.Unlock()
}

func TestStartEnrollmentWatch(t *testing.T) {
	src := &fakeEnrollment{gen: "g1"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan [2]string, 4)
	errs := make(chan error, 16)
	StartEnrollmentWatch(ctx, src, 5*time.Millisecond,
		func(prev, next string) { changes <- [2]string{prev, next} },
		func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	)

	time.Sleep(20 * time.Millisecond)
	src.set("", errors.New("authd down"))
	select {
	case err := <-errs:
		assert.EqualError(t, err, "authd down")
	case <-time.After(time.Second):
		t.Fatal("error not reported")
	}

	src.set("g2", nil)
	select {
	case c := <-changes:
		assert.Equal(t, [2]string{"g1", "g2"}, c, "errors do not reset the baseline")
	case <-time.After(time.Second):
		t.Fatal("change not reported")
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	src.set("g3", nil)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, changes)
}
