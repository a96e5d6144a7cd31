package db

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atinyakov/keygate/internal/repository"
)

// syncBuffer lets the cleaner goroutine log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartInvalidatedKeyCleaner_Success(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer dbMock.Close()

	mock.ExpectExec("DELETE FROM keys").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	var buf syncBuffer
	logger := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(&buf),
		zapcore.InfoLevel,
	))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartInvalidatedKeyCleaner(ctx, repository.NewPostgresKeyRepository(dbMock), 10*time.Millisecond, time.Hour, logger)

	time.Sleep(200 * time.Millisecond)
	cancel()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
	if !strings.Contains(buf.String(), "purged invalidated keys") {
		t.Errorf("expected purge log, got:\n%s", buf.String())
	}
}

func TestStartInvalidatedKeyCleaner_ErrorLogged(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer dbMock.Close()

	mock.ExpectExec("DELETE FROM keys").
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(fmt.Errorf("db fail"))

	var buf syncBuffer
	logger := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(&buf),
		zapcore.ErrorLevel,
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartInvalidatedKeyCleaner(ctx, repository.NewPostgresKeyRepository(dbMock), 10*time.Millisecond, time.Hour, logger)

	time.Sleep(200 * time.Millisecond)
	cancel()

	out := buf.String()
	if !strings.Contains(out, "failed to purge invalidated keys") {
		t.Errorf("expected error log, got:\n%s", out)
	}
}

type countingPurger struct {
	mu     sync.Mutex
	cutoff []time.Time
}

func (c *countingPurger) PurgeInvalidated(_ context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cutoff = append(c.cutoff, cutoff)
	return 0, nil
}

func (c *countingPurger) calls() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.cutoff...)
}

func TestStartInvalidatedKeyCleaner_Retention(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	StartInvalidatedKeyCleaner(ctx, p, 10*time.Millisecond, time.Hour, zap.NewNop())
	time.Sleep(50 * time.Millisecond)
	cancel()

	calls := p.calls()
	if len(calls) == 0 {
		t.Fatal("purger never called")
	}
	if want := start.Add(-time.Hour); calls[0].Before(want) {
		t.Errorf("cutoff %v is older than retention allows (%v)", calls[0], want)
	}
}

func TestStartInvalidatedKeyCleaner_CancelBeforeTicker(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())

	StartInvalidatedKeyCleaner(ctx, p, 100*time.Millisecond, time.Hour, zap.NewNop())
	cancel()

	time.Sleep(150 * time.Millisecond)

	if n := len(p.calls()); n != 0 {
		t.Errorf("purger called %d times after cancel", n)
	}
}
