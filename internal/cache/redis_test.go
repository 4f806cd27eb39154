package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davefmurray/tm-fastapi-backend/internal/logging"
)

// scripted answers commands in-process through a go-redis hook, so the
// client never dials.
type scripted struct {
	mu    sync.Mutex
	calls []call
	reply func(cmd redis.Cmder)
}

type call struct {
	name   string
	args   []any
	ctxErr error
}

func (s *scripted) DialHook(next redis.DialHook) redis.DialHook { return next }

func (s *scripted) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		s.mu.Lock()
		s.calls = append(s.calls, call{name: cmd.Name(), args: cmd.Args(), ctxErr: ctx.Err()})
		s.mu.Unlock()
		s.reply(cmd)
		return cmd.Err()
	}
}

func (s *scripted) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (s *scripted) recorded() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func newScripted(t *testing.T, reply func(cmd redis.Cmder)) (*Redis, *scripted) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	hook := &scripted{reply: reply}
	client.AddHook(hook)
	return Wrap(client, "", logging.Discard()), hook
}

func TestKeyUsesPrefix(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	r := Wrap(client, "", logging.Discard())
	assert.Equal(t, "tmsync:rates:42", r.Key("rates", "42"))

	r = Wrap(client, "shopA", logging.Discard())
	assert.Equal(t, "shopA:lock:42:repair_orders", r.Key("lock", "42", "repair_orders"))
}

func TestGetJSON(t *testing.T) {
	store := map[string]string{"tmsync:rates:1": `{"default_cents":2500}`}
	r, _ := newScripted(t, func(cmd redis.Cmder) {
		get, ok := cmd.(*redis.StringCmd)
		if !ok {
			cmd.SetErr(errors.New("unexpected command"))
			return
		}
		key, _ := cmd.Args()[1].(string)
		switch v, hit := store[key]; {
		case key == "tmsync:broken":
			get.SetErr(errors.New("connection reset by peer"))
		case hit:
			get.SetVal(v)
		default:
			get.SetErr(redis.Nil)
		}
	})
	ctx := context.Background()

	var book struct {
		DefaultCents int64 `json:"default_cents"`
	}
	found, err := r.GetJSON(ctx, r.Key("rates", "1"), &book)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2500), book.DefaultCents)

	found, err = r.GetJSON(ctx, r.Key("rates", "2"), &book)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = r.GetJSON(ctx, r.Key("broken"), &book)
	require.Error(t, err)
	assert.False(t, found)
	assert.False(t, errors.Is(err, redis.Nil))
}

func TestSetJSONAndDelete(t *testing.T) {
	r, hook := newScripted(t, func(cmd redis.Cmder) {
		switch c := cmd.(type) {
		case *redis.StatusCmd:
			c.SetVal("OK")
		case *redis.IntCmd:
			c.SetVal(1)
		}
	})
	ctx := context.Background()

	require.NoError(t, r.SetJSON(ctx, r.Key("shop", "1"), map[string]string{"tz": "America/New_York"}, time.Minute))
	require.NoError(t, r.Delete(ctx))
	require.NoError(t, r.Delete(ctx, r.Key("shop", "1")))

	calls := hook.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "set", calls[0].name)
	assert.Equal(t, "tmsync:shop:1", calls[0].args[1])
	assert.Equal(t, `{"tz":"America/New_York"}`, string(calls[0].args[2].([]byte)))
	assert.Equal(t, "del", calls[1].name)
}

// obtainArgs is the argument count of the obtain script call: evalsha, sha,
// numkeys, key, value, token length, ttl.
const obtainArgs = 7

func TestLockObtainsAndReleasesOnFreshContext(t *testing.T) {
	r, hook := newScripted(t, func(cmd redis.Cmder) {
		c := cmd.(*redis.Cmd)
		if len(cmd.Args()) == obtainArgs {
			c.SetVal("OK")
			return
		}
		c.SetVal(int64(1))
	})
	ctx, cancel := context.WithCancel(context.Background())

	release, err := r.Lock(ctx, "1:repair_orders", time.Minute)
	require.NoError(t, err)
	cancel()
	release()

	calls := hook.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "evalsha", calls[0].name)
	assert.Equal(t, "tmsync:lock:1:repair_orders", calls[0].args[3])
	assert.Equal(t, "evalsha", calls[1].name)
	assert.Equal(t, "tmsync:lock:1:repair_orders", calls[1].args[3])
	// the token written on obtain is the one released
	assert.Equal(t, calls[0].args[4], calls[1].args[4])
	assert.NoError(t, calls[1].ctxErr)
}

func TestLockHeldElsewhere(t *testing.T) {
	r, _ := newScripted(t, func(cmd redis.Cmder) {
		cmd.SetErr(redis.Nil)
	})

	release, err := r.Lock(context.Background(), "1:repair_orders", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Nil(t, release)
	assert.Contains(t, err.Error(), "tmsync:lock:1:repair_orders")
}

func TestLockBackendFailureIsNotReportedAsHeld(t *testing.T) {
	r, _ := newScripted(t, func(cmd redis.Cmder) {
		cmd.SetErr(errors.New("LOADING Redis is loading the dataset in memory"))
	})

	_, err := r.Lock(context.Background(), "1:employees", time.Minute)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLockHeld))
	assert.Contains(t, err.Error(), "obtain lock")
}

func TestReleaseOfExpiredLockIsQuiet(t *testing.T) {
	r, hook := newScripted(t, func(cmd redis.Cmder) {
		c := cmd.(*redis.Cmd)
		if len(cmd.Args()) == obtainArgs {
			c.SetVal("OK")
			return
		}
		// the key expired and was taken by someone else
		c.SetVal(int64(0))
	})

	release, err := r.Lock(context.Background(), "1:repair_orders", time.Minute)
	require.NoError(t, err)
	assert.NotPanics(t, release)
	assert.Len(t, hook.recorded(), 2)
}
