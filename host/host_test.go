package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chanrpc/calldata"
	"chanrpc/internal/testlog"
	"chanrpc/internal/testsvc"
	"chanrpc/middleware"
	"chanrpc/service"
	"chanrpc/stub"
)

func newTestHost(t *testing.T, mws ...middleware.Middleware) (*Connection, *testsvc.Echo) {
	t.Helper()
	c := New(testlog.HCLogger(t), mws...)
	svc, impl := testsvc.Host()
	require.NoError(t, c.RegisterDefault(svc))
	t.Cleanup(func() { c.Close() })
	return c, impl
}

func callString(t *testing.T, c *Connection, id service.ChannelID, endpoint, in string) string {
	t.Helper()
	out, err := c.Call(context.Background(), id, endpoint, calldata.Create(in))
	require.NoError(t, err)
	require.False(t, out.IsError(), "unexpected error envelope: %v", out.AsError())
	s, err := out.ReadSerialized()
	require.NoError(t, err)
	return s
}

func TestEchoAndSubserviceLifecycle(t *testing.T) {
	c, impl := newTestHost(t)

	require.Equal(t, "HI", callString(t, c, service.DefaultChannel, "echo", "hi"))

	idText := callString(t, c, service.DefaultChannel, "spawn", "")
	id := service.ChannelID(idText)
	require.NotEmpty(t, id)
	require.EqualValues(t, 1, impl.Spawned.Load())
	require.Equal(t, 1, c.Len())

	require.Equal(t, "YO", callString(t, c, id, "echo", "yo"))

	// Empty endpoint closes the sub-service.
	out, err := c.Call(context.Background(), id, "", calldata.Empty)
	require.NoError(t, err)
	require.False(t, out.IsError())
	require.Equal(t, 0, c.Len())

	_, err = c.Call(context.Background(), id, "echo", calldata.Create("again"))
	require.ErrorIs(t, err, ErrServiceNotFound)

	// Closing an unknown id is not-found too.
	_, err = c.Call(context.Background(), id, "", calldata.Empty)
	require.ErrorIs(t, err, ErrServiceNotFound)

	// The default service is untouched.
	require.Equal(t, "OK", callString(t, c, service.DefaultChannel, "echo", "ok"))
}

func TestRegisterHostIDsAreUnique(t *testing.T) {
	c, _ := newTestHost(t)

	seen := make(map[service.ChannelID]bool)
	for i := 0; i < 50; i++ {
		svc, _ := testsvc.Host()
		id, err := c.RegisterHost(svc)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		require.GreaterOrEqual(t, len(id), 21)
		seen[id] = true
	}
	require.Equal(t, 50, c.Len())
}

func TestServiceClosedLocallyIsForgotten(t *testing.T) {
	c, _ := newTestHost(t)
	svc, impl := testsvc.Host()
	id, err := c.RegisterHost(svc)
	require.NoError(t, err)

	require.NoError(t, svc.Close())
	require.True(t, impl.Closed())
	require.Equal(t, 0, c.Len())

	_, err = c.Call(context.Background(), id, "echo", calldata.Create("x"))
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestRegisterDefaultTwice(t *testing.T) {
	c, _ := newTestHost(t)
	svc, _ := testsvc.Host()
	require.ErrorIs(t, c.RegisterDefault(svc), ErrDefaultRegistered)
}

func TestDefaultSlotBlocksUntilSet(t *testing.T) {
	c := New(testlog.HCLogger(t))
	defer c.Close()

	result := make(chan string, 1)
	go func() {
		out, err := c.Call(context.Background(), service.DefaultChannel, "echo", calldata.Create("late"))
		if err != nil {
			result <- err.Error()
			return
		}
		s, _ := out.ReadSerialized()
		result <- s
	}()

	select {
	case <-result:
		t.Fatal("call returned before the default service was registered")
	case <-time.After(50 * time.Millisecond):
	}

	svc, _ := testsvc.Host()
	require.NoError(t, c.RegisterDefault(svc))

	select {
	case got := <-result:
		require.Equal(t, "LATE", got)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete after registration")
	}
}

func TestDefaultSlotReleasedByClose(t *testing.T) {
	c := New(testlog.HCLogger(t))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), service.DefaultChannel, "echo", calldata.Create("x"))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting call was not released by Close")
	}
}

func TestApplicationFailureBecomesEnvelope(t *testing.T) {
	c, _ := newTestHost(t)

	var (
		mu       sync.Mutex
		reported []string
	)
	c.OnError(func(id service.ChannelID, endpoint string, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, endpoint+":"+err.Error())
	})

	out, err := c.Call(context.Background(), service.DefaultChannel, "fail", calldata.Empty)
	require.NoError(t, err)
	require.True(t, out.IsError())

	var remote *calldata.RemoteError
	require.ErrorAs(t, out.AsError(), &remote)
	require.Contains(t, remote.Message, testsvc.ErrFail.Error())

	mu.Lock()
	require.Equal(t, []string{"fail:" + testsvc.ErrFail.Error()}, reported)
	mu.Unlock()

	// Unknown endpoints are application failures as well.
	out, err = c.Call(context.Background(), service.DefaultChannel, "nope", calldata.Empty)
	require.NoError(t, err)
	require.True(t, out.IsError())

	// The connection still serves.
	require.Equal(t, "STILL", callString(t, c, service.DefaultChannel, "echo", "still"))
}

func TestPanicRecoveredIntoEnvelope(t *testing.T) {
	c, _ := newTestHost(t, middleware.Recover())

	out, err := c.Call(context.Background(), service.DefaultChannel, "explode", calldata.Empty)
	require.NoError(t, err)
	var remote *calldata.RemoteError
	require.ErrorAs(t, out.AsError(), &remote)
	require.Contains(t, remote.Message, "explode endpoint")
	require.NotEmpty(t, remote.Stack)
}

func TestPanicRecoveredWithoutMiddleware(t *testing.T) {
	c, _ := newTestHost(t)

	out, err := c.Call(context.Background(), service.DefaultChannel, "explode", calldata.Empty)
	require.NoError(t, err)
	var remote *calldata.RemoteError
	require.ErrorAs(t, out.AsError(), &remote)
	require.Contains(t, remote.Message, "explode endpoint")
	require.Equal(t, "ECHO", callString(t, c, service.DefaultChannel, "echo", "echo"))
}

// callAsync issues a call on its own goroutine and delivers the result.
func callAsync(c *Connection, id service.ChannelID, endpoint string) <-chan calldata.CallData {
	res := make(chan calldata.CallData, 1)
	go func() {
		out, err := c.Call(context.Background(), id, endpoint, calldata.Create("x"))
		if err != nil {
			out = calldata.FromError(err)
		}
		res <- out
	}()
	return res
}

func TestRemovingServiceFailsRunningCalls(t *testing.T) {
	c, _ := newTestHost(t)
	svc, impl := testsvc.Host()
	id, err := c.RegisterHost(svc)
	require.NoError(t, err)

	res := callAsync(c, id, "block")
	require.Eventually(t, func() bool { return impl.Blocking.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.CloseService(context.Background(), id))
	select {
	case out := <-res:
		require.True(t, out.IsError())
		require.ErrorContains(t, out.AsError(), service.ErrServiceClosed.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("call against a removed service still running")
	}

	// The rest of the connection is unaffected.
	require.Equal(t, "OK", callString(t, c, service.DefaultChannel, "echo", "ok"))
}

func TestCloseFailsRunningCalls(t *testing.T) {
	c, impl := newTestHost(t)
	sub, subImpl := testsvc.Host()
	id, err := c.RegisterHost(sub)
	require.NoError(t, err)

	onDefault := callAsync(c, service.DefaultChannel, "block")
	onSub := callAsync(c, id, "block")
	require.Eventually(t, func() bool {
		return impl.Blocking.Load() == 1 && subImpl.Blocking.Load() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	for _, res := range []<-chan calldata.CallData{onDefault, onSub} {
		select {
		case out := <-res:
			require.ErrorContains(t, out.AsError(), service.ErrServiceClosed.Error())
		case <-time.After(2 * time.Second):
			t.Fatal("call still running after Close")
		}
	}
}

func TestRegisterDefaultRacingClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := New(nil)
		svc, impl := testsvc.Host()

		var (
			wg     sync.WaitGroup
			regErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			regErr = c.RegisterDefault(svc)
		}()
		go func() {
			defer wg.Done()
			c.Close()
		}()
		wg.Wait()

		if regErr != nil {
			require.ErrorIs(t, regErr, ErrClosed)
			continue
		}
		require.True(t, impl.Closed(), "default registered during Close was never closed")
	}
}

func TestTypedEndpoint(t *testing.T) {
	c, _ := newTestHost(t)
	reply, err := stub.Invoke[testsvc.AddReply](context.Background(), service.NewSubservice(c, service.DefaultChannel), testsvc.Codec, "add", testsvc.AddArgs{A: 2, B: 3})
	require.NoError(t, err)
	require.Equal(t, 5, reply.Sum)
}

func TestCloseTearsDownEverything(t *testing.T) {
	c := New(testlog.HCLogger(t))
	def, defImpl := testsvc.Host()
	require.NoError(t, c.RegisterDefault(def))

	var impls []*testsvc.Echo
	for i := 0; i < 3; i++ {
		svc, impl := testsvc.Host()
		_, err := c.RegisterHost(svc)
		require.NoError(t, err)
		impls = append(impls, impl)
	}

	var closedHook int
	c.OnClose(func() { closedHook++ })

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, 1, closedHook)
	require.True(t, defImpl.Closed())
	for _, impl := range impls {
		require.True(t, impl.Closed())
	}
	require.Equal(t, 0, c.Len())

	_, err := c.Call(context.Background(), service.DefaultChannel, "echo", calldata.Create("x"))
	require.ErrorIs(t, err, ErrClosed)
	svc, _ := testsvc.Host()
	_, err = c.RegisterHost(svc)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseDefaultConventionClosesConnection(t *testing.T) {
	c, impl := newTestHost(t)

	out, err := c.Call(context.Background(), service.DefaultChannel, "", calldata.Empty)
	require.NoError(t, err)
	require.False(t, out.IsError())
	require.True(t, impl.Closed())

	select {
	case <-c.Done():
	default:
		t.Fatal("connection not closed")
	}
}

type failingCloser struct {
	service.Observers
}

func (f *failingCloser) Call(context.Context, string, calldata.CallData) (calldata.CallData, error) {
	return calldata.Empty, nil
}

func (f *failingCloser) Close() error {
	f.Fire()
	return errors.New("cannot close")
}

func (f *failingCloser) OnClose(fn func()) { f.Add(fn) }

func TestCloseAggregatesErrors(t *testing.T) {
	c := New(testlog.HCLogger(t))
	_, err := c.RegisterHost(&failingCloser{})
	require.NoError(t, err)
	_, err = c.RegisterHost(&failingCloser{})
	require.NoError(t, err)

	err = c.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 errors occurred")
}

func TestConcurrentRegistrationAndCalls(t *testing.T) {
	c, _ := newTestHost(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc, _ := testsvc.Host()
			id, err := c.RegisterHost(svc)
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			out, err := c.Call(context.Background(), id, "echo", calldata.Create("a"))
			if err != nil {
				t.Errorf("call: %v", err)
				return
			}
			if s, _ := out.ReadSerialized(); s != "A" {
				t.Errorf("got %q", s)
			}
			if err := c.CloseService(context.Background(), id); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, c.Len())
}
