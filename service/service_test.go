package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"chanrpc/calldata"
)

type upper struct {
	closed bool
}

func (u *upper) Close() error {
	u.closed = true
	return nil
}

var upperDescriptor = &Descriptor{
	Name: "test.Upper",
	Endpoints: map[string]Handler{
		"echo": func(_ context.Context, _ any, data calldata.CallData) (calldata.CallData, error) {
			s, err := data.ReadSerialized()
			if err != nil {
				return calldata.Empty, err
			}
			return calldata.Create(strings.ToUpper(s)), nil
		},
	},
}

func init() {
	MustRegisterDescriptor(upperDescriptor)
}

func TestDescriptorRegistration(t *testing.T) {
	d, ok := LookupDescriptor("test.Upper")
	must.True(t, ok)
	must.Eq(t, []string{"echo"}, d.EndpointNames())

	err := RegisterDescriptor(&Descriptor{Name: "test.Upper"})
	must.ErrorIs(t, err, ErrDuplicateDescriptor)

	err = RegisterDescriptor(&Descriptor{Name: "test.Reserved", Endpoints: map[string]Handler{"": nil}})
	must.Error(t, err)

	_, err = Host("test.Missing", nil)
	must.ErrorIs(t, err, ErrDescriptorNotFound)
}

func TestHostedDispatch(t *testing.T) {
	impl := &upper{}
	h, err := Host("test.Upper", impl)
	must.NoError(t, err)

	out, err := h.Call(context.Background(), "echo", calldata.Create("hi"))
	must.NoError(t, err)
	s, err := out.ReadSerialized()
	must.NoError(t, err)
	must.Eq(t, "HI", s)

	_, err = h.Call(context.Background(), "nope", calldata.Empty)
	must.ErrorIs(t, err, ErrEndpointNotFound)

	var fired int
	h.OnClose(func() { fired++ })
	must.NoError(t, h.Close())
	must.NoError(t, h.Close())
	must.Eq(t, 1, fired)
	must.True(t, impl.closed)

	_, err = h.Call(context.Background(), "echo", calldata.Create("x"))
	must.ErrorIs(t, err, ErrServiceClosed)
}

func TestObserversLateAddRunsImmediately(t *testing.T) {
	var o Observers
	var order []int
	o.Add(func() { order = append(order, 1) })
	o.Add(func() { order = append(order, 2) })
	must.True(t, o.Fire())
	must.False(t, o.Fire())

	o.Add(func() { order = append(order, 3) })
	must.Eq(t, []int{1, 2, 3}, order)
}

type recordingChannel struct {
	mu     sync.Mutex
	calls  []string
	closed []ChannelID
}

func (r *recordingChannel) Call(_ context.Context, id ChannelID, endpoint string, data calldata.CallData) (calldata.CallData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _ := data.ReadSerialized()
	r.calls = append(r.calls, string(id)+"/"+endpoint+"/"+s)
	return calldata.Create("ok"), nil
}

func (r *recordingChannel) CloseService(_ context.Context, id ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
	return nil
}

func TestSubserviceDelegates(t *testing.T) {
	parent := &recordingChannel{}
	sub := NewSubservice(parent, "abc")
	must.Eq(t, ChannelID("abc"), sub.ID())

	_, err := sub.Call(context.Background(), "echo", calldata.Create("yo"))
	must.NoError(t, err)
	must.Eq(t, []string{"abc/echo/yo"}, parent.calls)

	var closed bool
	sub.OnClose(func() { closed = true })
	must.NoError(t, sub.Close())
	must.True(t, closed)
	must.Eq(t, []ChannelID{"abc"}, parent.closed)

	// Already closed: nothing goes upstream.
	must.NoError(t, sub.Close())
	must.Eq(t, 1, len(parent.closed))

	_, err = sub.Call(context.Background(), "echo", calldata.Empty)
	must.ErrorIs(t, err, ErrServiceClosed)
}

type fakeRegistrar struct{ n int }

func (f *fakeRegistrar) RegisterHost(SerializedService) (ChannelID, error) {
	f.n++
	if f.n > 1 {
		return "", errors.New("full")
	}
	return "one", nil
}

func TestRegistrarContext(t *testing.T) {
	_, ok := RegistrarFrom(context.Background())
	must.False(t, ok)

	r := &fakeRegistrar{}
	ctx := WithRegistrar(context.Background(), r)
	got, ok := RegistrarFrom(ctx)
	must.True(t, ok)
	id, err := got.RegisterHost(nil)
	must.NoError(t, err)
	must.Eq(t, ChannelID("one"), id)
}

func TestChannelIDString(t *testing.T) {
	must.True(t, DefaultChannel.IsDefault())
	must.Eq(t, "<default>", DefaultChannel.String())
	must.Eq(t, "x", ChannelID("x").String())
}
