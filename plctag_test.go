package plctag_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	plctag "github.com/srdgame/libplctag-sub000"
	"github.com/srdgame/libplctag-sub000/logix"
	"github.com/srdgame/libplctag-sub000/plcsim"
	"github.com/srdgame/libplctag-sub000/status"
)

const timeout = 5 * time.Second

func newLib(t *testing.T, gw *plcsim.Gateway) *plctag.Library {
	t.Helper()
	l := plctag.NewLibrary(plctag.Options{Dialer: gw, PollInterval: time.Millisecond})
	t.Cleanup(func() { l.Shutdown(time.Second) })
	return l
}

func attrs(name string, extra string) string {
	s := fmt.Sprintf("protocol=ab_eip&gateway=10.206.1.40&path=1,0&plc=ControlLogix&name=%s", name)
	if extra != "" {
		s += "&" + extra
	}
	return s
}

func TestCreateAndReadDINT(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("TestBigArray", logix.AtomicDescriptor(logix.TypeDINT), []byte{0x2A, 0, 0, 0})
	l := newLib(t, gw)

	id, err := l.Create(attrs("TestBigArray", "elem_size=4&elem_count=1"), timeout)
	require.NoError(t, err)
	require.Equal(t, status.OK, l.Status(id))

	v, err := l.GetInt32(id, 0)
	require.NoError(t, err)
	require.EqualValues(t, 42, v)

	size, err := l.Size(id)
	require.NoError(t, err)
	require.Equal(t, 4, size)
}

func TestWriteRoundTrip(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("Setpoint", logix.AtomicDescriptor(logix.TypeREAL), make([]byte, 4))
	l := newLib(t, gw)

	id, err := l.Create(attrs("Setpoint", "elem_type=REAL"), 0)
	require.NoError(t, err)
	require.NoError(t, l.SetFloat32(id, 0, 12.5))
	require.NoError(t, l.Write(id, timeout))

	v, err := logix.Decode(logix.TypeREAL, gw.TagData("Setpoint"))
	require.NoError(t, err)
	require.InDelta(t, 12.5, v, 1e-6)
}

func TestAsyncReadPolling(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("Flags", logix.AtomicDescriptor(logix.TypeSINT), []byte{0x05})
	l := newLib(t, gw)

	id, err := l.Create(attrs("Flags", "elem_size=1"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Read(id, 0))
	require.Eventually(t, func() bool { return l.Status(id) != status.Pending }, timeout, time.Millisecond)
	require.Equal(t, status.OK, l.Status(id))

	on, err := l.GetBit(id, 2)
	require.NoError(t, err)
	require.True(t, on)
	off, err := l.GetBit(id, 1)
	require.NoError(t, err)
	require.False(t, off)
}

func TestTagsShareSession(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("A", logix.AtomicDescriptor(logix.TypeDINT), make([]byte, 4))
	gw.AddTag("B", logix.AtomicDescriptor(logix.TypeDINT), make([]byte, 4))
	l := newLib(t, gw)

	a, err := l.Create(attrs("A", "elem_size=4"), timeout)
	require.NoError(t, err)
	b, err := l.Create(attrs("B", "elem_size=4"), timeout)
	require.NoError(t, err)
	require.Equal(t, 1, gw.Dials())

	c, err := l.Create(attrs("A", "elem_size=4&share_session=0"), timeout)
	require.NoError(t, err)
	require.Equal(t, 2, gw.Dials())

	for _, id := range []int32{a, b, c} {
		require.NoError(t, l.Destroy(id))
	}
	require.Equal(t, 0, l.Tags())
}

func TestDestroyInvalidatesHandle(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("A", logix.AtomicDescriptor(logix.TypeDINT), make([]byte, 4))
	l := newLib(t, gw)

	id, err := l.Create(attrs("A", "elem_size=4"), timeout)
	require.NoError(t, err)
	require.NoError(t, l.Destroy(id))

	require.Equal(t, status.ErrNotFound, l.Status(id))
	require.ErrorIs(t, l.Read(id, 0), status.ErrNotFound)
	require.ErrorIs(t, l.Destroy(id), status.ErrNotFound)
	_, err = l.GetInt32(id, 0)
	require.ErrorIs(t, err, status.ErrNotFound)

	// the freed slot gets a different handle
	id2, err := l.Create(attrs("A", "elem_size=4"), timeout)
	require.NoError(t, err)
	require.NotEqual(t, id, id2)
}

func TestReadCache(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("A", logix.AtomicDescriptor(logix.TypeDINT), make([]byte, 4))
	l := newLib(t, gw)

	id, err := l.Create(attrs("A", "elem_size=4&read_cache_ms=60000"), timeout)
	require.NoError(t, err)
	reads := gw.Count(logix.SvcReadTag)

	require.NoError(t, l.Read(id, timeout))
	require.NoError(t, l.Read(id, timeout))
	require.Equal(t, reads, gw.Count(logix.SvcReadTag))

	require.NoError(t, l.Write(id, timeout))
	require.NoError(t, l.Read(id, timeout))
	require.Equal(t, reads+1, gw.Count(logix.SvcReadTag))
}

func TestReadTimeoutAborts(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("A", logix.AtomicDescriptor(logix.TypeDINT), make([]byte, 4))
	l := newLib(t, gw)

	id, err := l.Create(attrs("A", "elem_size=4"), timeout)
	require.NoError(t, err)

	gw.SetSilent(true)
	err = l.Read(id, 20*time.Millisecond)
	require.ErrorIs(t, err, status.ErrTimeout)
	require.Equal(t, status.OK, l.Status(id), "timed out read is aborted")
}

func TestCreateErrors(t *testing.T) {
	gw := plcsim.New()
	l := newLib(t, gw)

	tests := []struct {
		name  string
		attrs string
		want  status.Code
	}{
		{"empty", "", status.ErrBadParam},
		{"no name", "protocol=ab_eip&gateway=10.0.0.1&path=1,0&plc=lgx", status.ErrBadParam},
		{"no protocol", "gateway=10.0.0.1&path=1,0&plc=lgx&name=A&elem_size=4", status.ErrBadParam},
		{"modbus", "protocol=modbus_tcp&gateway=10.0.0.1&name=A&elem_size=4", status.ErrUnsupported},
		{"plc5", "protocol=ab_eip&gateway=10.0.0.1&path=1,0&plc=plc5&name=A&elem_size=4", status.ErrUnsupported},
		{"no path", "protocol=ab_eip&gateway=10.0.0.1&plc=lgx&name=A&elem_size=4", status.ErrBadParam},
		{"no size", attrs("A", ""), status.ErrBadParam},
		{"bad count", attrs("A", "elem_size=4&elem_count=x"), status.ErrBadParam},
		{"bad cache", attrs("A", "elem_size=4&read_cache_ms=-5"), status.ErrBadParam},
		{"bad name", attrs("A[1", "elem_size=4"), status.ErrBadParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Create(tt.attrs, 0)
			require.Error(t, err)
			require.Equal(t, tt.want, status.FromError(err), "err = %v", err)
		})
	}
	require.Equal(t, 0, l.Tags())
}

func TestMissingTagFailsCreate(t *testing.T) {
	gw := plcsim.New()
	l := newLib(t, gw)

	_, err := l.Create(attrs("Nope", "elem_size=4"), timeout)
	require.ErrorIs(t, err, status.ErrNotFound)
	require.Equal(t, 0, l.Tags())
}

func TestVersionTag(t *testing.T) {
	l := newLib(t, plcsim.New())

	id, err := l.Create("name=@version", timeout)
	require.NoError(t, err)
	size, _ := l.Size(id)
	b, err := l.GetBytes(id, 0, size-1)
	require.NoError(t, err)
	require.NotEmpty(t, string(b))
}

func TestShutdownClosesSessions(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("A", logix.AtomicDescriptor(logix.TypeDINT), make([]byte, 4))
	l := plctag.NewLibrary(plctag.Options{Dialer: gw})

	_, err := l.Create(attrs("A", "elem_size=4"), timeout)
	require.NoError(t, err)
	l.Shutdown(2 * time.Second)

	require.Equal(t, 1, gw.ForwardCloses())
	for _, c := range gw.Conns() {
		require.True(t, c.Closed())
	}
	_, err = l.Create(attrs("A", "elem_size=4"), 0)
	require.ErrorIs(t, err, status.ErrAbort)
}
