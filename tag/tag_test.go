package tag_test

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/srdgame/libplctag-sub000/cip"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/logix"
	"github.com/srdgame/libplctag-sub000/plcsim"
	"github.com/srdgame/libplctag-sub000/session"
	"github.com/srdgame/libplctag-sub000/status"
	"github.com/srdgame/libplctag-sub000/tag"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type rig struct {
	gw  *plcsim.Gateway
	clk *clock
	s   *session.Session
}

func newRig(t *testing.T, gw *plcsim.Gateway, connected bool) *rig {
	t.Helper()
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	gw.Now = clk.Now
	s, err := session.New(session.Options{
		Gateway:   "10.0.0.5",
		Path:      "1,0",
		Family:    session.FamilyLogix,
		Connected: connected,
		Dialer:    gw,
	})
	require.NoError(t, err)
	r := &rig{gw: gw, clk: clk, s: s}
	r.until(t, nil, func() bool { return s.State() == session.StateProcess })
	return r
}

func (r *rig) tick(tags ...tag.Tag) {
	now := r.clk.Advance(time.Millisecond)
	r.s.Tick(now)
	for _, tg := range tags {
		tg.Tick(now)
	}
}

func (r *rig) until(t *testing.T, tg tag.Tag, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached; session %s", r.s.State())
		}
		if tg != nil {
			r.tick(tg)
		} else {
			r.tick()
		}
		time.Sleep(20 * time.Microsecond)
	}
}

func (r *rig) wait(t *testing.T, tg tag.Tag) status.Code {
	t.Helper()
	r.until(t, tg, func() bool { return tg.Status() != status.Pending })
	return tg.Status()
}

func dints(vals ...uint32) []byte {
	out := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		out = append(out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return out
}

var dintDesc = logix.AtomicDescriptor(logix.TypeDINT)

func TestFragmentedRead(t *testing.T) {
	gw := plcsim.New()
	want := dints(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	gw.AddTag("TestDINTArray", dintDesc, want)
	gw.FragmentSize = 24
	r := newRig(t, gw, true)

	tg, err := tag.NewLogix(r.s, tag.Config{Name: "TestDINTArray", ElemSize: 4, ElemCount: 10})
	require.NoError(t, err)
	require.Equal(t, 40, tg.Size())

	require.NoError(t, tg.Read())
	require.Equal(t, status.Pending, tg.Status())
	require.Equal(t, status.OK, r.wait(t, tg))

	got, err := tg.GetBytes(0, 40)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, dintDesc, tg.Descriptor())

	var offsets []uint32
	for _, rec := range gw.Records() {
		if rec.Tag == "TestDINTArray" {
			offsets = append(offsets, rec.Offset)
		}
	}
	require.Equal(t, []uint32{0, 24}, offsets)
	require.Equal(t, 1, gw.Count(logix.SvcReadTagFragmented))

	v, err := tg.GetInt32(36)
	require.NoError(t, err)
	require.EqualValues(t, 10, v)
}

func TestWriteBeforeReadIsUnsupported(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("Counter", dintDesc, dints(5))
	r := newRig(t, gw, true)

	tg, err := tag.NewLogix(r.s, tag.Config{Name: "Counter", ElemSize: 4, ElemCount: 1})
	require.NoError(t, err)
	require.NoError(t, tg.SetInt32(0, 99))

	err = tg.Write()
	require.ErrorIs(t, err, status.ErrUnsupported)
	require.Equal(t, status.ErrUnsupported, tg.Status())

	got, _ := tg.GetInt32(0)
	require.EqualValues(t, 99, got, "buffer must be left alone")
	for i := 0; i < 5; i++ {
		r.tick(tg)
	}
	require.Equal(t, 0, gw.Count(logix.SvcWriteTag))
	require.Equal(t, dints(5), gw.TagData("Counter"))
}

func TestReadTimesOut(t *testing.T) {
	gw := plcsim.New()
	gw.Silent = true
	r := newRig(t, gw, true)

	tg, err := tag.NewLogix(r.s, tag.Config{Name: "Counter", ElemSize: 4})
	require.NoError(t, err)
	require.NoError(t, tg.Read())

	require.Equal(t, status.ErrTimeout, r.wait(t, tg))
	require.Equal(t, 0, r.s.Pending())
}

func TestAbortMidFragmentedRead(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("Big", dintDesc, make([]byte, 400))
	gw.FragmentSize = 8
	r := newRig(t, gw, true)

	tg, err := tag.NewLogix(r.s, tag.Config{Name: "Big", ElemSize: 4, ElemCount: 100})
	require.NoError(t, err)
	require.NoError(t, tg.Read())

	r.until(t, tg, func() bool { return gw.Count(logix.SvcReadTagFragmented) >= 2 })
	tg.Abort()
	require.Equal(t, status.OK, tg.Status())

	sent := len(gw.Records())
	for i := 0; i < 20; i++ {
		r.tick(tg)
	}
	require.LessOrEqual(t, len(gw.Records()), sent+1, "fragments kept flowing after abort")
	require.Equal(t, status.OK, tg.Status())
	require.Equal(t, 0, r.s.Pending())

	// the tag is usable again
	gw.FragmentSize = 0
	require.NoError(t, tg.Read())
	require.Equal(t, status.OK, r.wait(t, tg))
}

func TestAbortIsIdempotent(t *testing.T) {
	gw := plcsim.New()
	r := newRig(t, gw, true)
	tg, err := tag.NewLogix(r.s, tag.Config{Name: "A", ElemSize: 4})
	require.NoError(t, err)

	tg.Abort()
	tg.Abort()
	require.Equal(t, status.OK, tg.Status())

	require.NoError(t, tg.Read())
	tg.Abort()
	tg.Abort()
	require.Equal(t, status.OK, tg.Status())
}

func TestSecondOperationIsBusy(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("Counter", dintDesc, dints(17))
	r := newRig(t, gw, true)
	tg, err := tag.NewLogix(r.s, tag.Config{Name: "Counter", ElemSize: 4})
	require.NoError(t, err)

	require.NoError(t, tg.Read())
	r.tick(tg)
	require.ErrorIs(t, tg.Read(), status.ErrBusy)
	require.ErrorIs(t, tg.Write(), status.ErrBusy)
	require.Equal(t, status.Pending, tg.Status())

	require.Equal(t, status.OK, r.wait(t, tg))
	v, _ := tg.GetUint32(0)
	require.EqualValues(t, 17, v)
}

func TestFragmentedWrite(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("Recipe", dintDesc, make([]byte, 1200))
	gw.FragmentSize = 480
	r := newRig(t, gw, false)

	tg, err := tag.NewLogix(r.s, tag.Config{Name: "Recipe", ElemSize: 4, ElemCount: 300})
	require.NoError(t, err)
	require.NoError(t, tg.Read())
	require.Equal(t, status.OK, r.wait(t, tg))

	want := make([]byte, 1200)
	for i := range want {
		want[i] = byte(i * 7)
	}
	require.NoError(t, tg.SetBytes(0, want))
	require.NoError(t, tg.Write())
	require.ErrorIs(t, tg.SetUint8(0, 1), status.ErrBusy)
	require.Equal(t, status.OK, r.wait(t, tg))

	require.Equal(t, want, gw.TagData("Recipe"))
	ioi, err := cip.EncodeTagName("Recipe")
	require.NoError(t, err)
	plan, err := logix.PlanWrite(1200, r.s.MaxRequestSize(), len(ioi), len(dintDesc))
	require.NoError(t, err)
	require.False(t, plan.Whole)
	require.Zero(t, plan.Chunk%8)
	require.Equal(t, plan.Fragments(1200), gw.Count(logix.SvcWriteTagFragmented))
	require.Equal(t, 0, gw.Count(logix.SvcWriteTag))
}

func TestElemTypeAllowsWriteBeforeRead(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("Setpoint", logix.AtomicDescriptor(logix.TypeREAL), make([]byte, 4))
	r := newRig(t, gw, true)

	tg, err := tag.NewLogix(r.s, tag.Config{Name: "Setpoint", ElemType: "REAL"})
	require.NoError(t, err)
	require.Equal(t, 4, tg.Size())

	require.NoError(t, tg.SetFloat32(0, 72.5))
	require.NoError(t, tg.Write())
	require.Equal(t, status.OK, r.wait(t, tg))
	require.Equal(t, 1, gw.Count(logix.SvcWriteTag))

	v, err := logix.Decode(logix.TypeREAL, gw.TagData("Setpoint"))
	require.NoError(t, err)
	require.InDelta(t, 72.5, v, 1e-6)
}

func TestRemoteErrorsSurface(t *testing.T) {
	gw := plcsim.New()
	r := newRig(t, gw, true)
	tg, err := tag.NewLogix(r.s, tag.Config{Name: "Missing", ElemSize: 4})
	require.NoError(t, err)

	require.NoError(t, tg.Read())
	require.Equal(t, status.ErrNotFound, r.wait(t, tg))
	require.Error(t, tg.Err())
}

func TestShortReadIsTooSmall(t *testing.T) {
	gw := plcsim.New()
	gw.AddTag("Short", dintDesc, dints(1, 2))
	r := newRig(t, gw, true)
	tg, err := tag.NewLogix(r.s, tag.Config{Name: "Short", ElemSize: 4, ElemCount: 4})
	require.NoError(t, err)

	require.NoError(t, tg.Read())
	require.Equal(t, status.ErrTooSmall, r.wait(t, tg))
}

func TestNewLogixValidation(t *testing.T) {
	gw := plcsim.New()
	r := newRig(t, gw, true)

	tests := []struct {
		name string
		cfg  tag.Config
		want status.Code
	}{
		{"bad name", tag.Config{Name: "A[", ElemSize: 4}, status.ErrBadParam},
		{"no size", tag.Config{Name: "A"}, status.ErrBadParam},
		{"bad type", tag.Config{Name: "A", ElemType: "WIDGET"}, status.ErrUnsupported},
		{"count too big", tag.Config{Name: "A", ElemSize: 1, ElemCount: 70000}, status.ErrBadParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tag.NewLogix(r.s, tt.cfg)
			require.Equal(t, tt.want, status.FromError(err))
		})
	}
}

func TestAccessorBounds(t *testing.T) {
	gw := plcsim.New()
	r := newRig(t, gw, true)
	tg, err := tag.NewLogix(r.s, tag.Config{Name: "A", ElemSize: 4, ElemCount: 2})
	require.NoError(t, err)

	_, err = tg.GetUint32(6)
	require.ErrorIs(t, err, status.ErrOutOfBounds)
	require.ErrorIs(t, tg.SetUint64(1, 1), status.ErrOutOfBounds)
	_, err = tg.GetUint8(-1)
	require.ErrorIs(t, err, status.ErrOutOfBounds)

	require.NoError(t, tg.SetBit(35, true))
	b, err := tg.GetBit(35)
	require.NoError(t, err)
	require.True(t, b)
	v, _ := tg.GetUint8(4)
	require.EqualValues(t, 0x08, v)
	_, err = tg.GetBit(64)
	require.ErrorIs(t, err, status.ErrOutOfBounds)

	require.NoError(t, tg.SetInt16(0, -2))
	i16, _ := tg.GetInt16(0)
	require.EqualValues(t, -2, i16)
	require.NoError(t, tg.SetFloat64(0, 1.25))
	f, _ := tg.GetFloat64(0)
	require.Equal(t, 1.25, f)
}

func TestReleaseDropsSession(t *testing.T) {
	gw := plcsim.New()
	r := newRig(t, gw, true)
	tg, err := tag.NewLogix(r.s, tag.Config{Name: "A", ElemSize: 4})
	require.NoError(t, err)

	tg.Release()
	tg.Release()
	require.True(t, tg.Released())
	require.ErrorIs(t, tg.Read(), status.ErrAbort)
	r.until(t, nil, func() bool { return r.s.State() == session.StateTerminated })
}

func TestCollectedTagReleasesSession(t *testing.T) {
	gw := plcsim.New()
	r := newRig(t, gw, true)
	func() {
		_, err := tag.NewLogix(r.s, tag.Config{Name: "Dropped", ElemSize: 4})
		require.NoError(t, err)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for r.s.State() != session.StateTerminated {
		if time.Now().After(deadline) {
			t.Fatalf("session still %s", r.s.State())
		}
		runtime.GC()
		r.tick()
		time.Sleep(100 * time.Microsecond)
	}
}

func TestSystemTags(t *testing.T) {
	v, err := tag.NewSystem("@version")
	require.NoError(t, err)
	require.NoError(t, v.Read())
	require.Equal(t, status.OK, v.Status())
	b, err := v.GetBytes(0, v.Size()-1)
	require.NoError(t, err)
	require.Equal(t, tag.Version, string(b))
	require.ErrorIs(t, v.Write(), status.ErrNotImplemented)

	prev := logging.DebugLevel()
	defer logging.SetDebugLevel(prev)

	d, err := tag.NewSystem("@DEBUG")
	require.NoError(t, err)
	require.NoError(t, d.SetUint32(0, logging.LevelWarn))
	require.NoError(t, d.Write())
	require.Equal(t, logging.LevelWarn, logging.DebugLevel())
	require.NoError(t, d.Read())
	got, _ := d.GetUint32(0)
	require.EqualValues(t, logging.LevelWarn, got)

	_, err = tag.NewSystem("@nope")
	require.ErrorIs(t, err, status.ErrUnsupported)
	require.True(t, tag.IsSystemName("@debug"))
}
