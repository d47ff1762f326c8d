package a2dp

import (
	"context"
	"errors"
	"slices"
	"testing"
	"testing/synctest"
	"time"
)

const testSignalDelay = waitNormalAck / 100

type fakeHost struct {
	calls     []string
	startErr  error
	stopErr   error
	suspendEr error
}

func (f *fakeHost) StartStream() error {
	f.calls = append(f.calls, "Start")
	return f.startErr
}

func (f *fakeHost) StopStream() error {
	f.calls = append(f.calls, "Stop")
	return f.stopErr
}

func (f *fakeHost) SuspendStream() error {
	f.calls = append(f.calls, "Suspend")
	return f.suspendEr
}

func sbcSession(t *testing.T) (*Session, *fakeHost) {
	t.Helper()
	s := NewSession()
	host := &fakeHost{}
	if err := s.SessionStart(CodecConfiguration{Type: CodecSBC, SBC: SBCParams{
		Subband: 4, BlockLength: 16, Bitrate: 320000, SamplingRate: 44100,
		Channels: 2, Alloc: 0, MinBitpool: 2, MaxBitpool: 53,
	}}, host); err != nil {
		t.Fatalf("SessionStart: %v", err)
	}
	return s, host
}

func TestSessionStartRejectsUnsupportedCodec(t *testing.T) {
	s := NewSession()
	err := s.SessionStart(CodecConfiguration{Type: CodecType(99)}, &fakeHost{})
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("SessionStart error = %v, want ErrUnsupportedCodec", err)
	}
}

func TestStartStreamSucceedsOnImmediateAck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, host := sbcSession(t)

		go func() {
			time.Sleep(testSignalDelay)
			s.Ack(StatusSuccess)
		}()

		if err := s.StartStream(context.Background()); err != nil {
			t.Fatalf("StartStream: %v", err)
		}
		if !slices.Equal(host.calls, []string{"Start"}) {
			t.Errorf("host calls = %v, want [Start]", host.calls)
		}
	})
}

func TestStartStreamPendingThenSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := sbcSession(t)

		go func() {
			time.Sleep(testSignalDelay)
			s.Ack(StatusPending)
			time.Sleep(testSignalDelay)
			s.Ack(StatusSuccess)
		}()

		if err := s.StartStream(context.Background()); err != nil {
			t.Fatalf("StartStream: %v", err)
		}
	})
}

func TestStartStreamPendingThenTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := sbcSession(t)

		go func() {
			time.Sleep(testSignalDelay)
			s.Ack(StatusPending)
			// no second ack ever arrives
		}()

		err := s.StartStream(context.Background())
		if !errors.Is(err, ErrAckTimeout) {
			t.Fatalf("StartStream error = %v, want ErrAckTimeout", err)
		}
	})
}

func TestStartStreamNoAckTimesOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := sbcSession(t)

		err := s.StartStream(context.Background())
		if !errors.Is(err, ErrAckTimeout) {
			t.Fatalf("StartStream error = %v, want ErrAckTimeout", err)
		}
	})
}

func TestStartStreamFailureRetriesThenSucceeds(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, host := sbcSession(t)

		go func() {
			time.Sleep(testSignalDelay)
			s.Ack(StatusFailure) // retries StartStream, does not signal
			time.Sleep(testSignalDelay)
			s.Ack(StatusSuccess)
		}()

		if err := s.StartStream(context.Background()); err != nil {
			t.Fatalf("StartStream: %v", err)
		}
		if !slices.Equal(host.calls, []string{"Start", "Start"}) {
			t.Errorf("host calls = %v, want [Start Start] (retry on failure)", host.calls)
		}
	})
}

func TestStopStreamReturnsImmediatelyWithoutAck(t *testing.T) {
	s, host := sbcSession(t)

	if err := s.StopStream(context.Background()); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	if !slices.Equal(host.calls, []string{"Stop"}) {
		t.Errorf("host calls = %v, want [Stop]", host.calls)
	}
}

func TestSuspendStreamSucceedsOnAck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, host := sbcSession(t)

		go func() {
			time.Sleep(testSignalDelay)
			s.Ack(StatusSuccess)
		}()

		if err := s.SuspendStream(context.Background()); err != nil {
			t.Fatalf("SuspendStream: %v", err)
		}
		if !slices.Equal(host.calls, []string{"Suspend"}) {
			t.Errorf("host calls = %v, want [Suspend]", host.calls)
		}
	})
}

func TestSuspendStreamFailureRetriesWithoutSignal(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, host := sbcSession(t)

		go func() {
			time.Sleep(testSignalDelay)
			s.Ack(StatusFailure)
		}()

		err := s.SuspendStream(context.Background())
		if !errors.Is(err, ErrAckTimeout) {
			t.Fatalf("SuspendStream error = %v, want ErrAckTimeout (no retry signal should wake it)", err)
		}
		if !slices.Equal(host.calls, []string{"Suspend", "Suspend"}) {
			t.Errorf("host calls = %v, want [Suspend Suspend] (retry on failure)", host.calls)
		}
	})
}

func TestStartStreamContextCanceled(t *testing.T) {
	s, _ := sbcSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.StartStream(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("StartStream error = %v, want context.Canceled", err)
	}
}

func TestCodecConfigSBC(t *testing.T) {
	s, _ := sbcSession(t)
	buf := s.CodecConfig()
	if len(buf) != codecConfigSize {
		t.Fatalf("len(buf) = %d, want %d", len(buf), codecConfigSize)
	}
	if buf[18] != 2 {
		t.Errorf("channels byte = %d, want 2", buf[18])
	}
	if buf[21] != 53 {
		t.Errorf("max bitpool byte = %d, want 53", buf[21])
	}
}

func TestCodecConfigAptxLeavesSecondHalfZero(t *testing.T) {
	s := NewSession()
	host := &fakeHost{}
	if err := s.SessionStart(CodecConfiguration{Type: CodecAPTX, Aptx: AptxParams{
		Bitrate: 352000, SamplingRate: 48000, Channels: 2,
	}}, host); err != nil {
		t.Fatalf("SessionStart: %v", err)
	}

	buf := s.CodecConfig()
	if len(buf) != codecConfigSize {
		t.Fatalf("len(buf) = %d, want %d", len(buf), codecConfigSize)
	}
	if buf[10] != 2 {
		t.Errorf("channels byte = %d, want 2", buf[10])
	}
	for i := 11; i < codecConfigSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("buf[%d] = %d, want 0 (second half unused by aptx)", i, buf[i])
		}
	}
}
