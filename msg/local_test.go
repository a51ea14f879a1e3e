package msg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mrinal-mann/Knugget-new/core"
)

func TestLocalChannelDispatch(t *testing.T) {
	ch := NewLocalChannel(LocalChannelConfig{})

	ch.Handle(KindCheckAuthStatus, func(ctx context.Context, m Message) (Message, error) {
		return NewMessage(KindAuthStatusChanged, AuthStatusPayload{
			Authenticated: true,
			User:          &core.User{ID: "user-1", Name: "Ada"},
		})
	})

	reply, err := ch.Request(context.Background(), Message{Kind: KindCheckAuthStatus})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if reply.Kind != KindAuthStatusChanged {
		t.Errorf("reply kind = %q, want %q", reply.Kind, KindAuthStatusChanged)
	}

	var status AuthStatusPayload
	if err := reply.DecodePayload(&status); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !status.Authenticated || status.User == nil || status.User.ID != "user-1" {
		t.Errorf("status = %+v, want authenticated user-1", status)
	}
}

func TestLocalChannelNoListener(t *testing.T) {
	ch := NewLocalChannel(LocalChannelConfig{})

	_, err := ch.Request(context.Background(), Message{Kind: KindLogout})
	if !errors.Is(err, ErrNoListener) {
		t.Fatalf("Request() error = %v, want ErrNoListener", err)
	}
}

func TestLocalChannelReplaceHandler(t *testing.T) {
	ch := NewLocalChannel(LocalChannelConfig{})

	ch.Handle(KindLogout, func(ctx context.Context, m Message) (Message, error) {
		return NewMessage(KindLogout, AckPayload{OK: false})
	})
	ch.Handle(KindLogout, func(ctx context.Context, m Message) (Message, error) {
		return NewMessage(KindLogout, AckPayload{OK: true})
	})

	reply, err := ch.Request(context.Background(), Message{Kind: KindLogout})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	var ack AckPayload
	if err := reply.DecodePayload(&ack); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !ack.OK {
		t.Error("expected the replacement handler to answer")
	}
}

func TestLocalChannelNilHandlerRemoves(t *testing.T) {
	ch := NewLocalChannel(LocalChannelConfig{})

	ch.Handle(KindRefreshToken, func(ctx context.Context, m Message) (Message, error) {
		return Message{Kind: KindRefreshToken}, nil
	})
	ch.Handle(KindRefreshToken, nil)

	_, err := ch.Request(context.Background(), Message{Kind: KindRefreshToken})
	if !errors.Is(err, ErrNoListener) {
		t.Fatalf("Request() error = %v, want ErrNoListener", err)
	}
}

func TestLocalChannelCancelledContext(t *testing.T) {
	ch := NewLocalChannel(LocalChannelConfig{})
	ch.Handle(KindCheckAuthStatus, func(ctx context.Context, m Message) (Message, error) {
		t.Error("handler should not run with a cancelled context")
		return Message{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Request(ctx, Message{Kind: KindCheckAuthStatus})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Request() error = %v, want context.Canceled", err)
	}
}

func TestLocalChannelAppliesTimeout(t *testing.T) {
	ch := NewLocalChannel(LocalChannelConfig{RequestTimeout: 50 * time.Millisecond})

	ch.Handle(KindCheckAuthStatus, func(ctx context.Context, m Message) (Message, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Error("handler context has no deadline")
		} else if until := time.Until(deadline); until > 50*time.Millisecond {
			t.Errorf("deadline %v away, want <= 50ms", until)
		}
		return Message{Kind: KindAuthStatusChanged}, nil
	})

	if _, err := ch.Request(context.Background(), Message{Kind: KindCheckAuthStatus}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
}

func TestLocalChannelHandlerError(t *testing.T) {
	ch := NewLocalChannel(LocalChannelConfig{})

	handlerErr := errors.New("session unavailable")
	ch.Handle(KindRefreshToken, func(ctx context.Context, m Message) (Message, error) {
		return Message{}, handlerErr
	})

	_, err := ch.Request(context.Background(), Message{Kind: KindRefreshToken})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("Request() error = %v, want handler error", err)
	}
}

func TestMessagePayloadRoundTrip(t *testing.T) {
	rec := core.AuthRecord{
		AccessToken: "token-1",
		User:        core.User{ID: "user-1", Email: "ada@example.com"},
		ExpiresAt:   1700000000000,
	}

	m, err := NewMessage(KindExternalAuthSuccess, rec)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	var decoded core.AuthRecord
	if err := m.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if decoded.AccessToken != rec.AccessToken || decoded.User.ID != rec.User.ID {
		t.Errorf("decoded = %+v, want %+v", decoded, rec)
	}
}

func TestMessageDecodeEmptyPayload(t *testing.T) {
	m := Message{Kind: KindExternalCheckAuth}

	var out AuthStatusPayload
	if err := m.DecodePayload(&out); err == nil {
		t.Fatal("DecodePayload() on empty payload should fail")
	}
}
