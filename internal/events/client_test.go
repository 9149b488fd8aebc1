package events

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// pipeConn adapts a net.Conn pair to io.ReadWriteCloser for the Dialer seam.
func pipeConn() (client io.ReadWriteCloser, server net.Conn) {
	a, b := net.Pipe()
	return a, b
}

func TestSubscribeDecodesBlock(t *testing.T) {
	client, server := pipeConn()
	c := NewClientWithDialer(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return client, nil
	})

	go func() {
		// drain the subscribe request
		buf := make([]byte, 256)
		server.SetReadDeadline(time.Now().Add(time.Second))
		server.Read(buf)

		frame, err := encodeFrame(tagBlock, wireBlock{Height: 5, ID: "b5", ParentID: "b4"})
		if err != nil {
			t.Errorf("encodeFrame: %v", err)
			return
		}
		server.Write(frame)
		server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evs, errc := c.Subscribe(ctx, 1)

	select {
	case ev, ok := <-evs:
		if !ok {
			t.Fatal("channel closed before delivering event")
		}
		b, ok := ev.(Block)
		if !ok {
			t.Fatalf("got %T, want Block", ev)
		}
		if b.Height != 5 || b.ID != "b5" {
			t.Errorf("got %+v", b)
		}
	case err := <-errc:
		t.Fatalf("unexpected error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestSubscribeSurfacesDialError(t *testing.T) {
	wantErr := io.ErrClosedPipe
	c := NewClientWithDialer(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, wantErr
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, errc := c.Subscribe(ctx, 1)

	select {
	case err := <-errc:
		var ce *ConnError
		if err == nil {
			t.Fatal("expected error")
		}
		if !asConnError(err, &ce) {
			t.Fatalf("got %v, want *ConnError", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for error")
	}
}

func asConnError(err error, target **ConnError) bool {
	ce, ok := err.(*ConnError)
	if ok {
		*target = ce
	}
	return ok
}

func TestIsWavesAssetID(t *testing.T) {
	cases := map[string]bool{"WAVES": true, "": true, "3P...": false}
	for id, want := range cases {
		if got := IsWavesAssetID(id); got != want {
			t.Errorf("IsWavesAssetID(%q) = %v, want %v", id, got, want)
		}
	}
}
