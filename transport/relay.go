package transport

import (
	"context"
	"encoding/json"
)

// Relay copies frames in both directions between a and b until either side
// terminates or ctx is done. Both transports are closed on return, and the
// error is the termination cause of the side that stopped first.
func Relay(ctx context.Context, a, b Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.Close()
	defer b.Close()

	errs := make(chan error, 2)
	go func() { errs <- forward(ctx, a, b) }()
	go func() { errs <- forward(ctx, b, a) }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func forward(ctx context.Context, from, to Transport) error {
	in := from.Receive()
	for {
		var msg json.RawMessage
		var ok bool
		select {
		case msg, ok = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			<-from.Done()
			return from.Err()
		}
		if err := to.Send(ctx, msg); err != nil {
			return err
		}
	}
}
