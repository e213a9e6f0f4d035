package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/audio/device"
	"github.com/liuscraft/orion-gateway/internal/relay/asrrelay"
	"github.com/liuscraft/orion-gateway/internal/transport"
)

const asrFrameMs = 60

type asrOptions struct {
	url        string
	seconds    int
	device     string
	sampleRate int
	wakeWords  string
}

// pcmSource yields one frame of PCM per call.
type pcmSource interface {
	Read(ctx context.Context) ([]byte, error)
}

func runASR(ctx context.Context, out io.Writer, o asrOptions) error {
	if err := device.Initialize(); err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer device.Terminate()

	mic, err := device.OpenMicrophone(o.sampleRate, o.sampleRate*asrFrameMs/1000, o.device)
	if err != nil {
		return err
	}
	defer mic.Close()

	enc, err := audio.NewOpusEncoder(o.sampleRate)
	if err != nil {
		return err
	}

	conn, _, err := transport.WebSocketDialer(o.url, nil)(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.url, err)
	}
	defer conn.Close()

	if o.seconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.seconds)*time.Second)
		defer cancel()
	}
	return recognize(ctx, conn, mic, enc, o.wakeWords, out)
}

// recognize streams encoded frames from src until ctx ends and prints every
// text result the relay sends back.
func recognize(ctx context.Context, conn deviceConn, src pcmSource, enc audio.Encoder, wakeWords string, out io.Writer) error {
	listen, _ := json.Marshal(map[string]string{"type": "listen", "state": "start", "mode": "auto"})
	if err := conn.WriteText(listen); err != nil {
		return err
	}
	if wakeWords != "" {
		detect, _ := json.Marshal(map[string]string{"type": "detect", "words": wakeWords})
		if err := conn.WriteText(detect); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer conn.Close()
		for {
			pcm, err := src.Read(gctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			packet, err := enc.Encode(pcm)
			if err != nil {
				return err
			}
			if err := conn.WriteBinary(packet); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			messageType, data, err := conn.Read()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, transport.ErrClosed) || transport.IsNormalClose(err) {
					return nil
				}
				return err
			}
			if messageType != transport.TextMessage {
				continue
			}
			var msg asrrelay.TextMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "text" {
				fmt.Fprintln(out, msg.Text)
			}
		}
	})
	return g.Wait()
}
