package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/audio/device"
	"github.com/liuscraft/orion-gateway/internal/delivery"
	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/relay/ttsrelay"
	"github.com/liuscraft/orion-gateway/internal/text"
	"github.com/liuscraft/orion-gateway/internal/transport"
)

type ttsOptions struct {
	url        string
	voice      string
	text       []string
	output     string
	play       bool
	sampleRate int
	frameMs    int
	version    int
	segmentMax int
}

type deviceConn interface {
	Read() (int, []byte, error)
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	Close() error
}

// pcmSink receives decoded downlink audio at the rate announced by start.
type pcmSink func(sampleRate int, pcm []byte) error

func runTTS(ctx context.Context, o ttsOptions) error {
	if o.output == "" && !o.play {
		return errors.New("nothing to do with the audio: pass --output or --play")
	}
	conn, _, err := transport.WebSocketDialer(o.url, nil)(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.url, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var sinks []pcmSink
	if o.output != "" {
		f, err := os.Create(o.output)
		if err != nil {
			return err
		}
		defer f.Close()
		sinks = append(sinks, func(_ int, pcm []byte) error {
			_, err := f.Write(pcm)
			return err
		})
	}
	if o.play {
		if err := device.Initialize(); err != nil {
			return fmt.Errorf("init audio: %w", err)
		}
		defer device.Terminate()
		var speaker *device.Speaker
		defer func() {
			if speaker != nil {
				speaker.Close()
			}
		}()
		sinks = append(sinks, func(rate int, pcm []byte) error {
			if speaker == nil {
				var err error
				speaker, err = device.OpenSpeaker(rate, rate*o.frameMs/1000)
				if err != nil {
					return err
				}
			}
			_, err := speaker.Write(pcm)
			return err
		})
	}

	newDecoder := func(rate int) (audio.Decoder, error) { return audio.NewOpusDecoder(rate) }
	return synthesize(conn, o, newDecoder, func(rate int, pcm []byte) error {
		for _, sink := range sinks {
			if err := sink(rate, pcm); err != nil {
				return err
			}
		}
		return nil
	})
}

// textChunks splits the input into sentences the way a streaming model
// would deliver them. segmentMax < 0 sends the chunks as given.
func textChunks(in []string, segmentMax int) []string {
	if segmentMax < 0 {
		return in
	}
	seg := text.NewSegmenter(segmentMax)
	var out []string
	for _, chunk := range in {
		out = append(out, seg.Feed(chunk)...)
	}
	if rest := seg.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

// synthesize runs one config/start/text/finish exchange and feeds decoded
// audio to sink until the gateway reports stop or error.
func synthesize(conn deviceConn, o ttsOptions, newDecoder func(int) (audio.Decoder, error), sink pcmSink) error {
	send := func(msg ttsrelay.Message) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return conn.WriteText(data)
	}

	if err := send(ttsrelay.Message{
		Type:            ttsrelay.MessageConfig,
		Voice:           o.voice,
		SampleRate:      o.sampleRate,
		FrameDuration:   o.frameMs,
		ProtocolVersion: o.version,
	}); err != nil {
		return err
	}
	if err := send(ttsrelay.Message{Type: ttsrelay.MessageStart, Voice: o.voice}); err != nil {
		return err
	}
	for _, chunk := range textChunks(o.text, o.segmentMax) {
		if err := send(ttsrelay.Message{Type: ttsrelay.MessageText, Text: chunk}); err != nil {
			return err
		}
	}
	if err := send(ttsrelay.Message{Type: ttsrelay.MessageFinish}); err != nil {
		return err
	}

	rate := o.sampleRate
	var dec audio.Decoder
	frames := 0
	for {
		messageType, data, err := conn.Read()
		if err != nil {
			if transport.IsNormalClose(err) || errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("gateway closed the connection after %d frames", frames)
			}
			return err
		}

		if messageType == transport.BinaryMessage {
			if dec == nil {
				if dec, err = newDecoder(rate); err != nil {
					return err
				}
			}
			_, packet, err := delivery.ParseAudio(o.version, data)
			if err != nil {
				return err
			}
			pcm, err := dec.Decode(packet)
			if err != nil {
				return err
			}
			frames++
			if err := sink(rate, pcm); err != nil {
				return err
			}
			continue
		}

		var n delivery.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			logging.Warnf("malformed gateway message: %v", err)
			continue
		}
		switch n.State {
		case "start":
			if n.SampleRate > 0 && n.SampleRate != rate {
				rate, dec = n.SampleRate, nil
			}
			logging.Infof("synthesis started at %d Hz", rate)
		case "sentence_start":
			logging.Infof("sentence: %s", n.Text)
		case "stop":
			logging.Infof("synthesis finished after %d frames", frames)
			return nil
		case "error":
			return fmt.Errorf("gateway error: %s", n.Text)
		}
	}
}
