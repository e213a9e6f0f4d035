package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/liuscraft/orion-gateway/internal/audio/device"
)

func runDevices(out io.Writer) error {
	if err := device.Initialize(); err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer device.Terminate()

	infos, err := device.List()
	if err != nil {
		return err
	}
	return printDevices(out, infos)
}

func printDevices(out io.Writer, infos []device.Info) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHOST API\tIN\tOUT\tRATE\tLATENCY IN/OUT\tDEFAULT")
	for _, d := range infos {
		def := ""
		switch {
		case d.DefaultInput && d.DefaultOutput:
			def = "input,output"
		case d.DefaultInput:
			def = "input"
		case d.DefaultOutput:
			def = "output"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f\t%v/%v\t%s\n",
			d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate,
			d.InputLatency, d.OutputLatency, def)
	}
	return tw.Flush()
}
