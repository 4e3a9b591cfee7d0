package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// microphoneDevice is the malgo-backed CaptureDevice: one audio context and
// one capture device, both torn down together on Stop.
type microphoneDevice struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func newMicrophoneDevice() (CaptureDevice, error) {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &microphoneDevice{ctx: ctx}, nil
}

func (d *microphoneDevice) Start(onData func(pcm []byte)) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = CaptureSampleRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			// malgo reuses the input buffer between callbacks.
			onData(append([]byte(nil), input...))
		},
	}

	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		d.ctx.Uninit()
		return fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		d.ctx.Uninit()
		return fmt.Errorf("start microphone: %w", err)
	}
	d.device = device
	return nil
}

func (d *microphoneDevice) Stop() error {
	if d.device != nil {
		_ = d.device.Stop()
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx = nil
	}
	return nil
}
