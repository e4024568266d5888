package lib

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/printlink/internal/app/send"
	"github.com/slok/printlink/internal/channel"
	"github.com/slok/printlink/internal/channel/memory"
	"github.com/slok/printlink/internal/channel/websocket"
	"github.com/slok/printlink/internal/correlator"
	"github.com/slok/printlink/internal/device/fake"
	"github.com/slok/printlink/internal/model"
	"github.com/slok/printlink/internal/transfer"
)

// SendOpts configures [Client.Send]. All fields are optional.
type SendOpts struct {
	// DeviceID is the printer, by default [Config.DeviceID].
	DeviceID string
	// Target is the printer storage, by default [TargetLocal].
	Target Target
	// Name is the file name on the printer, by default <task-id>.gcode.
	Name string
	// StartPrint starts printing once the printer stored the file.
	StartPrint bool
	// CommandTimeout is the wait for the print start answer.
	CommandTimeout time.Duration
	// OnProgress receives the storage progress reported by the printer.
	OnProgress func(percent int)
}

// Send uploads the artifact of a succeeded task to a printer. Analysis tasks
// send their patch and need an approval first.
//
// An upload the printer never answered is returned as unconfirmed, not as an
// error.
func (c *Client) Send(ctx context.Context, taskID string, opts SendOpts) (*Upload, error) {
	if opts.DeviceID == "" {
		opts.DeviceID = c.cfg.DeviceID
	}
	if opts.Target == "" {
		opts.Target = TargetLocal
	}
	if opts.Name == "" {
		opts.Name = taskID + ".gcode"
	}

	ch, closeCh, err := c.newChannel(ctx, opts.DeviceID)
	if err != nil {
		return nil, err
	}
	defer closeCh()

	corr, err := correlator.New(correlator.Config{Channel: ch, Logger: c.logger})
	if err != nil {
		return nil, fmt.Errorf("could not create correlator: %w", err)
	}
	defer corr.Close()

	up, err := transfer.NewUploader(transfer.UploaderConfig{
		Channel:       ch,
		Correlator:    corr,
		MaxChunkSize:  c.cfg.ChunkSize,
		ResultTimeout: c.cfg.ResultTimeout,
		Logger:        c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create uploader: %w", err)
	}

	svc, err := send.NewService(send.ServiceConfig{
		Tasks:          c.repo,
		Artifacts:      c.artifacts,
		Patches:        c.approvals,
		Uploader:       up,
		Commander:      corr,
		CommandTimeout: opts.CommandTimeout,
		Logger:         c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	resp, err := svc.Run(ctx, send.Request{
		TaskID:     taskID,
		DeviceID:   opts.DeviceID,
		Target:     model.Target(opts.Target),
		Name:       opts.Name,
		StartPrint: opts.StartPrint,
		OnProgress: opts.OnProgress,
	})
	if err != nil {
		return nil, mapError(err)
	}

	result := &Upload{
		UploadID: resp.Upload.UploadID,
		DeviceID: opts.DeviceID,
		Target:   opts.Target,
		Name:     opts.Name,
		Size:     resp.Size,
		Chunks:   resp.Upload.Chunks,
		Result:   fromInternalResult(resp.Upload.Result),
	}
	if resp.Print != nil {
		p := fromInternalResult(*resp.Print)
		result.Print = &p
	}

	return result, nil
}

// newChannel connects to the broker or, without one, starts a simulated
// printer on an in process broker.
func (c *Client) newChannel(ctx context.Context, deviceID string) (channel.Channel, func(), error) {
	if c.cfg.BrokerURL != "" {
		client, err := websocket.Dial(ctx, websocket.ClientConfig{URL: c.cfg.BrokerURL, Logger: c.logger})
		if err != nil {
			return nil, nil, fmt.Errorf("could not connect to broker: %w", err)
		}
		return client, func() { _ = client.Close() }, nil
	}

	broker, err := memory.NewBroker(memory.BrokerConfig{Logger: c.logger})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create memory broker: %w", err)
	}
	dev, err := fake.NewDevice(ctx, fake.DeviceConfig{
		DeviceID:      deviceID,
		Channel:       broker,
		ProgressSteps: []int{25, 50, 75, 100},
		Logger:        c.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create simulated device: %w", err)
	}

	return broker, dev.Close, nil
}
