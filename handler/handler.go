package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"live-recorder/constant"
	"live-recorder/dto"
	"live-recorder/entities"
	"live-recorder/service"
)

var ErrUnknownCommand = errors.New("unknown command")

// Controller is the part of service.Controller the control surfaces drive.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Clear(ctx context.Context) error
	Reload(ctx context.Context) ([]*entities.Record, error)
}

type ServiceDependencies struct {
	Controller Controller
}

// Dispatch runs one control command against the controller.
func Dispatch(ctx context.Context, c Controller, command constant.Command) error {
	zerolog.Ctx(ctx).Info().Str("command", string(command)).Msg("control command")
	switch command {
	case constant.CommandStart:
		return c.Start(ctx)
	case constant.CommandStop:
		return c.Stop(ctx)
	case constant.CommandReset:
		return c.Reset(ctx)
	case constant.CommandClear:
		return c.Clear(ctx)
	case constant.CommandReload:
		clips, err := c.Reload(ctx)
		if err != nil {
			return err
		}
		zerolog.Ctx(ctx).Info().Int("clips", len(clips)).Msg("reload recovered clips")
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}

// IsRejected reports errors caused by the command itself or the recorder's state;
// repeating the command cannot help.
func IsRejected(err error) bool {
	return errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, service.ErrNonRetryable) ||
		errors.Is(err, service.ErrNotRecording) ||
		errors.Is(err, service.ErrAlreadyRecording) ||
		errors.Is(err, service.ErrNotConfirmed) ||
		errors.Is(err, service.ErrNotPlayable)
}

func ControlHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var message dto.ControlMessage
	if err := json.Unmarshal(msg.Body, &message); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal control message")
		return backoff.Permanent(err)
	}

	err := Dispatch(ctx, deps.Controller, message.Command)
	if err == nil {
		return nil
	}
	if IsRejected(err) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("command", string(message.Command)).Msg("control command rejected")
		return nil
	}
	return err
}
