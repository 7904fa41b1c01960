package cli

import (
	"context"

	"github.com/dshills/keymesh/internal/services"
)

// EchoService declares the echo queryable on client.echo_key.
func EchoService(ctx context.Context, env *Env) error {
	_, err := services.DeclareEcho(ctx, env.Node, env.Config.Client.EchoKey)
	if err == nil {
		env.Logger.Info().Str("key", env.Config.Client.EchoKey).Msg("echo service ready")
	}
	return err
}

// ConvertService declares the convert queryable on client.convert_key.
func ConvertService(ctx context.Context, env *Env) error {
	_, err := services.DeclareConvert(ctx, env.Node, env.Config.Client.ConvertKey)
	if err == nil {
		env.Logger.Info().Str("key", env.Config.Client.ConvertKey).Msg("convert service ready")
	}
	return err
}

// ScriptServices declares every configured Lua script.
func ScriptServices(ctx context.Context, env *Env) error {
	_, err := services.DeclareScripts(ctx, env.Node, env.Config.Scripts)
	return err
}

// SensorPublisher publishes simulated readings on sensor.key.
func SensorPublisher(ctx context.Context, env *Env) error {
	pub, err := env.Node.DeclarePublisher(ctx, env.Config.Sensor.Key)
	if err != nil {
		return err
	}
	sensor := services.NewSensor(env.Config.Sensor, pub, env.Logger)
	return env.Node.Go("sensor", func(ctx context.Context) {
		if err := sensor.Run(ctx); err != nil {
			env.Logger.Error().Err(err).Msg("sensor stopped")
		}
	})
}

// SensorSubscriber logs every sample matching sensor.pattern.
func SensorSubscriber(ctx context.Context, env *Env) error {
	monitor := services.NewMonitor(env.Logger)
	_, err := env.Node.DeclareSubscriberFunc(ctx, env.Config.Sensor.Pattern, monitor.Observe)
	if err == nil {
		env.Logger.Info().Str("pattern", env.Config.Sensor.Pattern).Msg("monitoring")
	}
	return err
}

// PollingClient queries echo and convert in paced waves.
func PollingClient(_ context.Context, env *Env) error {
	client := services.NewClient(env.Config.Client, env.Node, env.Logger)
	return env.Node.Go("client", func(ctx context.Context) {
		_ = client.Run(ctx)
	})
}

// Combine runs setups in order and stops at the first error.
func Combine(setups ...Setup) Setup {
	return func(ctx context.Context, env *Env) error {
		for _, setup := range setups {
			if err := setup(ctx, env); err != nil {
				return err
			}
		}
		return nil
	}
}

// AllServices is the multi-service node: scripts, echo, convert, the sensor
// publisher and monitor, and the polling client.
var AllServices = Combine(
	ScriptServices,
	EchoService,
	ConvertService,
	SensorSubscriber,
	SensorPublisher,
	PollingClient,
)
