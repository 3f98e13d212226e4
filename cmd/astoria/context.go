package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"astoria/internal/bus"
	"astoria/internal/config"
	"astoria/internal/ipc"
	"astoria/internal/logging"
)

// dialFunc builds an unconnected bus client for one CLI invocation.
type dialFunc func(cfg *config.Config, clientID string) bus.Client

func dialMQTT(cfg *config.Config, clientID string) bus.Client {
	return bus.NewMQTTClient(bus.MQTTOptions{
		Broker:           cfg.BrokerAddress(),
		ClientID:         clientID,
		EnableTLS:        cfg.MQTT.EnableTLS,
		ForceProtocolV31: cfg.MQTT.ForceProtocolVersion31,
		ConnectTimeout:   time.Duration(cfg.MQTT.ConnectTimeoutSeconds) * time.Second,
		KeepAlive:        time.Duration(cfg.MQTT.KeepAliveSeconds) * time.Second,
		Logger:           logging.NewNop(),
	})
}

type commandContext struct {
	configFlag *string
	dial       dialFunc
	timeout    time.Duration

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, dial dialFunc) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		dial:       dial,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) requestTimeout(cfg *config.Config) time.Duration {
	if c.timeout > 0 {
		return c.timeout
	}
	return cfg.RequestTimeout()
}

func (c *commandContext) stopTimeout(cfg *config.Config) time.Duration {
	timeout := c.requestTimeout(cfg)
	if floor := cfg.KillGrace() + stopReplyMargin; timeout < floor {
		return floor
	}
	return timeout
}

// withBus connects a short-lived client, runs fn and disconnects.
func (c *commandContext) withBus(ctx context.Context, fn func(*config.Config, bus.Client) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	client := c.dial(cfg, "astoria-cli-"+uuid.NewString()[:8])
	connectCtx, cancel := context.WithTimeout(ctx, c.requestTimeout(cfg))
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect to broker %s: %w", cfg.BrokerAddress(), err)
	}
	defer client.Disconnect(context.Background()) //nolint:errcheck
	return fn(cfg, client)
}

// stopReplyMargin is added to the kill grace when waiting for a stop reply.
const stopReplyMargin = 3 * time.Second

type rpcFunc func(context.Context, *ipc.Requester, time.Duration) (ipc.ResponseEnvelope, error)

// call issues one RPC and turns a failed response into an error.
func (c *commandContext) call(cmd *cobra.Command, fn rpcFunc) error {
	return c.callWithin(cmd, c.requestTimeout, fn)
}

// callStopping issues an RPC that may have to wait out the kill grace of
// user code ignoring SIGTERM.
func (c *commandContext) callStopping(cmd *cobra.Command, fn rpcFunc) error {
	return c.callWithin(cmd, c.stopTimeout, fn)
}

func (c *commandContext) callWithin(cmd *cobra.Command, timeout func(*config.Config) time.Duration, fn rpcFunc) error {
	return c.withBus(cmd.Context(), func(cfg *config.Config, client bus.Client) error {
		requester := ipc.NewRequester(client, cfg.MQTT.TopicPrefix, "astoria-cli", logging.NewNop())
		resp, err := fn(cmd.Context(), requester, timeout(cfg))
		if err != nil {
			return err
		}
		if !resp.Success {
			if resp.Reason == "" {
				return errors.New("request failed")
			}
			return errors.New(resp.Reason)
		}
		return nil
	})
}

// readState waits for the retained state of manager and decodes it into out.
func (c *commandContext) readState(cmd *cobra.Command, manager string, out any) (ipc.StateEnvelope, error) {
	var env ipc.StateEnvelope
	err := c.withBus(cmd.Context(), func(cfg *config.Config, client bus.Client) error {
		got := make(chan ipc.StateEnvelope, 1)
		topic := ipc.StateTopic(cfg.MQTT.TopicPrefix, manager)
		err := client.Subscribe(topic, func(msg bus.Message) {
			var e ipc.StateEnvelope
			if ipc.Decode(msg.Payload, &e) != nil {
				return
			}
			select {
			case got <- e:
			default:
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		defer client.Unsubscribe(topic) //nolint:errcheck

		timer := time.NewTimer(c.requestTimeout(cfg))
		defer timer.Stop()
		select {
		case env = <-got:
		case <-timer.C:
			return fmt.Errorf("no state published by %s; is it running?", manager)
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
		return env.DecodeState(out)
	})
	return env, err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
