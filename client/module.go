package client

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
)

const optionsGroup = `group:"shardline.options"`

// Params are the dependencies of the fx constructor. Options supplied with
// AsOption are applied in registration order; a *zap.Logger in the graph is
// used unless an option overrides it.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    shardline.Config
	Logger    *zap.Logger `optional:"true"`
	Options   []Option    `group:"shardline.options"`
}

// Module provides *Client and shardline.Client. The client connects when
// the application starts and disconnects when it stops.
//
//	fx.New(
//	    fx.Supply(cfg),
//	    client.Module(),
//	    client.AsOption(client.WithGlobalLimiter(limiter)),
//	    fx.Invoke(func(c shardline.Client) { ... }),
//	)
func Module() fx.Option {
	return fx.Module("shardline",
		fx.Provide(
			NewFromParams,
			func(c *Client) shardline.Client { return c },
		),
	)
}

// AsOption contributes opt to the client built by Module.
func AsOption(opt Option) fx.Option {
	return fx.Provide(fx.Annotate(
		func() Option { return opt },
		fx.ResultTags(optionsGroup),
	))
}

func NewFromParams(p Params) (*Client, error) {
	opts := make([]Option, 0, len(p.Options)+1)
	if p.Logger != nil {
		opts = append(opts, WithLogger(p.Logger))
	}
	opts = append(opts, p.Options...)

	c, err := New(p.Config, opts...)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: c.Connect,
		OnStop:  c.Disconnect,
	})
	return c, nil
}
