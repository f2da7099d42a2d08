package plugin

import (
	"context"
	"errors"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that the handler module and host are compatible
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "HOTARU_HANDLER",
	MagicCookieValue: "hotaru-handler-v1",
}

// PluginMap is the map of plugins we can dispense
var PluginMap = map[string]plugin.Plugin{
	"handler": &HandlerRPCPlugin{},
}

// Module is the contract a compiled handler module must expose: one
// invocable entry point. Failing to serve it is a fatal load error.
type Module interface {
	Handle(ctx context.Context, payload map[string]any, options map[string]any) (Result, error)
}

// HandlerRPCPlugin is the implementation of plugin.Plugin for RPC
type HandlerRPCPlugin struct {
	Impl Module
}

func (p *HandlerRPCPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &HandlerRPCServer{Impl: p.Impl}, nil
}

func (p *HandlerRPCPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &HandlerRPCClient{client: c}, nil
}

// HandleArgs are the arguments for the Handle RPC call
type HandleArgs struct {
	Payload map[string]any
	Options map[string]any
}

// HandleResp is the response for the Handle RPC call
type HandleResp struct {
	Result Result
	Err    string
}

// HandlerRPCServer is the RPC server that HandlerRPCClient talks to
type HandlerRPCServer struct {
	Impl Module
}

func (s *HandlerRPCServer) Handle(args *HandleArgs, resp *HandleResp) error {
	result, err := s.Impl.Handle(context.Background(), args.Payload, args.Options)
	resp.Result = result
	if err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// HandlerRPCClient is the RPC client that talks to HandlerRPCServer
type HandlerRPCClient struct {
	client *rpc.Client
}

func (c *HandlerRPCClient) Handle(ctx context.Context, payload map[string]any, options map[string]any) (Result, error) {
	var resp HandleResp
	if err := c.client.Call("Plugin.Handle", &HandleArgs{Payload: payload, Options: options}, &resp); err != nil {
		return Result{}, err
	}
	if resp.Err != "" {
		return Result{}, errors.New(resp.Err)
	}
	return resp.Result, nil
}

// Serve serves a handler module from a plugin executable's main
func Serve(impl Module) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"handler": &HandlerRPCPlugin{Impl: impl},
		},
	})
}
