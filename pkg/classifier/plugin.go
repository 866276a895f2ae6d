package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"net/rpc"
	"os"
	"os/exec"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// PluginName is the dispense key of the classifier plugin.
const PluginName = "classifier"

// Handshake must match between the bridge and a classifier plugin binary.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "A2ABRIDGE_PLUGIN",
	MagicCookieValue: "reply-classifier",
}

// ClassifyArgs is the RPC request.
type ClassifyArgs struct {
	Reply string
}

// ClassifyResult is the RPC response.
type ClassifyResult struct {
	State string
}

// RPCServer exposes a Classifier over net/rpc.
type RPCServer struct {
	Impl Classifier
}

func (s *RPCServer) Classify(args ClassifyArgs, resp *ClassifyResult) error {
	resp.State = string(s.Impl.Classify(context.Background(), args.Reply))
	return nil
}

// RPCClient calls a classifier served by RPCServer.
type RPCClient struct {
	client *rpc.Client
}

// NewRPCClient wraps an established connection.
func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{client: c}
}

// Call classifies reply remotely.
func (c *RPCClient) Call(reply string) (a2a.TaskState, error) {
	var resp ClassifyResult
	if err := c.client.Call("Plugin.Classify", ClassifyArgs{Reply: reply}, &resp); err != nil {
		return "", err
	}
	return a2a.TaskState(resp.State), nil
}

// ClassifierPlugin is the go-plugin definition shared by host and plugin.
type ClassifierPlugin struct {
	Impl Classifier
}

func (p *ClassifierPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *ClassifierPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return NewRPCClient(c), nil
}

// Serve runs impl as a plugin. It is called from a plugin binary's main
// and does not return.
func Serve(impl Classifier) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{PluginName: &ClassifierPlugin{Impl: impl}},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "classifier-plugin",
			Level:  hclog.Info,
			Output: os.Stderr,
		}),
	})
}

// Plugin classifies through an out-of-process plugin. Failed calls fall
// back to a local classifier.
type Plugin struct {
	client   *plugin.Client
	remote   *RPCClient
	fallback Classifier
}

// LoadPlugin starts the plugin at path.
func LoadPlugin(path string, fallback Classifier) (*Plugin, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("classifier plugin not found: %w", err)
	}
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]plugin.Plugin{PluginName: &ClassifierPlugin{}},
		Cmd:              exec.Command(path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "a2abridge-plugin",
			Level: hclog.Info,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start classifier plugin: %w", err)
	}
	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense classifier plugin: %w", err)
	}
	remote, ok := raw.(*RPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not serve a classifier", path)
	}
	slog.Info("Loaded classifier plugin", "path", path)
	return &Plugin{client: client, remote: remote, fallback: fallback}, nil
}

func (p *Plugin) Classify(ctx context.Context, reply string) a2a.TaskState {
	state, err := p.remote.Call(reply)
	if err == nil {
		switch state {
		case a2a.TaskStateCompleted, a2a.TaskStateInputRequired, a2a.TaskStateFailed, a2a.TaskStateRejected:
			return state
		}
		err = fmt.Errorf("unsupported state %q", state)
	}
	slog.Warn("Classifier plugin failed, using fallback", "error", err)
	return p.fallback.Classify(ctx, reply)
}

// Close kills the plugin process.
func (p *Plugin) Close() error {
	p.client.Kill()
	return nil
}
