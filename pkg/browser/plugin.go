package browser

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"
	"strconv"
	"sync"

	"github.com/hashicorp/go-plugin"
)

// Handshake is shared between host and plugin process so only binaries
// built for this exact protocol version are accepted.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "BUGNINJA_BROWSER_CONTROLLER",
	MagicCookieValue: "engine",
}

// PluginMap is the set go-plugin needs on both sides of the boundary.
func PluginMap() map[string]plugin.Plugin {
	return map[string]plugin.Plugin{"controller": &ControllerPlugin{}}
}

// ControllerPlugin adapts Controller to go-plugin's classic net/rpc plugin
// interface. RPC cannot carry interface values (Element) across the wire,
// so every element-returning call replies with an opaque handle string;
// rpcClient resolves it back into an rpcElement that forwards operations
// through that handle.
type ControllerPlugin struct {
	Impl Controller
}

func (p *ControllerPlugin) Server(*plugin.MuxBroker) (any, error) {
	return newRPCServer(p.Impl), nil
}

func (p *ControllerPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// --- RPC argument/reply shapes ---

type gotoArgs struct{ URL string }
type waitArgs struct{ State string }
type evaluateArgs struct{ Expr string }
type evaluateReply struct{ Value any }
type wheelArgs struct{ DX, DY float64 }
type screencapReply struct{ Bytes []byte }
type indexArgs struct{ Index int }
type xpathArgs struct{ XPath string }
type proximityArgs struct {
	TagName string
	Box     BoundingBox
}
type handleReply struct {
	Handle string
	Found  bool
}
type handleArgs struct{ Handle string }
type handleTextArgs struct {
	Handle string
	Text   string
}
type handleValueArgs struct {
	Handle string
	Value  string
}
type handleDragArgs struct{ From, To string }
type handleKeyArgs struct {
	Handle string
	Key    string
}
type boolReply struct{ Value bool }
type optionsReply struct{ Values []string }
type boxReply struct{ Box BoundingBox }
type tabArgs struct{ Index int }

// rpcServer runs in the plugin process and dispatches onto a real
// Controller implementation supplied by the plugin author. It keeps a
// registry of live element handles, since Element values cannot cross an
// RPC boundary directly.
type rpcServer struct {
	impl Controller

	mu      sync.Mutex
	handles map[string]Element
	nextID  int
}

func newRPCServer(impl Controller) *rpcServer {
	return &rpcServer{impl: impl, handles: make(map[string]Element)}
}

func (s *rpcServer) register(el Element) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.handles[id] = el
	return id
}

func (s *rpcServer) resolve(handle string) (Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.handles[handle]
	if !ok {
		return nil, fmt.Errorf("browser plugin: handle %q not found", handle)
	}
	return el, nil
}

func (s *rpcServer) Goto(args gotoArgs, _ *struct{}) error {
	return s.impl.Goto(context.Background(), args.URL)
}

func (s *rpcServer) WaitForLoadState(args waitArgs, _ *struct{}) error {
	return s.impl.WaitForLoadState(context.Background(), args.State)
}

func (s *rpcServer) Evaluate(args evaluateArgs, reply *evaluateReply) error {
	v, err := s.impl.Evaluate(context.Background(), args.Expr)
	if err != nil {
		return err
	}
	reply.Value = v
	return nil
}

func (s *rpcServer) MouseWheel(args wheelArgs, _ *struct{}) error {
	return s.impl.MouseWheel(context.Background(), args.DX, args.DY)
}

func (s *rpcServer) Screencap(_ struct{}, reply *screencapReply) error {
	b, err := s.impl.Screencap(context.Background())
	if err != nil {
		return err
	}
	reply.Bytes = b
	return nil
}

func (s *rpcServer) DumpDOMSummary(_ struct{}, reply *StateSummary) error {
	summary, err := s.impl.DumpDOMSummary(context.Background())
	if err != nil {
		return err
	}
	*reply = summary
	return nil
}

func (s *rpcServer) ElementByIndex(args indexArgs, reply *handleReply) error {
	el, ok, err := s.impl.Element(context.Background(), args.Index)
	if err != nil || !ok {
		return err
	}
	reply.Found = true
	reply.Handle = s.register(el)
	return nil
}

func (s *rpcServer) ElementByXPath(args xpathArgs, reply *handleReply) error {
	el, ok, err := s.impl.FindByXPath(context.Background(), args.XPath)
	if err != nil || !ok {
		return err
	}
	reply.Found = true
	reply.Handle = s.register(el)
	return nil
}

func (s *rpcServer) ElementNearBoundingBox(args proximityArgs, reply *handleReply) error {
	el, ok, err := s.impl.FindNearBoundingBox(context.Background(), args.TagName, args.Box)
	if err != nil || !ok {
		return err
	}
	reply.Found = true
	reply.Handle = s.register(el)
	return nil
}

func (s *rpcServer) ClickElement(args handleArgs, _ *struct{}) error {
	return s.withElement(args.Handle, func(el Element) error { return el.Click(context.Background()) })
}

func (s *rpcServer) DoubleClickElement(args handleArgs, _ *struct{}) error {
	return s.withElement(args.Handle, func(el Element) error { return el.DoubleClick(context.Background()) })
}

func (s *rpcServer) HoverElement(args handleArgs, _ *struct{}) error {
	return s.withElement(args.Handle, func(el Element) error { return el.Hover(context.Background()) })
}

func (s *rpcServer) TypeElement(args handleTextArgs, _ *struct{}) error {
	return s.withElement(args.Handle, func(el Element) error { return el.Type(context.Background(), args.Text) })
}

func (s *rpcServer) FillElement(args handleTextArgs, _ *struct{}) error {
	return s.withElement(args.Handle, func(el Element) error { return el.Fill(context.Background(), args.Text) })
}

func (s *rpcServer) SelectOptionElement(args handleValueArgs, _ *struct{}) error {
	return s.withElement(args.Handle, func(el Element) error { return el.SelectOption(context.Background(), args.Value) })
}

func (s *rpcServer) DragElementTo(args handleDragArgs, _ *struct{}) error {
	from, err := s.resolve(args.From)
	if err != nil {
		return err
	}
	to, err := s.resolve(args.To)
	if err != nil {
		return err
	}
	return from.DragTo(context.Background(), to)
}

func (s *rpcServer) ElementIsVisible(args handleArgs, reply *boolReply) error {
	return s.withElement(args.Handle, func(el Element) error {
		v, err := el.IsVisible(context.Background())
		reply.Value = v
		return err
	})
}

func (s *rpcServer) ElementIsEnabled(args handleArgs, reply *boolReply) error {
	return s.withElement(args.Handle, func(el Element) error {
		v, err := el.IsEnabled(context.Background())
		reply.Value = v
		return err
	})
}

func (s *rpcServer) ElementBoundingBox(args handleArgs, reply *boxReply) error {
	return s.withElement(args.Handle, func(el Element) error {
		box, err := el.BoundingBox(context.Background())
		reply.Box = box
		return err
	})
}

func (s *rpcServer) ElementScrollIntoView(args handleArgs, _ *struct{}) error {
	return s.withElement(args.Handle, func(el Element) error { return el.ScrollIntoViewIfNeeded(context.Background()) })
}

func (s *rpcServer) ElementOptions(args handleArgs, reply *optionsReply) error {
	return s.withElement(args.Handle, func(el Element) error {
		values, err := el.Options(context.Background())
		reply.Values = values
		return err
	})
}

func (s *rpcServer) ElementPressKey(args handleKeyArgs, _ *struct{}) error {
	return s.withElement(args.Handle, func(el Element) error { return el.PressKey(context.Background(), args.Key) })
}

func (s *rpcServer) OpenNewTab(args gotoArgs, _ *struct{}) error {
	return s.impl.OpenNewTab(context.Background(), args.URL)
}

func (s *rpcServer) SwitchTab(args tabArgs, _ *struct{}) error {
	return s.impl.SwitchTab(context.Background(), args.Index)
}

func (s *rpcServer) CloseTab(args tabArgs, _ *struct{}) error {
	return s.impl.CloseTab(context.Background(), args.Index)
}

func (s *rpcServer) Close(_ struct{}, _ *struct{}) error {
	return s.impl.Close(context.Background())
}

func (s *rpcServer) withElement(handle string, fn func(Element) error) error {
	el, err := s.resolve(handle)
	if err != nil {
		return err
	}
	return fn(el)
}

// rpcClient implements Controller by forwarding every call over an
// *rpc.Client to the plugin process. It is the host-side half of the
// browser controller boundary (§6).
type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Goto(ctx context.Context, url string) error {
	return c.client.Call("Plugin.Goto", gotoArgs{URL: url}, nil)
}

func (c *rpcClient) WaitForLoadState(ctx context.Context, state string) error {
	return c.client.Call("Plugin.WaitForLoadState", waitArgs{State: state}, nil)
}

func (c *rpcClient) Evaluate(ctx context.Context, jsExpr string) (any, error) {
	var reply evaluateReply
	if err := c.client.Call("Plugin.Evaluate", evaluateArgs{Expr: jsExpr}, &reply); err != nil {
		return nil, err
	}
	return reply.Value, nil
}

func (c *rpcClient) MouseWheel(ctx context.Context, dx, dy float64) error {
	return c.client.Call("Plugin.MouseWheel", wheelArgs{DX: dx, DY: dy}, nil)
}

func (c *rpcClient) Screencap(ctx context.Context) ([]byte, error) {
	var reply screencapReply
	if err := c.client.Call("Plugin.Screencap", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply.Bytes, nil
}

func (c *rpcClient) DumpDOMSummary(ctx context.Context) (StateSummary, error) {
	var reply StateSummary
	if err := c.client.Call("Plugin.DumpDOMSummary", struct{}{}, &reply); err != nil {
		return StateSummary{}, err
	}
	return reply, nil
}

func (c *rpcClient) Element(ctx context.Context, index int) (Element, bool, error) {
	var reply handleReply
	if err := c.client.Call("Plugin.ElementByIndex", indexArgs{Index: index}, &reply); err != nil {
		return nil, false, err
	}
	if !reply.Found {
		return nil, false, nil
	}
	return &rpcElement{client: c.client, handle: reply.Handle}, true, nil
}

func (c *rpcClient) FindByXPath(ctx context.Context, xpath string) (Element, bool, error) {
	var reply handleReply
	if err := c.client.Call("Plugin.ElementByXPath", xpathArgs{XPath: xpath}, &reply); err != nil {
		return nil, false, err
	}
	if !reply.Found {
		return nil, false, nil
	}
	return &rpcElement{client: c.client, handle: reply.Handle}, true, nil
}

func (c *rpcClient) FindNearBoundingBox(ctx context.Context, tagName string, box BoundingBox) (Element, bool, error) {
	var reply handleReply
	if err := c.client.Call("Plugin.ElementNearBoundingBox", proximityArgs{TagName: tagName, Box: box}, &reply); err != nil {
		return nil, false, err
	}
	if !reply.Found {
		return nil, false, nil
	}
	return &rpcElement{client: c.client, handle: reply.Handle}, true, nil
}

func (c *rpcClient) OpenNewTab(ctx context.Context, url string) error {
	return c.client.Call("Plugin.OpenNewTab", gotoArgs{URL: url}, nil)
}

func (c *rpcClient) SwitchTab(ctx context.Context, index int) error {
	return c.client.Call("Plugin.SwitchTab", tabArgs{Index: index}, nil)
}

func (c *rpcClient) CloseTab(ctx context.Context, index int) error {
	return c.client.Call("Plugin.CloseTab", tabArgs{Index: index}, nil)
}

func (c *rpcClient) Close(ctx context.Context) error {
	return c.client.Call("Plugin.Close", struct{}{}, nil)
}

// rpcElement is the host-side handle for one element resolved in the
// plugin process, addressed by an opaque handle string rather than a
// selector-map index (a handle may have come from Element, FindByXPath,
// or FindNearBoundingBox).
type rpcElement struct {
	client *rpc.Client
	handle string
}

func (e *rpcElement) Click(ctx context.Context) error {
	return e.client.Call("Plugin.ClickElement", handleArgs{Handle: e.handle}, nil)
}

func (e *rpcElement) DoubleClick(ctx context.Context) error {
	return e.client.Call("Plugin.DoubleClickElement", handleArgs{Handle: e.handle}, nil)
}

func (e *rpcElement) Hover(ctx context.Context) error {
	return e.client.Call("Plugin.HoverElement", handleArgs{Handle: e.handle}, nil)
}

func (e *rpcElement) Type(ctx context.Context, text string) error {
	return e.client.Call("Plugin.TypeElement", handleTextArgs{Handle: e.handle, Text: text}, nil)
}

func (e *rpcElement) Fill(ctx context.Context, text string) error {
	return e.client.Call("Plugin.FillElement", handleTextArgs{Handle: e.handle, Text: text}, nil)
}

func (e *rpcElement) SelectOption(ctx context.Context, value string) error {
	return e.client.Call("Plugin.SelectOptionElement", handleValueArgs{Handle: e.handle, Value: value}, nil)
}

func (e *rpcElement) DragTo(ctx context.Context, other Element) error {
	target, ok := other.(*rpcElement)
	if !ok {
		return fmt.Errorf("browser plugin: drag target must be a plugin-resolved element")
	}
	return e.client.Call("Plugin.DragElementTo", handleDragArgs{From: e.handle, To: target.handle}, nil)
}

func (e *rpcElement) IsVisible(ctx context.Context) (bool, error) {
	var reply boolReply
	err := e.client.Call("Plugin.ElementIsVisible", handleArgs{Handle: e.handle}, &reply)
	return reply.Value, err
}

func (e *rpcElement) IsEnabled(ctx context.Context) (bool, error) {
	var reply boolReply
	err := e.client.Call("Plugin.ElementIsEnabled", handleArgs{Handle: e.handle}, &reply)
	return reply.Value, err
}

func (e *rpcElement) BoundingBox(ctx context.Context) (BoundingBox, error) {
	var reply boxReply
	err := e.client.Call("Plugin.ElementBoundingBox", handleArgs{Handle: e.handle}, &reply)
	return reply.Box, err
}

func (e *rpcElement) ScrollIntoViewIfNeeded(ctx context.Context) error {
	return e.client.Call("Plugin.ElementScrollIntoView", handleArgs{Handle: e.handle}, nil)
}

func (e *rpcElement) Options(ctx context.Context) ([]string, error) {
	var reply optionsReply
	err := e.client.Call("Plugin.ElementOptions", handleArgs{Handle: e.handle}, &reply)
	return reply.Values, err
}

func (e *rpcElement) PressKey(ctx context.Context, key string) error {
	return e.client.Call("Plugin.ElementPressKey", handleKeyArgs{Handle: e.handle, Key: key}, nil)
}

// Serve runs impl as a go-plugin browser controller plugin process. Called
// from a plugin's main().
func Serve(impl Controller) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{"controller": &ControllerPlugin{Impl: impl}},
	})
}

// Launch starts the external browser controller binary at path and returns
// a Controller talking to it plus a shutdown function the caller must
// invoke once done.
func Launch(path string, args ...string) (Controller, func(), error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap(),
		Cmd:              exec.Command(path, args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClientProto, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("browser plugin: launch %s: %w", path, err)
	}

	raw, err := rpcClientProto.Dispense("controller")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("browser plugin: dispense controller: %w", err)
	}

	controller, ok := raw.(Controller)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("browser plugin: dispensed value does not implement Controller")
	}

	return controller, client.Kill, nil
}
