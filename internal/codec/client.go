package codec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region methods
// ServiceName is the inference sidecar's gRPC service.
const ServiceName = "helpdesk.inference.v1.Inference"

const (
	embedMethod    = "/" + ServiceName + "/Embed"
	generateMethod = "/" + ServiceName + "/Generate"
)

// DefaultTimeout bounds one Embed or Generate call.
const DefaultTimeout = 60 * time.Second

// #endregion methods

// #region client-struct
// Client talks to the inference sidecar. Requests and responses are
// google.protobuf.Struct messages:
//
//	Embed     {texts: [string], model}          -> {embeddings: [[number]]}
//	Generate  {system, prompt, model, max_tokens} -> {text}
type Client struct {
	conn    *grpc.ClientConn
	cc      grpc.ClientConnInterface
	model   string
	timeout time.Duration
}

// #endregion client-struct

// #region constructor
// NewClient connects to the inference sidecar at addr.
func NewClient(addr, model string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn, model: model, timeout: DefaultTimeout}, nil
}

// NewClientWithConn wraps an existing connection, typically a fake in tests.
func NewClientWithConn(cc grpc.ClientConnInterface, model string) *Client {
	return &Client{cc: cc, model: model, timeout: DefaultTimeout}
}

// WithTimeout sets the per-call deadline. Zero or negative keeps the current one.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// invoke runs one unary call under the per-call deadline.
func (c *Client) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.cc.Invoke(ctx, method, req, resp)
}

// #endregion constructor

// #region close
// Close shuts down the owned connection, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region embed
// Embed returns one vector per text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	items := make([]any, len(texts))
	for i, t := range texts {
		items[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"texts": items, "model": c.model})
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, embedMethod, req, resp); err != nil {
		return nil, fmt.Errorf("embed rpc: %w", err)
	}

	rows := resp.GetFields()["embeddings"].GetListValue().GetValues()
	if len(rows) != len(texts) {
		return nil, fmt.Errorf("embed rpc: got %d embeddings for %d texts", len(rows), len(texts))
	}
	out := make([][]float32, len(rows))
	for i, row := range rows {
		vals := row.GetListValue().GetValues()
		if len(vals) == 0 {
			return nil, fmt.Errorf("embed rpc: embedding %d is empty", i)
		}
		vec := make([]float32, len(vals))
		for j, v := range vals {
			vec[j] = float32(v.GetNumberValue())
		}
		out[i] = vec
	}
	return out, nil
}

// #endregion embed

// #region generate
// Generate sends a system and user prompt and returns the completion text.
func (c *Client) Generate(ctx context.Context, system, user string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"system":     system,
		"prompt":     user,
		"model":      c.model,
		"max_tokens": 1024,
	})
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, generateMethod, req, resp); err != nil {
		return "", fmt.Errorf("generate rpc: %w", err)
	}
	text, ok := resp.GetFields()["text"]
	if !ok {
		return "", errors.New("generate rpc: response has no text")
	}
	return text.GetStringValue(), nil
}

// #endregion generate
