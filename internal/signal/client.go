package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"edgeruntime/internal/logger"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	methodGet       = "/vehicle.signal.Broker/Get"
	methodSet       = "/vehicle.signal.Broker/Set"
	methodSubscribe = "/vehicle.signal.Broker/Subscribe"
)

// getRequest/getResponse/setRequest/setResponse/subscribeUpdate are the
// wire shapes exchanged with the broker, JSON-encoded over the rawCodec
// since no .proto definition for this broker exists in the retrieval pack.
type getRequest struct {
	Paths []string `json:"paths"`
}

type getResponse struct {
	Values map[string]any `json:"values"`
}

type setRequest struct {
	Updates map[string]any `json:"updates"`
}

type setResponse struct {
	Acked bool `json:"acked"`
}

type subscribeRequest struct {
	Paths []string `json:"paths"`
}

type subscribeUpdate struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// BrokerClient is a thin gRPC client against the external vehicle signal
// broker, using a raw JSON codec instead of generated stubs.
type BrokerClient struct {
	addr string
	conn *grpc.ClientConn
}

// NewBrokerClient returns a client for addr. It makes no connection; call
// Connect to create the gRPC client connection.
func NewBrokerClient(addr string) *BrokerClient {
	return &BrokerClient{addr: addr}
}

// Connect creates the gRPC client connection to the broker using the raw
// codec. It does not wait for the connection to become ready: an
// unreachable broker surfaces as an error from the first RPC, not here.
func (c *BrokerClient) Connect(ctx context.Context) error {
	conn, err := grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return fmt.Errorf("signal: dialing broker %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

func (c *BrokerClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *BrokerClient) Get(ctx context.Context, paths []string) (map[string]any, error) {
	reqBody, err := json.Marshal(getRequest{Paths: paths})
	if err != nil {
		return nil, fmt.Errorf("signal: encoding get request: %w", err)
	}

	var resp rawMessage
	if err := c.conn.Invoke(ctx, methodGet, rawMessage(reqBody), &resp); err != nil {
		return nil, fmt.Errorf("signal: broker Get: %w", err)
	}

	var parsed getResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("signal: decoding get response: %w", err)
	}
	return parsed.Values, nil
}

func (c *BrokerClient) Set(ctx context.Context, updates map[string]any) error {
	reqBody, err := json.Marshal(setRequest{Updates: updates})
	if err != nil {
		return fmt.Errorf("signal: encoding set request: %w", err)
	}

	var resp rawMessage
	if err := c.conn.Invoke(ctx, methodSet, rawMessage(reqBody), &resp); err != nil {
		return fmt.Errorf("signal: broker Set: %w", err)
	}

	var parsed setResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return fmt.Errorf("signal: decoding set response: %w", err)
	}
	if !parsed.Acked {
		return fmt.Errorf("signal: broker did not acknowledge Set")
	}
	return nil
}

// Subscribe opens a server-streaming RPC and returns a channel of updates.
// The channel is closed when the stream ends or ctx is cancelled.
func (c *BrokerClient) Subscribe(ctx context.Context, paths []string) (<-chan subscribeUpdate, error) {
	reqBody, err := json.Marshal(subscribeRequest{Paths: paths})
	if err != nil {
		return nil, fmt.Errorf("signal: encoding subscribe request: %w", err)
	}

	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, methodSubscribe)
	if err != nil {
		return nil, fmt.Errorf("signal: opening subscribe stream: %w", err)
	}
	if err := stream.SendMsg(rawMessage(reqBody)); err != nil {
		return nil, fmt.Errorf("signal: sending subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("signal: closing subscribe send: %w", err)
	}

	updates := make(chan subscribeUpdate, 64)
	go func() {
		defer close(updates)
		for {
			var msg rawMessage
			if err := stream.RecvMsg(&msg); err != nil {
				return
			}
			var u subscribeUpdate
			if err := json.Unmarshal(msg, &u); err != nil {
				logger.GetLogger(ctx).Sugar().Warnw("signal: decoding subscribe update failed", "error", err)
				continue
			}
			select {
			case updates <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates, nil
}

// backoffDelay returns the jittered exponential delay for the nth (1-based)
// reconnect attempt.
func backoffDelay(attempt int) time.Duration {
	d := float64(backoffInitial)
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= float64(backoffMax) {
			d = float64(backoffMax)
			break
		}
	}
	jitter := d * jitterFraction * (rand.Float64()*2 - 1)
	delay := time.Duration(d + jitter)
	if delay < 0 {
		delay = backoffInitial
	}
	return delay
}
