// Package delegate provides the worker-agent side of the control-plane
// protocol.
//
// Client is the thin three-call RPC surface. Runner builds the full
// pull-based execution loop on top of it: poll the work list, fetch task
// context, execute handlers on their schedule, heartbeat, and stop local
// execution the moment the control plane signals supersession. There is no
// push channel from the control plane; everything a delegate learns, it
// learns by polling.
package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskplane/taskplane/rpc"
	"github.com/taskplane/taskplane/types"
)

// Client errors.
var (
	ErrMissingAccount  = errors.New("account id is required")
	ErrMissingDelegate = errors.New("delegate id is required")
	ErrMissingToken    = errors.New("delegate token is required")
)

// ClientConfig identifies and authenticates the delegate.
type ClientConfig struct {
	// AccountID is the tenant this delegate belongs to.
	AccountID string `yaml:"accountId"`

	// DelegateID uniquely names this delegate within the account.
	DelegateID string `yaml:"delegateId"`

	// Token is the provisioned delegate token presented on every call.
	Token string `yaml:"token"`

	// SubjectPrefix overrides the control-plane subject namespace.
	SubjectPrefix string `yaml:"subjectPrefix"`

	// RequestTimeout bounds each RPC round trip.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// SetDefaults fills in missing configuration values.
func (c *ClientConfig) SetDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = rpc.DefaultSubjectPrefix
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// Validate checks required identity fields.
func (c *ClientConfig) Validate() error {
	if c.AccountID == "" {
		return ErrMissingAccount
	}
	if c.DelegateID == "" {
		return ErrMissingDelegate
	}
	if c.Token == "" {
		return ErrMissingToken
	}

	return nil
}

// Client performs authenticated control-plane calls for one delegate.
//
// Safe for concurrent use.
type Client struct {
	conn *nats.Conn
	cfg  ClientConfig
}

// NewClient creates a client over an established NATS connection.
func NewClient(conn *nats.Conn, cfg ClientConfig) (*Client, error) {
	if conn == nil {
		return nil, errors.New("NATS connection is required")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{conn: conn, cfg: cfg}, nil
}

// List polls the control plane for the delegate's current work list.
//
// The response contains every task this delegate now owns: newly assigned
// plus reconfirmed. A task missing from consecutive responses has been
// reassigned and must stop locally.
func (c *Client) List(ctx context.Context) ([]rpc.TaskRef, error) {
	var resp rpc.ListResponse
	if err := c.request(ctx, rpc.SubjectList, rpc.ListRequest{}, &resp); err != nil {
		return nil, err
	}

	if !resp.OK {
		return nil, fmt.Errorf("list: %w", rpc.ErrorFor(resp.Error))
	}

	return resp.Tasks, nil
}

// TaskContext fetches the opaque parameters and schedule for an owned task.
func (c *Client) TaskContext(ctx context.Context, id string) (types.ClientParams, types.Schedule, error) {
	var resp rpc.ContextResponse
	if err := c.request(ctx, rpc.SubjectContext, rpc.ContextRequest{ID: id}, &resp); err != nil {
		return nil, types.Schedule{}, err
	}

	if !resp.OK {
		return nil, types.Schedule{}, fmt.Errorf("context %s: %w", id, rpc.ErrorFor(resp.Error))
	}

	return resp.Params, resp.Schedule, nil
}

// Heartbeat reports liveness for an owned task at the given epoch.
//
// Returns accepted=false when the control plane has superseded this
// delegate; that is the stop signal, not an error.
func (c *Client) Heartbeat(ctx context.Context, id string, epoch uint64, result []byte) (bool, error) {
	req := rpc.HeartbeatRequest{ID: id, Epoch: epoch, Timestamp: time.Now().UTC(), Result: result}

	var resp rpc.HeartbeatResponse
	if err := c.request(ctx, rpc.SubjectHeartbeat, req, &resp); err != nil {
		return false, err
	}

	if !resp.OK {
		return false, fmt.Errorf("heartbeat %s: %w", id, rpc.ErrorFor(resp.Error))
	}

	return resp.Accepted, nil
}

func (c *Client) request(ctx context.Context, suffix string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	msg := nats.NewMsg(c.cfg.SubjectPrefix + "." + suffix)
	msg.Header.Set(rpc.HeaderAccount, c.cfg.AccountID)
	msg.Header.Set(rpc.HeaderDelegate, c.cfg.DelegateID)
	msg.Header.Set(rpc.HeaderToken, c.cfg.Token)
	msg.Data = data

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("%s request: %w", suffix, err)
	}

	if err := json.Unmarshal(reply.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", suffix, err)
	}

	return nil
}
