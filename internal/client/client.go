// Package client talks to a vectank server over its line-delimited JSON
// protocol.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/models"
)

// Error is a failure reported by the server. It unwraps to the matching
// errs sentinel so callers can use errors.Is.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return errs.FromCode(e.Code)
}

// Client is one authenticated connection. Calls are serialised; use several
// clients for parallel requests.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	lock   sync.Mutex
	broken error
}

// Dial connects to addr and authenticates with secret.
func Dial(ctx context.Context, addr, secret string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrIOFailure, addr, err)
	}
	c := &Client{conn: conn, reader: bufio.NewReader(conn)}

	var resp models.Response
	if err := c.roundTrip(ctx, models.LoginRequest{Secret: secret}, &resp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if resp.Status != models.StatusOK {
		_ = conn.Close()
		return nil, &Error{Code: resp.Code, Message: resp.Message}
	}
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends req and decodes the result into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req models.Request, out any) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.broken != nil {
		return c.broken
	}
	var resp models.Response
	if err := c.roundTrip(ctx, req, &resp); err != nil {
		// A half-read response leaves the stream out of step.
		c.broken = err
		return err
	}
	if resp.Status != models.StatusOK {
		return &Error{Code: resp.Code, Message: resp.Message}
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", req.Op, err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, msg any, resp *models.Response) error {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFailure, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", errs.ErrInvalidRequest, err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return c.ioError(ctx, err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return c.ioError(ctx, err)
	}
	if err := json.Unmarshal(line, resp); err != nil {
		return fmt.Errorf("%w: malformed response: %v", errs.ErrIOFailure, err)
	}
	return nil
}

func (c *Client) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrIOFailure, err)
}

// TankSpec describes a tank to create. Empty DType and Method take the
// server defaults (float32, cosine).
type TankSpec struct {
	Name      string
	Dimension int
	DType     string
	Method    string
	Capacity  int
}

func (c *Client) CreateTank(ctx context.Context, spec TankSpec) (models.TankInfo, error) {
	var info models.TankInfo
	err := c.Do(ctx, models.Request{
		Op:        models.OpCreateTank,
		Tank:      spec.Name,
		Dimension: spec.Dimension,
		DType:     spec.DType,
		Method:    spec.Method,
		Capacity:  spec.Capacity,
	}, &info)
	return info, err
}

// GetTankInfo describes tank; an empty name targets the server's default tank.
func (c *Client) GetTankInfo(ctx context.Context, tank string) (models.TankInfo, error) {
	var info models.TankInfo
	err := c.Do(ctx, models.Request{Op: models.OpGetTankInfo, Tank: tank}, &info)
	return info, err
}

func (c *Client) DeleteTank(ctx context.Context, tank string) error {
	return c.Do(ctx, models.Request{Op: models.OpDeleteTank, Tank: tank}, nil)
}

func (c *Client) ListTanks(ctx context.Context) ([]string, error) {
	var list models.TankList
	err := c.Do(ctx, models.Request{Op: models.OpListTanks}, &list)
	return list.Tanks, err
}

func (c *Client) AddVector(ctx context.Context, tank string, vector []float64, metadata map[string]any) (string, error) {
	var res models.AddResult
	err := c.Do(ctx, models.Request{Op: models.OpAddVector, Tank: tank, Vector: vector, Metadata: metadata}, &res)
	return res.Key, err
}

// AddVectors inserts items one by one on the server; failed items are
// reported in the result rather than as an error.
func (c *Client) AddVectors(ctx context.Context, tank string, items []models.VectorItem) (models.BatchAddResult, error) {
	var res models.BatchAddResult
	err := c.Do(ctx, models.Request{Op: models.OpAddVectors, Tank: tank, Items: items}, &res)
	return res, err
}

func (c *Client) GetVector(ctx context.Context, tank, key string) (models.VectorRecord, error) {
	var rec models.VectorRecord
	err := c.Do(ctx, models.Request{Op: models.OpGetVector, Tank: tank, Key: key}, &rec)
	return rec, err
}

// UpdateVector replaces whichever of vector and metadata is non-nil.
func (c *Client) UpdateVector(ctx context.Context, tank, key string, vector []float64, metadata map[string]any) error {
	return c.Do(ctx, models.Request{Op: models.OpUpdateVector, Tank: tank, Key: key, Vector: vector, Metadata: metadata}, nil)
}

func (c *Client) DeleteVector(ctx context.Context, tank, key string) error {
	return c.Do(ctx, models.Request{Op: models.OpDeleteVector, Tank: tank, Key: key}, nil)
}

func (c *Client) DeleteVectors(ctx context.Context, tank string, keys []string) error {
	return c.Do(ctx, models.Request{Op: models.OpDeleteVectors, Tank: tank, Keys: keys}, nil)
}

// Search returns the topK closest entries; an empty method uses the tank's
// default.
func (c *Client) Search(ctx context.Context, tank string, query []float64, topK int, method string) ([]models.SearchHit, error) {
	var res models.SearchResult
	err := c.Do(ctx, models.Request{Op: models.OpSearch, Tank: tank, Vector: query, TopK: &topK, Method: method}, &res)
	return res.Hits, err
}

func (c *Client) Filter(ctx context.Context, tank string, conditions map[string]any) ([]string, error) {
	var res models.KeyList
	err := c.Do(ctx, models.Request{Op: models.OpFilter, Tank: tank, Conditions: conditions}, &res)
	return res.Keys, err
}

func (c *Client) ClearTank(ctx context.Context, tank string) error {
	return c.Do(ctx, models.Request{Op: models.OpClearTank, Tank: tank}, nil)
}

// Save asks the server to snapshot every tank; an empty prefix uses the
// server's configured one.
func (c *Client) Save(ctx context.Context, prefix string) (models.PersistResult, error) {
	var res models.PersistResult
	err := c.Do(ctx, models.Request{Op: models.OpSave, Prefix: prefix}, &res)
	return res, err
}

func (c *Client) Load(ctx context.Context, prefix string) (models.PersistResult, error) {
	var res models.PersistResult
	err := c.Do(ctx, models.Request{Op: models.OpLoad, Prefix: prefix}, &res)
	return res, err
}

// Shutdown asks the server to save and stop. The connection is closed by the
// server afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Do(ctx, models.Request{Op: models.OpShutdown}, nil)
}
