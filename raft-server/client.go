package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client drives the cluster from outside the replica set. It speaks the same
// envelope protocol: each request carries a fresh correlation id, and the
// client follows redirects until it finds the leader, rotating through the
// replicas when one goes silent.
type Client struct {
	id       string
	replicas []string
	conn     Conn

	// leader is the last replica that answered or was named in a redirect
	leader string

	// timeout bounds one request/response exchange; retries bounds how many
	// exchanges one Put or Get may take before giving up
	timeout time.Duration
	retries int
}

// NewClient opens a client endpoint on the fabric at localhost:<port> and
// announces it. replicas are the ids requests may be sent to.
func NewClient(port uint16, replicas []string) (*Client, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("replica list must not be empty")
	}

	conn, err := NewTransport(port)
	if err != nil {
		return nil, err
	}

	c := &Client{
		id:       clientID(),
		replicas: append([]string(nil), replicas...),
		conn:     conn,
		timeout:  500 * time.Millisecond,
		retries:  20,
	}

	hello, err := json.Marshal(Hello{Envelope: Envelope{Src: c.id, Dst: Broadcast, Leader: Broadcast, Type: TypeHello}})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Send(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to announce client: %w", err)
	}

	return c, nil
}

// clientID derives a short fabric id in the same 4-character style the
// replicas use. Collisions with the broadcast sentinel are re-drawn.
func clientID() string {
	for {
		id := strings.ToUpper(uuid.NewString()[:4])
		if id != Broadcast {
			return id
		}
	}
}

// Close releases the client's endpoint.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Put stores value under key, retrying through redirects and silence until
// the cluster acknowledges it or the attempt limit is used up.
func (c *Client) Put(key, value string) error {
	_, err := c.request(Put{
		Envelope: Envelope{Src: c.id, Leader: Broadcast, Type: TypePut},
		Key:      key,
		Value:    value,
	})
	return err
}

// Get reads the value under key. A key that was never written reads as the
// empty string.
func (c *Client) Get(key string) (string, error) {
	resp, err := c.request(Get{
		Envelope: Envelope{Src: c.id, Leader: Broadcast, Type: TypeGet},
		Key:      key,
	})
	if err != nil {
		return "", err
	}
	if resp.Value == nil {
		return "", nil
	}
	return *resp.Value, nil
}

// Leader returns the replica the client last saw act as leader, or the empty
// string when it has not found one yet.
func (c *Client) Leader() string {
	return c.leader
}

// request runs one client operation to completion: pick a target, stamp a
// fresh MID, send, and wait for the matching response. Redirects re-aim the
// next attempt; timeouts rotate to another replica; fail responses retry at
// the same target.
func (c *Client) request(msg interface{}) (*OK, error) {
	rotation := 0

	for attempt := 0; attempt < c.retries; attempt++ {
		target := c.leader
		if target == "" {
			target = c.replicas[rotation%len(c.replicas)]
		}

		mid := uuid.NewString()
		data, err := c.stamp(msg, target, mid)
		if err != nil {
			return nil, err
		}

		if err := c.conn.Send(data); err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}

		resp, kind, err := c.await(mid)
		if err != nil {
			return nil, err
		}

		switch kind {
		case TypeOK:
			c.leader = resp.Src
			return resp, nil

		case TypeRedirect:
			if resp.Leader != Broadcast && resp.Leader != "" {
				c.leader = resp.Leader
			} else {
				// nobody knows the leader yet; try someone else after a
				// short pause
				c.leader = ""
				rotation++
				time.Sleep(50 * time.Millisecond)
			}

		case TypeFail:
			// the replica could not handle it; same target, new MID
			time.Sleep(50 * time.Millisecond)

		case "":
			// silence: the target may be down, rotate
			c.leader = ""
			rotation++
		}
	}

	return nil, fmt.Errorf("request not acknowledged after %d attempts", c.retries)
}

// stamp fills in the routing fields and correlation id of an outbound
// request.
func (c *Client) stamp(msg interface{}, target, mid string) ([]byte, error) {
	switch m := msg.(type) {
	case Put:
		m.Dst = target
		m.MID = mid
		return json.Marshal(m)
	case Get:
		m.Dst = target
		m.MID = mid
		return json.Marshal(m)
	}
	return nil, fmt.Errorf("unsupported request type %T", msg)
}

// await reads responses until one matches mid or the exchange times out.
// kind is the empty string on timeout. Responses to older attempts are
// discarded by the MID check.
func (c *Client) await(mid string) (*OK, string, error) {
	deadline := time.Now().Add(c.timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, "", nil
		}

		data, ok, err := c.conn.Receive(remaining)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", nil
		}

		var resp OK
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.MID != mid || resp.Dst != c.id {
			continue
		}

		switch resp.Type {
		case TypeOK, TypeRedirect, TypeFail:
			return &resp, resp.Type, nil
		}
	}
}
