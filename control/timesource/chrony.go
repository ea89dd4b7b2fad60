package timesource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"golang.org/x/net/trace"
)

// leapUnsynchronized is chronyd's leap status when it has no usable reference.
const leapUnsynchronized = 3

// ErrUnsynchronized means chronyd is running but has not synchronized the system clock.
var ErrUnsynchronized = errors.New("chronyd is not synchronized")

// Chrony treats the system clock as network time once the local chronyd reports that it is
// tracking a reference.
type Chrony struct {
	Addr    string        // chronyd's command port, usually localhost:323.
	Timeout time.Duration // Bound on each query.

	events trace.EventLog
}

// NewChrony returns a Chrony that queries chronyd at addr.
func NewChrony(addr string) *Chrony {
	return &Chrony{
		Addr:    addr,
		Timeout: 5 * time.Second,
		events:  trace.NewEventLog("timesource", "chrony"),
	}
}

// Sync asks chronyd whether the system clock is synchronized, and returns the system time if so.
func (c *Chrony) Sync(ctx context.Context) (time.Time, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.Addr)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial chronyd: %w", err)
	}
	defer conn.Close()
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return time.Time{}, fmt.Errorf("set deadline: %w", err)
	}

	client := chrony.Client{Sequence: 1, Connection: conn}
	res, err := client.Communicate(chrony.NewTrackingPacket())
	if err != nil {
		return time.Time{}, fmt.Errorf("get tracking info: communicate: %w", err)
	}
	tracking, ok := res.(*chrony.ReplyTracking)
	if !ok {
		return time.Time{}, fmt.Errorf("get tracking info: reply was of unexpected type %T", res)
	}
	if c.events != nil {
		c.events.Printf("tracking %s: stratum %d, leap status %d, offset %v", intRefID(tracking.RefID), tracking.Stratum, tracking.LeapStatus, tracking.LastOffset)
	}
	if err := synchronized(tracking.Tracking); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

// synchronized checks that tracking describes a clock that is following a real reference.
func synchronized(t chrony.Tracking) error {
	switch {
	case t.LeapStatus == leapUnsynchronized:
		return fmt.Errorf("%w: leap status %d", ErrUnsynchronized, t.LeapStatus)
	case t.Stratum == 0 || t.Stratum >= 16:
		return fmt.Errorf("%w: stratum %d", ErrUnsynchronized, t.Stratum)
	case t.RefTime.IsZero() || t.RefTime.Unix() == 0:
		return fmt.Errorf("%w: no reference time", ErrUnsynchronized)
	}
	return nil
}

// refID renders a reference ID the way chronyc does: ASCII for reference clocks like "GPS", an
// address otherwise.
func refID(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		last := len(v4)
		for i, b := range v4 {
			if b == 0 && i > 0 {
				last = i
				break
			}
			if b < '0' || b > 'z' {
				last = 0
				break
			}
		}
		if last > 0 {
			return string(v4[0:last])
		}
	}
	return ip.String()
}

func intRefID(id uint32) string {
	return refID(net.IPv4(byte(id>>24), byte(id>>16), byte(id>>8), byte(id)))
}
