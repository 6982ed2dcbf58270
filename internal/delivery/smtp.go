package delivery

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// Conn is one open SMTP session to an exchanger host.
type Conn interface {
	// Send runs one MAIL/RCPT/DATA transaction.
	Send(from string, to []string, msg []byte) error
	Close() error
}

// Dialer opens SMTP sessions. Tests substitute a fake; production uses
// SMTPDialer.
type Dialer interface {
	Dial(ctx context.Context, host string) (Conn, error)
}

// SMTPDialer opens real SMTP connections on port 25.
type SMTPDialer struct {
	HeloDomain     string
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

func (d *SMTPDialer) Dial(ctx context.Context, host string) (Conn, error) {
	dialer := net.Dialer{Timeout: d.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", ensurePort(host))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", host, err)
	}

	client, err := smtp.NewClient(netConn, host)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("smtp handshake with %s: %w", host, err)
	}

	if d.HeloDomain != "" {
		if err := client.Hello(d.HeloDomain); err != nil {
			client.Close()
			return nil, fmt.Errorf("helo to %s: %w", host, err)
		}
	}

	return &smtpConn{client: client, netConn: netConn, sendTimeout: d.SendTimeout}, nil
}

type smtpConn struct {
	client      *smtp.Client
	netConn     net.Conn
	sendTimeout time.Duration
}

func (c *smtpConn) Send(from string, to []string, msg []byte) error {
	if c.sendTimeout > 0 {
		c.netConn.SetDeadline(time.Now().Add(c.sendTimeout))
		defer c.netConn.SetDeadline(time.Time{})
	}

	if err := c.client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish DATA: %w", err)
	}

	// Clear envelope state before the connection is reused.
	return c.client.Reset()
}

func (c *smtpConn) Close() error {
	if err := c.client.Quit(); err != nil {
		return c.client.Close()
	}
	return nil
}

func ensurePort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "25")
}
