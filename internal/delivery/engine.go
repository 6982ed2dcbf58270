package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelpost/relay/internal/config"
	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/pkg/logger"
)

// Engine delivers signed messages to recipient mail exchangers.
type Engine struct {
	resolver MXResolver
	pool     *Pool
	// devRelay, when set, replaces MX resolution with a fixed host.
	devRelay string
}

// NewEngine builds the production engine from config.
func NewEngine(cfg config.DeliveryConfig) *Engine {
	dialer := &SMTPDialer{
		HeloDomain:     cfg.HeloDomain,
		ConnectTimeout: cfg.ConnectTimeout(),
		SendTimeout:    cfg.SendTimeout(),
	}
	return &Engine{
		resolver: NewDNSResolver(),
		pool:     NewPool(dialer, cfg.MaxConnsPerHost, cfg.MaxMessagesPerConn),
		devRelay: cfg.DevRelay,
	}
}

// NewEngineWith wires an engine from explicit parts, used by tests and the
// worker's composition root.
func NewEngineWith(resolver MXResolver, pool *Pool, devRelay string) *Engine {
	return &Engine{resolver: resolver, pool: pool, devRelay: devRelay}
}

// Deliver hands the signed message to the first reachable exchanger for each
// recipient domain. The returned result carries the exchanger that accepted
// the final recipient group.
func (e *Engine) Deliver(ctx context.Context, from string, to []string, messageID string, signed []byte) (domain.DeliveryAttemptResult, error) {
	start := time.Now()
	result := domain.DeliveryAttemptResult{MessageID: messageID}

	byDomain := map[string][]string{}
	for _, rcpt := range to {
		d := domain.AddressDomain(rcpt)
		byDomain[d] = append(byDomain[d], rcpt)
	}

	for rcptDomain, rcpts := range byDomain {
		host, err := e.deliverGroup(ctx, rcptDomain, from, rcpts, signed)
		if err != nil {
			result.Success = false
			result.ErrorCode = domain.CodeOf(err)
			result.Duration = time.Since(start)
			return result, err
		}
		result.MXHost = host
	}

	result.Success = true
	result.Duration = time.Since(start)
	return result, nil
}

// deliverGroup sends to one recipient domain's exchangers in priority order
// and returns the host that accepted the message.
func (e *Engine) deliverGroup(ctx context.Context, rcptDomain, from string, rcpts []string, signed []byte) (string, error) {
	hosts, err := e.exchangers(ctx, rcptDomain)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, host := range hosts {
		pc, err := e.pool.Get(ctx, host)
		if err != nil {
			// Exchanger-level failure; the next host may still accept.
			logger.Warn("exchanger unreachable", "host", host, "domain", rcptDomain, "error", err.Error())
			lastErr = err
			continue
		}

		if err := pc.conn.Send(from, rcpts, signed); err != nil {
			logger.Warn("exchanger rejected message", "host", host, "domain", rcptDomain, "error", err.Error())
			e.pool.Discard(pc)
			lastErr = err
			continue
		}

		e.pool.Put(pc)
		return host, nil
	}

	return "", domain.WrapError(domain.ErrCodeAllExchangersFailed,
		fmt.Errorf("all %d exchangers for %s failed: %w", len(hosts), rcptDomain, lastErr))
}

func (e *Engine) exchangers(ctx context.Context, rcptDomain string) ([]string, error) {
	if e.devRelay != "" {
		return []string{e.devRelay}, nil
	}

	hosts, err := e.resolver.LookupMX(ctx, rcptDomain)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeNoMXRecords,
			fmt.Errorf("mx lookup for %s: %w", rcptDomain, err))
	}
	if len(hosts) == 0 {
		return nil, domain.Errorf(domain.ErrCodeNoMXRecords, "no mx records for %s", rcptDomain)
	}
	return hosts, nil
}

// Close releases the engine's pooled connections.
func (e *Engine) Close() {
	e.pool.Close()
}
