package delivery

import (
	"context"
	"net"
	"sort"
)

// MXResolver resolves mail exchanger hosts for a recipient domain.
// Implementations return hosts sorted ascending by preference value.
type MXResolver interface {
	LookupMX(ctx context.Context, domain string) ([]string, error)
}

// DNSResolver resolves MX records through the system resolver.
type DNSResolver struct {
	resolver *net.Resolver
}

func NewDNSResolver() *DNSResolver {
	return &DNSResolver{resolver: net.DefaultResolver}
}

func (r *DNSResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	records, err := r.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := mx.Host
		if len(host) > 0 && host[len(host)-1] == '.' {
			host = host[:len(host)-1]
		}
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, nil
}
