// Package discovery publishes the balancer endpoint and host power-on
// announcements in etcd.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	BalancerKey = "/zephyrgrid/balancer"
	HostsPrefix = "/zephyrgrid/hosts/"
)

// Client is the part of *clientv3.Client this package uses.
type Client interface {
	clientv3.KV
	clientv3.Lease
	clientv3.Watcher
}

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// putWithLease writes key under a fresh lease and keeps the lease alive
// until the returned cancel is called.
func putWithLease(ctx context.Context, cli Client, key, value string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, key, value, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", key, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keep alive: %w", err)
	}
	// The keep-alive channel must be drained or the client logs warnings.
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// RegisterBalancer publishes the balancer's UDP endpoint.
func RegisterBalancer(ctx context.Context, cli Client, addr netip.AddrPort, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	return putWithLease(ctx, cli, BalancerKey, addr.String(), ttl)
}

// LookupBalancer returns the registered balancer endpoint.
func LookupBalancer(ctx context.Context, cli Client) (netip.AddrPort, error) {
	resp, err := cli.Get(ctx, BalancerKey)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("get %s: %w", BalancerKey, err)
	}
	if len(resp.Kvs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no balancer registered under %s", BalancerKey)
	}
	ap, err := netip.ParseAddrPort(string(resp.Kvs[0].Value))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("balancer address: %w", err)
	}
	return ap, nil
}

// AnnounceHost records that the host with mac is powered, with its agent
// endpoint as value. The key disappears with the lease.
func AnnounceHost(ctx context.Context, cli Client, mac string, agent netip.AddrPort, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return 0, nil, fmt.Errorf("announce host: %w", err)
	}
	return putWithLease(ctx, cli, HostsPrefix+hw.String(), agent.String(), ttl)
}

// WatchHosts calls onPowered for every host already announced and for
// each new announcement until ctx is cancelled.
func WatchHosts(ctx context.Context, cli Client, log *zap.Logger, onPowered func(mac string)) error {
	if log == nil {
		log = zap.NewNop()
	}
	resp, err := cli.Get(ctx, HostsPrefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}
	for _, kv := range resp.Kvs {
		onPowered(strings.TrimPrefix(string(kv.Key), HostsPrefix))
	}

	var rev int64
	if resp.Header != nil {
		rev = resp.Header.Revision + 1
	}
	wch := cli.Watch(ctx, HostsPrefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
	go func() {
		for wr := range wch {
			if err := wr.Err(); err != nil {
				log.Warn("host watch", zap.Error(err))
				continue
			}
			for _, ev := range wr.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				mac := strings.TrimPrefix(string(ev.Kv.Key), HostsPrefix)
				log.Info("host announced", zap.String("mac", mac), zap.ByteString("agent", ev.Kv.Value))
				onPowered(mac)
			}
		}
	}()
	return nil
}
