package discovery

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

// fakeEtcd keeps keys in a map. Keys ending in "/" are read as prefixes.
type fakeEtcd struct {
	clientv3.KV
	clientv3.Lease
	clientv3.Watcher

	mu        sync.Mutex
	data      map[string]string
	nextLease clientv3.LeaseID
	kept      []clientv3.LeaseID
	keepCtx   []context.Context
	rev       int64
	watchRev  int64
	watch     chan clientv3.WatchResponse
}

func newFake() *fakeEtcd {
	return &fakeEtcd{data: make(map[string]string), watch: make(chan clientv3.WatchResponse, 4), rev: 41}
}

func (f *fakeEtcd) Close() error { return nil }

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	f.rev++
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &clientv3.GetResponse{Header: &pb.ResponseHeader{Revision: f.rev}}
	for k, v := range f.data {
		if k == key || (strings.HasSuffix(key, "/") && strings.HasPrefix(k, key)) {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	return resp, nil
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLease++
	return &clientv3.LeaseGrantResponse{ID: f.nextLease, TTL: ttl}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kept = append(f.kept, id)
	f.keepCtx = append(f.keepCtx, ctx)
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) Watch(ctx context.Context, _ string, opts ...clientv3.OpOption) clientv3.WatchChan {
	op := clientv3.OpGet(HostsPrefix, opts...)
	f.mu.Lock()
	f.watchRev = op.Rev()
	f.mu.Unlock()
	out := make(chan clientv3.WatchResponse)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case wr := <-f.watch:
				out <- wr
			}
		}
	}()
	return out
}

func TestRegisterAndLookupBalancer(t *testing.T) {
	f := newFake()
	ctx := context.Background()
	addr := netip.MustParseAddrPort("10.0.0.1:5000")

	_, err := LookupBalancer(ctx, f)
	require.Error(t, err)

	id, cancel, err := RegisterBalancer(ctx, f, addr, 10)
	require.NoError(t, err)
	assert.Equal(t, clientv3.LeaseID(1), id)
	assert.Equal(t, []clientv3.LeaseID{1}, f.kept)

	got, err := LookupBalancer(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	cancel()
	assert.Error(t, f.keepCtx[0].Err())
}

func TestAnnounceHostNormalizesMAC(t *testing.T) {
	f := newFake()
	_, cancel, err := AnnounceHost(context.Background(), f, "02-00-00-00-00-0A", netip.MustParseAddrPort("192.168.1.20:9100"), 10)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, "192.168.1.20:9100", f.data[HostsPrefix+"02:00:00:00:00:0a"])

	_, _, err = AnnounceHost(context.Background(), f, "bogus", netip.MustParseAddrPort("192.168.1.20:9100"), 10)
	assert.Error(t, err)
}

func TestWatchHosts(t *testing.T) {
	f := newFake()
	f.data[HostsPrefix+"02:00:00:00:00:01"] = "127.0.0.1:9100"
	f.data[BalancerKey] = "10.0.0.1:5000"

	var mu sync.Mutex
	var seen []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchHosts(ctx, f, zaptest.NewLogger(t), func(mac string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, mac)
	}))

	f.mu.Lock()
	assert.Equal(t, int64(42), f.watchRev)
	f.mu.Unlock()

	f.watch <- clientv3.WatchResponse{Events: []*clientv3.Event{
		{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte(HostsPrefix + "02:00:00:00:00:01")}},
		{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{Key: []byte(HostsPrefix + "02:00:00:00:00:02"), Value: []byte("192.168.1.20:9100")}},
	}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"02:00:00:00:00:01", "02:00:00:00:00:02"}, seen)
}
