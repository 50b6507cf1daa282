package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/rendezvous/ctrl"
	"github.com/raskyld/rendezvous/transport"
	"github.com/stretchr/testify/require"
)

func shutdownAll(t *testing.T, nodes ...*Node) {
	t.Helper()
	t.Cleanup(func() {
		var wg sync.WaitGroup
		for _, nd := range nodes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(t, nd.Shutdown())
			}()
		}
		wg.Wait()
	})
}

func TestNode_StaticPeers(t *testing.T) {
	tlsConfs := generateTLS(t, "node0", "node1")
	peers := map[transport.MachineID]string{
		0: "127.0.0.1:6031",
		1: "127.0.0.1:6032",
	}

	node0, err := Create(
		WithMachineID(0),
		WithListenOn("127.0.0.1", 6031),
		WithLog(testLogHandler("node0")),
		WithTlsConfig(tlsConfs["node0"]),
		WithPeers(peers),
		WithCtrlServer(),
		WithMetricSink(nil),
		WithGracePeriod(100*time.Millisecond),
	)
	require.NoError(t, err, "failed to start node0")

	node1, err := Create(
		WithMachineID(1),
		WithListenOn("127.0.0.1", 6032),
		WithLog(testLogHandler("node1")),
		WithTlsConfig(tlsConfs["node1"]),
		WithPeers(peers),
		WithCtrlAddr(peers[0]),
		WithMetricSink(nil),
		WithGracePeriod(100*time.Millisecond),
	)
	require.NoError(t, err, "failed to start node1")
	shutdownAll(t, node0, node1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	t.Run("only one node initialises shared state", func(t *testing.T) {
		var wg sync.WaitGroup
		runs := make(chan transport.MachineID, 2)
		for _, nd := range []*Node{node0, node1} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := nd.Ctrl().LockOrWait(ctx, "init", func(context.Context) error {
					runs <- nd.MachineID()
					return nil
				})
				require.NoError(t, err)
			}()
		}
		wg.Wait()
		close(runs)
		require.Len(t, runs, 1)
	})

	t.Run("transfer between machines", func(t *testing.T) {
		src := []byte("gradients of rank 1")
		dst := make([]byte, 64)
		sent := make(chan struct{})
		recvd := make(chan struct{})

		node0.Transport().Receive(42, node1.MachineID(), dst, func() { close(recvd) })
		node1.Transport().Send(42, node0.MachineID(), src, func() { close(sent) })

		for _, ch := range []chan struct{}{recvd, sent} {
			select {
			case <-ch:
			case <-ctx.Done():
				t.Fatal("timed out")
			}
		}
		require.Equal(t, src, dst[:len(src)])
	})

	t.Run("counters are shared", func(t *testing.T) {
		_, err := node0.Ctrl().IncreaseCount(ctx, "steps", 3)
		require.NoError(t, err)
		total, err := node1.Ctrl().IncreaseCount(ctx, "steps", 4)
		require.NoError(t, err)
		require.Equal(t, int64(7), total)
	})
}

func TestNode_GossipDiscovery(t *testing.T) {
	tlsConfs := generateTLS(t, "node0", "node1")

	node0, err := Create(
		WithMachineID(0),
		WithHostname("node0"),
		WithListenOn("127.0.0.1", 6033),
		WithLog(testLogHandler("node0")),
		WithTlsConfig(tlsConfs["node0"]),
		WithCtrlServer(),
		WithMetricSink(nil),
		WithGracePeriod(100*time.Millisecond),
	)
	require.NoError(t, err, "failed to start node0")

	node1, err := Create(
		WithMachineID(1),
		WithHostname("node1"),
		WithListenOn("127.0.0.1", 6034),
		WithLog(testLogHandler("node1")),
		WithTlsConfig(tlsConfs["node1"]),
		WithNeighbours([]string{node0.Addr()}),
		WithMetricSink(nil),
		WithGracePeriod(100*time.Millisecond),
	)
	require.NoError(t, err, "failed to start node1")
	shutdownAll(t, node0, node1)

	_, err = node1.Ctrl().TryLock(context.Background(), "before-join")
	require.ErrorIs(t, err, ErrNoCtrl)

	require.NoError(t, node1.JoinCluster())
	require.Eventually(t, func() bool {
		addr, err := node0.net.cfg.Directory.Addr(1)
		return err == nil && addr == node1.Addr()
	}, 10*time.Second, 100*time.Millisecond, "machine ids are learnt from gossip")

	names := make([]string, 0, 2)
	for _, mem := range node0.Topology() {
		names = append(names, mem.Name)
	}
	require.ElementsMatch(t, []string{"node0", "node1"}, names)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	result, err := node1.Ctrl().TryLock(ctx, "after-join")
	require.NoError(t, err)
	require.Equal(t, ctrl.LockResultLocked, result)

	// the whole job leaves at once
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, nd := range []*Node{node0, node1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = nd.Shutdown()
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

func TestNode_InvalidOptions(t *testing.T) {
	tlsConfs := generateTLS(t, "node0")

	_, err := Create(WithTlsConfig(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(
		WithTlsConfig(tlsConfs["node0"]),
		WithPeers(map[transport.MachineID]string{0: "127.0.0.1:6035"}),
	)
	require.ErrorIs(t, err, ErrNoCtrl)

	_, err = Create(WithMachineID(-1))
	require.ErrorIs(t, err, transport.ErrInvalidMachineID)

	_, err = Create(WithCtrlAddr(""))
	require.ErrorIs(t, err, ErrInvalidAddr)
}
