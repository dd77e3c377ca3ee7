package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cache"
	"github.com/dreamware/mdtx/internal/cluster"
	"github.com/dreamware/mdtx/internal/storage"
	"github.com/dreamware/mdtx/internal/wire"
)

// fakeSender records deliveries and fails for the addresses in fail.
type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]*wire.Envelope
	fail map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]*wire.Envelope), fail: make(map[string]bool)}
}

func (f *fakeSender) Send(_ context.Context, addr string, env *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr] {
		return errors.New("connection refused")
	}
	f.sent[addr] = append(f.sent[addr], env)
	return nil
}

func (f *fakeSender) count(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[addr])
}

func server(fp string, port int, localhost bool, networks, gateways []string) *cluster.Server {
	return cluster.NewServer(cluster.ServerInfo{
		Fingerprint: fp, Host: "127.0.0.1", Port: port, Networks: networks, Gateways: gateways,
	}, localhost)
}

// fixture: B is localhost on "lan" and gateway for "dmz". A and D are on
// "lan", C only on "dmz", D on both.
type fixture struct {
	local, a, c, d *cluster.Server
	topo           *cluster.Topology
	tree           *cache.Tree
	sender         *fakeSender
	monitor        *cluster.PeerMonitor
	engine         *Engine
}

func newFixture() *fixture {
	f := &fixture{
		local: server("B", 7001, true, []string{"lan"}, []string{"dmz"}),
		a:     server("A", 7002, false, []string{"lan"}, nil),
		c:     server("C", 7003, false, []string{"dmz"}, nil),
		d:     server("D", 7004, false, []string{"lan", "dmz"}, nil),
	}
	f.topo = cluster.NewTopology(f.local, []*cluster.Server{f.a, f.c, f.d})
	coll := archive.NewCollection("music", f.local)
	f.tree = cache.NewTree(coll, storage.NewMemoryStore(), archive.NewDefaultScorer(10, 3, 0), 10000)
	f.sender = newFakeSender()
	f.monitor = cluster.NewPeerMonitor(time.Hour)
	f.engine = NewEngine(f.topo, f.sender, f.monitor, 2)
	return f
}

func testID(n int, size int64) archive.Identity {
	id, err := archive.NewIdentity(fmt.Sprintf("%032x", n), size)
	if err != nil {
		panic(err)
	}
	return id
}

func row(server string, id archive.Identity, typ archive.RecordType, extra string) archive.Row {
	return archive.Row{Server: server, Hash: id.Hash, Size: id.Size, Type: typ.String(), Extra: extra, Date: time.Now()}
}

func (f *fixture) cached(t *testing.T, n int) *archive.Archive {
	t.Helper()
	a := f.tree.Collection().GetOrCreateArchive(testID(n, 100))
	_, err := f.tree.Register(a, fmt.Sprintf("f%d", n), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	return a
}

func ringIDs(ring Ring) []archive.Identity {
	var ids []archive.Identity
	for _, r := range ring.Rows() {
		id, _ := r.Identity()
		ids = append(ids, id)
	}
	return ids
}

// TestBuildRingsRemoteDemand covers local supplies of demanded archives.
func TestBuildRingsRemoteDemand(t *testing.T) {
	f := newFixture()
	x := f.cached(t, 1)
	// well supplied, so only the remote demand puts it in the ring
	f.tree.ReplaceRemote(f.a, []archive.Row{
		row("A", x.ID, archive.RemoteSupply, ""),
		row("A", x.ID, archive.RemoteDemand, ""),
	})
	f.tree.ReplaceRemote(f.c, []archive.Row{row("C", x.ID, archive.RemoteSupply, "")})

	ring := BuildRings(f.tree)
	assert.Equal(t, []archive.Identity{x.ID}, ringIDs(ring))
	assert.Contains(t, ring, x.LocalSupply)

	f.tree.ReplaceRemote(f.a, []archive.Row{row("A", x.ID, archive.RemoteSupply, "")})
	assert.Empty(t, BuildRings(f.tree))
}

// TestBuildRingsContainers covers extraction through containers whose
// parents must all be local.
func TestBuildRingsContainers(t *testing.T) {
	f := newFixture()
	coll := f.tree.Collection()
	p1 := f.cached(t, 1)
	p2 := coll.GetOrCreateArchive(testID(2, 100))
	child := coll.GetOrCreateArchive(testID(3, 50))
	coll.AddContainer("TGZ", []*archive.Archive{p1, p2}, []*archive.Archive{child})

	// p1 is well supplied so rule 3 leaves it out
	for _, peer := range []*cluster.Server{f.a, f.c} {
		rows := []archive.Row{row(peer.Fingerprint, p1.ID, archive.RemoteSupply, "")}
		if peer == f.a {
			rows = append(rows, row("A", child.ID, archive.RemoteDemand, ""))
		}
		f.tree.ReplaceRemote(peer, rows)
	}

	assert.Empty(t, BuildRings(f.tree), "p2 is missing")

	_, err := f.tree.Register(p2, "f2", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	ring := BuildRings(f.tree)
	assert.Contains(t, ring, p1.LocalSupply)
	assert.Contains(t, ring, p2.LocalSupply)
}

// TestNotifyArchiveCycle checks container cycles terminate.
func TestNotifyArchiveCycle(t *testing.T) {
	f := newFixture()
	coll := f.tree.Collection()
	a := coll.GetOrCreateArchive(testID(1, 10))
	b := coll.GetOrCreateArchive(testID(2, 10))
	coll.AddContainer("ISO", []*archive.Archive{a}, []*archive.Archive{b})
	coll.AddContainer("ISO", []*archive.Archive{b}, []*archive.Archive{a})

	ring := make(Ring)
	assert.False(t, NotifyArchive(a, ring))
	assert.Empty(t, ring)
	assert.False(t, NotifyContainer(&archive.Container{Kind: "TGZ"}, ring))
}

// TestBuildRingsDemandsAndWeakArchives covers local demands and poorly
// supplied archives.
func TestBuildRingsDemandsAndWeakArchives(t *testing.T) {
	f := newFixture()
	weak := f.cached(t, 1)
	wanted, err := f.tree.AddLocal(testID(2, 100), archive.FinalDemand, archive.ExtraWanted)
	require.NoError(t, err)
	asked, err := f.tree.AddLocal(testID(3, 100), archive.LocalDemand, "user@example.org")
	require.NoError(t, err)
	_, err = f.tree.AddLocal(testID(4, 100), archive.FinalSupply, "/mnt/support/x")
	require.NoError(t, err)

	ring := BuildRings(f.tree)
	assert.Len(t, ring, 3)
	assert.Contains(t, ring, weak.LocalSupply)
	assert.Contains(t, ring, wanted)
	assert.Contains(t, ring, asked)
}

// TestSendRemoteNotify checks fan-out to directly reachable peers only.
func TestSendRemoteNotify(t *testing.T) {
	f := newFixture()
	f.cached(t, 1)
	f.sender.fail[f.d.Addr()] = true

	reached, err := f.engine.SendRemoteNotify(context.Background(), f.tree)
	require.NoError(t, err)
	assert.Equal(t, 1, reached)
	assert.Equal(t, 1, f.sender.count(f.a.Addr()))
	assert.Equal(t, 0, f.sender.count(f.c.Addr()), "C shares no network with B")

	env := f.sender.sent[f.a.Addr()][0]
	assert.Equal(t, wire.KindNotify, env.Kind)
	assert.Equal(t, "B", env.From)
	assert.Equal(t, "music", env.Collection)
	require.Len(t, env.Records, 1)
	assert.Equal(t, "local-supply", env.Records[0].Type)

	snap := f.monitor.Snapshot()
	assert.Equal(t, 1, snap["D"].ConsecutiveFails)
	assert.Equal(t, cluster.PeerReachable, snap["A"].Status)
}

// TestAcceptRemoteNotify checks relay, type mapping and full replace.
func TestAcceptRemoteNotify(t *testing.T) {
	f := newFixture()
	env := &wire.Envelope{
		Kind:       wire.KindNotify,
		From:       "A",
		Collection: "music",
		Records: []archive.Row{
			row("A", testID(1, 100), archive.LocalSupply, "a/b"),
			row("A", testID(2, 100), archive.FinalDemand, archive.ExtraWanted),
			row("A", testID(3, 100), archive.LocalDemand, "x@example.org"),
			row("A", testID(4, 100), archive.RemoteSupply, ""),
			row("A", testID(5, 100), archive.MallocSupply, archive.ExtraMalloc),
			{Server: "A", Hash: "nothex", Size: 1, Type: "local-supply"},
		},
	}

	n, err := f.engine.AcceptRemoteNotify(context.Background(), f.tree, env)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// relayed untouched to C only: D and A share "lan" with the sender
	assert.Equal(t, 1, f.sender.count(f.c.Addr()))
	assert.Same(t, env, f.sender.sent[f.c.Addr()][0])
	assert.Equal(t, 0, f.sender.count(f.d.Addr()))
	assert.Equal(t, 0, f.sender.count(f.a.Addr()))

	records := f.tree.Collection().ServerRecords("A")
	require.Len(t, records, 3)
	types := map[archive.RecordType]int{}
	for _, r := range records {
		types[r.Type]++
		assert.Empty(t, r.Extra)
	}
	assert.Equal(t, map[archive.RecordType]int{archive.RemoteSupply: 1, archive.RemoteDemand: 2}, types)

	env.Records = env.Records[:1]
	n, err = f.engine.AcceptRemoteNotify(context.Background(), f.tree, env)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	records = f.tree.Collection().ServerRecords("A")
	require.Len(t, records, 1)
	assert.Equal(t, testID(1, 100), records[0].Archive.ID)
}

// TestAcceptRemoteNotifyOrigin checks unknown and looping senders.
func TestAcceptRemoteNotifyOrigin(t *testing.T) {
	f := newFixture()
	_, err := f.engine.AcceptRemoteNotify(context.Background(), f.tree,
		&wire.Envelope{Kind: wire.KindNotify, From: "Z", Collection: "music"})
	assert.ErrorIs(t, err, cluster.ErrUnknownServer)

	_, err = f.engine.AcceptRemoteNotify(context.Background(), f.tree,
		&wire.Envelope{Kind: wire.KindNotify, From: "B", Collection: "music"})
	assert.ErrorIs(t, err, ErrLoop)
}

// TestHave checks the additive single-record announcement.
func TestHave(t *testing.T) {
	f := newFixture()
	f.tree.ReplaceRemote(f.c, []archive.Row{row("C", testID(1, 100), archive.RemoteDemand, "")})

	id := testID(2, 100)
	env := &wire.Envelope{Kind: wire.KindHave, From: "C", Collection: "music", Archive: &id}
	require.NoError(t, f.engine.AcceptHave(context.Background(), f.tree, env))

	records := f.tree.Collection().ServerRecords("C")
	assert.Len(t, records, 2)
	// A is not on a gateway network of B and D shares "dmz" with C
	assert.Equal(t, 0, f.sender.count(f.a.Addr()))
	assert.Equal(t, 0, f.sender.count(f.d.Addr()))

	x := f.cached(t, 3)
	reached, err := f.engine.SendHave(context.Background(), f.tree, x)
	require.NoError(t, err)
	assert.Equal(t, 2, reached)
	last := f.sender.sent[f.d.Addr()][0]
	assert.Equal(t, wire.KindHave, last.Kind)
	assert.Equal(t, x.ID, *last.Archive)

	assert.Error(t, f.engine.AcceptHave(context.Background(), f.tree,
		&wire.Envelope{Kind: wire.KindHave, From: "C", Collection: "music"}))
}

// TestTranslate covers the receiving-side type mapping.
func TestTranslate(t *testing.T) {
	tests := []struct {
		in   archive.RecordType
		want archive.RecordType
		ok   bool
	}{
		{archive.LocalSupply, archive.RemoteSupply, true},
		{archive.FinalDemand, archive.RemoteDemand, true},
		{archive.LocalDemand, archive.RemoteDemand, true},
		{archive.FinalSupply, 0, false},
		{archive.MallocSupply, 0, false},
		{archive.RemoteSupply, 0, false},
		{archive.RemoteDemand, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			got, ok := Translate(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
